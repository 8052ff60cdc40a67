package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/gitops-gate/gitopsgate/internal/domain/audit"
	"github.com/gitops-gate/gitopsgate/internal/domain/rbac"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()

	sink, err := NewSink(filepath.Join(t.TempDir(), "audit.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewSink() error = %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func testRecord(seq uint64, subject string, outcome rbac.Outcome, ts time.Time) audit.Record {
	return audit.Record{
		Seq: seq,
		Decision: rbac.Decision{
			Subject:      subject,
			Action:       "sync",
			ResourceType: "applications",
			ResourceID:   "myapp/prod",
			Outcome:      outcome,
			Reason:       "test",
			Generation:   1,
			Timestamp:    ts,
		},
		RequestID: "req-1",
		SourceIP:  "192.0.2.1",
	}
}

func TestSink_WriteQueryRoundtrip(t *testing.T) {
	t.Parallel()

	sink := newTestSink(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	err := sink.Write(ctx,
		testRecord(1, "eddie", rbac.OutcomeAllow, base),
		testRecord(2, "mallory", rbac.OutcomeDeny, base.Add(time.Minute)),
		testRecord(3, "eddie", rbac.OutcomeDeny, base.Add(2*time.Minute)),
	)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := sink.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Query() returned %d records, want 3", len(got))
	}

	rec := got[0]
	if rec.Seq != 1 || rec.Subject != "eddie" || rec.Outcome != rbac.OutcomeAllow {
		t.Errorf("unexpected first record: %+v", rec)
	}
	if !rec.Timestamp.Equal(base) {
		t.Errorf("Timestamp = %v, want %v", rec.Timestamp, base)
	}
	if rec.RequestID != "req-1" || rec.SourceIP != "192.0.2.1" {
		t.Errorf("correlation not round-tripped: %+v", rec)
	}
}

func TestSink_QueryFilters(t *testing.T) {
	t.Parallel()

	sink := newTestSink(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	err := sink.Write(ctx,
		testRecord(1, "eddie", rbac.OutcomeAllow, base),
		testRecord(2, "mallory", rbac.OutcomeDeny, base.Add(time.Minute)),
		testRecord(3, "eddie", rbac.OutcomeDeny, base.Add(2*time.Minute)),
	)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter audit.Filter
		want   []uint64
	}{
		{"by subject", audit.Filter{Subject: "eddie"}, []uint64{1, 3}},
		{"by outcome", audit.Filter{Outcome: rbac.OutcomeDeny}, []uint64{2, 3}},
		{"since inclusive", audit.Filter{Since: base.Add(time.Minute)}, []uint64{2, 3}},
		{"until exclusive", audit.Filter{Until: base.Add(time.Minute)}, []uint64{1}},
		{"limit", audit.Filter{Limit: 2}, []uint64{1, 2}},
		{"no match", audit.Filter{Subject: "nobody"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sink.Query(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Query() returned %d records, want %d", len(got), len(tt.want))
			}
			for i, seq := range tt.want {
				if got[i].Seq != seq {
					t.Errorf("record %d seq = %d, want %d", i, got[i].Seq, seq)
				}
			}
		})
	}
}

func TestSink_ReshippedBatchesAreIdempotent(t *testing.T) {
	t.Parallel()

	sink := newTestSink(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := testRecord(1, "eddie", rbac.OutcomeAllow, now)
	if err := sink.Write(ctx, rec); err != nil {
		t.Fatal(err)
	}
	// A retried batch re-ships the same sequence number.
	if err := sink.Write(ctx, rec, testRecord(2, "eddie", rbac.OutcomeDeny, now)); err != nil {
		t.Fatalf("re-shipped Write() error = %v", err)
	}

	got, err := sink.Query(ctx, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("Query() returned %d records, want 2 (duplicate seq ignored)", len(got))
	}
}

func TestSink_MatchedRuleStored(t *testing.T) {
	t.Parallel()

	sink := newTestSink(t)
	ctx := context.Background()

	rec := testRecord(1, "eddie", rbac.OutcomeAllow, time.Now().UTC())
	rec.MatchedRule = &rbac.Rule{
		Role: "role:dev", ResourceType: "applications", Action: "sync",
		Pattern: "*/prod", Effect: rbac.EffectAllow, Line: 1,
	}
	if err := sink.Write(ctx, rec); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	var rule string
	err := sink.db.QueryRowContext(ctx, "SELECT matched_rule FROM audit_records WHERE seq = 1").Scan(&rule)
	if err != nil {
		t.Fatalf("query matched_rule: %v", err)
	}
	if rule != rec.MatchedRule.Name() {
		t.Errorf("matched_rule = %q, want %q", rule, rec.MatchedRule.Name())
	}
}
