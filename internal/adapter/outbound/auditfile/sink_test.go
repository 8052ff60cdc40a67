package auditfile

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/gitops-gate/gitopsgate/internal/domain/audit"
	"github.com/gitops-gate/gitopsgate/internal/domain/rbac"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
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
			Timestamp:    ts,
		},
	}
}

func TestParseFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		wantOK     bool
		wantDate   string
		wantSuffix int
	}{
		{"audit-2026-08-01.log", true, "2026-08-01", 0},
		{"audit-2026-08-01-3.log", true, "2026-08-01", 3},
		{"audit-2026-08-01-12.log", true, "2026-08-01", 12},
		{"audit-2026-08-01.log.gz", false, "", 0},
		{"access-2026-08-01.log", false, "", 0},
		{"audit-20260801.log", false, "", 0},
		{"audit-2026-08-01-.log", false, "", 0},
	}

	for _, tt := range tests {
		info, ok := parseFilename(tt.name)
		if ok != tt.wantOK {
			t.Errorf("parseFilename(%q) ok = %v, want %v", tt.name, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if info.date != tt.wantDate || info.suffix != tt.wantSuffix {
			t.Errorf("parseFilename(%q) = %+v, want date %q suffix %d", tt.name, info, tt.wantDate, tt.wantSuffix)
		}
	}
}

func TestSortFiles(t *testing.T) {
	t.Parallel()

	files := []fileInfo{
		{name: "audit-2026-08-02.log", date: "2026-08-02", suffix: 0},
		{name: "audit-2026-08-01-2.log", date: "2026-08-01", suffix: 2},
		{name: "audit-2026-08-01.log", date: "2026-08-01", suffix: 0},
		{name: "audit-2026-08-01-10.log", date: "2026-08-01", suffix: 10},
	}
	sortFiles(files)

	want := []string{
		"audit-2026-08-01.log",
		"audit-2026-08-01-2.log",
		"audit-2026-08-01-10.log",
		"audit-2026-08-02.log",
	}
	for i, w := range want {
		if files[i].name != w {
			t.Errorf("files[%d] = %q, want %q", i, files[i].name, w)
		}
	}
}

func TestSink_WriteReadRoundtrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	sink, err := NewSink(Config{Dir: dir}, discardLogger())
	if err != nil {
		t.Fatalf("NewSink() error = %v", err)
	}

	now := time.Now().UTC()
	records := []audit.Record{
		testRecord(1, "eddie", rbac.OutcomeAllow, now),
		testRecord(2, "mallory", rbac.OutcomeDeny, now),
		testRecord(3, "eddie", rbac.OutcomeDeny, now),
	}
	if err := sink.Write(context.Background(), records...); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got, err := ReadRecords(dir, audit.Filter{})
	if err != nil {
		t.Fatalf("ReadRecords() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("read %d records, want 3", len(got))
	}
	if got[0].Seq != 1 || got[0].Subject != "eddie" || got[2].Outcome != rbac.OutcomeDeny {
		t.Errorf("unexpected records: %+v", got)
	}

	denials, err := ReadRecords(dir, audit.Filter{Subject: "eddie", Outcome: rbac.OutcomeDeny})
	if err != nil {
		t.Fatal(err)
	}
	if len(denials) != 1 || denials[0].Seq != 3 {
		t.Errorf("filtered read = %+v, want only seq 3", denials)
	}

	limited, err := ReadRecords(dir, audit.Filter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limited read = %d records, want 2", len(limited))
	}
}

func TestSink_DateRotation(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	sink, err := NewSink(Config{Dir: dir}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	today := time.Now().UTC()
	err = sink.Write(context.Background(),
		testRecord(1, "eddie", rbac.OutcomeAllow, yesterday),
		testRecord(2, "eddie", rbac.OutcomeAllow, today),
	)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	wantYesterday := buildFilename(yesterday.Format("2006-01-02"), 0)
	wantToday := buildFilename(today.Format("2006-01-02"), 0)
	for _, name := range []string{wantYesterday, wantToday} {
		if _, err := os.Stat(dir + "/" + name); err != nil {
			t.Errorf("expected file %s: %v", name, err)
		}
	}

	// Chronological order across files: yesterday's record first.
	got, err := ReadRecords(dir, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Seq != 1 || got[1].Seq != 2 {
		t.Errorf("read order = %+v, want seq 1 then 2", got)
	}
}

func TestSink_SizeRotation(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	sink, err := NewSink(Config{Dir: dir, MaxFileSizeMB: 1}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	// Each record exceeds the 1 MiB cap on its own, so the second write
	// must rotate to a suffixed file.
	now := time.Now().UTC()
	big := testRecord(1, "eddie", rbac.OutcomeAllow, now)
	big.Reason = strings.Repeat("x", 1<<20+1024)
	if err := sink.Write(context.Background(), big); err != nil {
		t.Fatal(err)
	}
	big.Seq = 2
	if err := sink.Write(context.Background(), big); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	date := now.Format("2006-01-02")
	if _, err := os.Stat(dir + "/" + buildFilename(date, 1)); err != nil {
		t.Errorf("expected rotated file with suffix 1: %v", err)
	}
}

func TestReadRecords_SkipsMalformedLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := `{"seq":1,"subject":"eddie","action":"sync","resource_type":"applications","resource_id":"myapp/prod","outcome":"allow","reason":"test","generation":1,"timestamp":"2026-08-01T12:00:00Z"}
this line is garbage
{"seq":2,"subject":"eddie","action":"sync","resource_type":"applications","resource_id":"myapp/prod","outcome":"deny","reason":"test","generation":1,"timestamp":"2026-08-01T12:01:00Z"}
`
	if err := os.WriteFile(dir+"/audit-2026-08-01.log", []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := ReadRecords(dir, audit.Filter{})
	if err != nil {
		t.Fatalf("ReadRecords() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("read %d records, want 2 (garbage skipped)", len(got))
	}
	if got[0].Seq != 1 || got[1].Seq != 2 {
		t.Errorf("unexpected records: %+v", got)
	}
}
