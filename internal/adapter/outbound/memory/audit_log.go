// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/gitops-gate/gitopsgate/internal/domain/audit"
	"github.com/gitops-gate/gitopsgate/internal/domain/rbac"
)

// defaultMaxRecords bounds the in-process audit log. When the bound is
// reached Append fails with a StorageError and the Authorizer fails closed;
// operators size this against the forwarder's shipping rate.
const defaultMaxRecords = 1_000_000

// AuditLog is the in-process append-only audit log. It exclusively owns its
// records: appends serialize sequence-number assignment under a single lock,
// queries iterate a snapshot taken at call time and never block the append
// path beyond acquiring that snapshot.
type AuditLog struct {
	mu        sync.RWMutex
	records   []audit.Record
	bySubject map[string][]int // subject -> indices into records
	seq       uint64
	max       int
	closed    bool
}

// NewAuditLog creates an audit log holding at most maxRecords records.
// maxRecords <= 0 applies the default bound.
func NewAuditLog(maxRecords int) *AuditLog {
	if maxRecords <= 0 {
		maxRecords = defaultMaxRecords
	}
	return &AuditLog{
		bySubject: make(map[string][]int),
		max:       maxRecords,
	}
}

// Append records a decision and assigns the next sequence number.
// Sequence numbers are dense and strictly increasing; assignment and the
// append are atomic under the write lock.
func (l *AuditLog) Append(ctx context.Context, d rbac.Decision, c audit.Correlation) (audit.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return audit.Record{}, &audit.StorageError{Op: "append", Err: audit.ErrClosed}
	}
	if len(l.records) >= l.max {
		return audit.Record{}, &audit.StorageError{Op: "append", Err: audit.ErrCapacityExhausted}
	}

	l.seq++
	rec := audit.Record{
		Seq:       l.seq,
		Decision:  d,
		RequestID: c.RequestID,
		SourceIP:  c.SourceIP,
	}
	l.bySubject[d.Subject] = append(l.bySubject[d.Subject], len(l.records))
	l.records = append(l.records, rec)

	return rec, nil
}

// Close marks the log closed; subsequent appends fail with ErrClosed.
// Existing records remain queryable.
func (l *AuditLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

// Len returns the number of records in the log.
func (l *AuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// LastSeq returns the most recently assigned sequence number (0 if none).
func (l *AuditLog) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// snapshot returns a stable view of the records present at call time.
// Records are immutable and the slice is append-only, so a re-sliced
// header is safe to iterate without holding the lock: later appends may
// reallocate the backing array but never mutate existing elements.
func (l *AuditLog) snapshot() []audit.Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.records[:len(l.records):len(l.records)]
}

// subjectSnapshot returns a copy of the subject index positions valid
// against the returned record snapshot.
func (l *AuditLog) subjectSnapshot(subject string) ([]int, []audit.Record) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx := l.bySubject[subject]
	out := make([]int, len(idx))
	copy(out, idx)
	return out, l.records[:len(l.records):len(l.records)]
}

// Query returns a lazy sequence of records matching the filter, in sequence
// order, over a snapshot taken now. Iteration honours ctx cancellation, so
// long scans over large time ranges remain cancellable by the caller.
func (l *AuditLog) Query(ctx context.Context, f audit.Filter) iter.Seq[audit.Record] {
	// Subject queries walk the subject index instead of the full log.
	if f.Subject != "" {
		idx, recs := l.subjectSnapshot(f.Subject)
		return func(yield func(audit.Record) bool) {
			yielded := 0
			for _, i := range idx {
				if ctx.Err() != nil {
					return
				}
				rec := recs[i]
				if !f.Matches(rec) {
					continue
				}
				if !yield(rec) {
					return
				}
				yielded++
				if f.Limit > 0 && yielded >= f.Limit {
					return
				}
			}
		}
	}

	recs := l.snapshot()
	return func(yield func(audit.Record) bool) {
		yielded := 0
		for _, rec := range recs {
			if ctx.Err() != nil {
				return
			}
			if !f.Matches(rec) {
				continue
			}
			if !yield(rec) {
				return
			}
			yielded++
			if f.Limit > 0 && yielded >= f.Limit {
				return
			}
		}
	}
}

// CountDenials reports the number of denied decisions for a subject within
// the time range (zero times = unbounded).
func (l *AuditLog) CountDenials(ctx context.Context, subject string, since, until time.Time) (int64, error) {
	f := audit.Filter{Subject: subject, Outcome: rbac.OutcomeDeny, Since: since, Until: until}
	var n int64
	for range l.Query(ctx, f) {
		n++
	}
	return n, ctx.Err()
}

// ListActionsBySubject returns the distinct actions a subject has attempted,
// in first-seen order.
func (l *AuditLog) ListActionsBySubject(ctx context.Context, subject string) ([]string, error) {
	seen := make(map[string]struct{})
	var actions []string
	for rec := range l.Query(ctx, audit.Filter{Subject: subject}) {
		if _, ok := seen[rec.Action]; ok {
			continue
		}
		seen[rec.Action] = struct{}{}
		actions = append(actions, rec.Action)
	}
	return actions, ctx.Err()
}

// Compile-time interface verification.
var _ audit.Log = (*AuditLog)(nil)
