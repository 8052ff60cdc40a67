package audit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/gitops-gate/gitopsgate/internal/domain/rbac"
)

// Sentinel errors for the audit log.
var (
	// ErrCapacityExhausted is returned when the log cannot accept more records.
	ErrCapacityExhausted = errors.New("audit log capacity exhausted")
	// ErrClosed is returned when the log has been closed.
	ErrClosed = errors.New("audit log closed")
)

// StorageError signals that the audit log could not persist a record.
// The Authorizer treats it as fatal for the triggering request: the action
// is denied, since unauditable actions must not be permitted.
type StorageError struct {
	// Op is the failing operation ("append", "open", ...).
	Op string
	// Err is the underlying cause.
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("audit storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Log is the append-only, queryable audit log owned by the correlator.
// Append serializes sequence-number assignment; Query runs against a
// snapshot taken at call time and never blocks writers.
type Log interface {
	// Append records a decision synchronously and assigns the next sequence
	// number. Fails only with a StorageError (exhausted or closed storage).
	Append(ctx context.Context, d rbac.Decision, c Correlation) (Record, error)

	// Query returns a lazy sequence of records matching the filter, in
	// sequence order. Iteration stops when ctx is cancelled.
	Query(ctx context.Context, f Filter) iter.Seq[Record]

	// CountDenials reports the number of denied decisions for a subject
	// within the time range (zero times = unbounded).
	CountDenials(ctx context.Context, subject string, since, until time.Time) (int64, error)

	// ListActionsBySubject returns the distinct actions a subject has
	// attempted, in first-seen order.
	ListActionsBySubject(ctx context.Context, subject string) ([]string, error)
}

// Sink receives audit records for shipment to an external log backend.
// Shipping is best-effort: the in-process Log is the source of truth.
type Sink interface {
	// Write ships a batch of records.
	Write(ctx context.Context, records ...Record) error

	// Flush forces pending records out. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}
