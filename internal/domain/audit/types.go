// Package audit contains domain types for audit-event correlation.
package audit

import (
	"time"

	"github.com/gitops-gate/gitopsgate/internal/domain/rbac"
)

// Correlation carries request metadata attached to a decision when it is
// recorded, supplied by the API gateway.
type Correlation struct {
	// RequestID correlates the record across systems.
	RequestID string
	// SourceIP is the client address, when available.
	SourceIP string
}

// Record wraps a Decision with correlation metadata and a sequence number.
// Records are append-only: never mutated or deleted within the process
// lifetime. Retention is the external log backend's responsibility.
type Record struct {
	// Seq is the monotonically increasing sequence number assigned at append.
	Seq uint64 `json:"seq"`

	rbac.Decision

	// RequestID correlates the record across systems.
	RequestID string `json:"request_id,omitempty"`
	// SourceIP is the client address, when available.
	SourceIP string `json:"source_ip,omitempty"`
}

// Filter selects records for a query. Zero-valued fields match everything.
type Filter struct {
	// Subject filters by decision subject.
	Subject string
	// Outcome filters by decision outcome ("allow" or "deny").
	Outcome rbac.Outcome
	// Since is the inclusive lower bound on the decision timestamp.
	Since time.Time
	// Until is the exclusive upper bound on the decision timestamp.
	Until time.Time
	// Limit caps the number of records yielded (0 = no cap).
	Limit int
}

// Matches reports whether a record satisfies the filter (Limit excluded).
func (f Filter) Matches(rec Record) bool {
	if f.Subject != "" && rec.Subject != f.Subject {
		return false
	}
	if f.Outcome != "" && rec.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !rec.Timestamp.Before(f.Until) {
		return false
	}
	return true
}
