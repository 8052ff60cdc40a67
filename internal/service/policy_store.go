package service

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrNoPolicy is returned when evaluation is attempted before the first
// policy has been published.
var ErrNoPolicy = errors.New("no policy loaded")

// PolicyStore holds the active compiled policy behind an atomic pointer.
// Readers never take a lock: Active loads the snapshot and every
// evaluation runs entirely against it, so a concurrent Swap cannot mix
// rule sets within one evaluation. Writers serialize through a mutex so
// generation numbers are assigned strictly in swap order.
type PolicyStore struct {
	active atomic.Pointer[CompiledPolicy]

	mu         sync.Mutex
	generation atomic.Uint64

	logger *slog.Logger
}

// NewPolicyStore creates an empty store. Active returns ErrNoPolicy
// until the first Swap.
func NewPolicyStore(logger *slog.Logger) *PolicyStore {
	return &PolicyStore{logger: logger}
}

// Swap publishes a compiled policy atomically, assigning it the next
// generation number. In-flight evaluations keep using the snapshot they
// loaded; only evaluations starting after Swap returns see the new
// policy. Returns the assigned generation.
func (s *PolicyStore) Swap(p *CompiledPolicy) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen := s.generation.Add(1)
	p.Generation = gen
	s.active.Store(p)

	s.logger.Info("policy published",
		"generation", gen,
		"rules", p.RuleCount(),
		"subjects", p.SubjectCount(),
		"fingerprint", p.Fingerprint,
		"source", p.Source)

	return gen
}

// Active returns the current compiled policy snapshot.
func (s *PolicyStore) Active() (*CompiledPolicy, error) {
	p := s.active.Load()
	if p == nil {
		return nil, ErrNoPolicy
	}
	return p, nil
}

// Generation returns the generation of the most recently published
// policy, zero if none has been published.
func (s *PolicyStore) Generation() uint64 {
	return s.generation.Load()
}
