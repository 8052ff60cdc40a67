package service

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/gitops-gate/gitopsgate/internal/domain/rbac"
)

// PolicyLoader reads, parses, compiles, and publishes policy files.
// Used at startup and by the reload paths (SIGHUP, admin endpoint).
// A failed load leaves the active policy untouched: the previous
// generation keeps serving until a valid policy replaces it.
type PolicyLoader struct {
	compiler *PolicyCompiler
	store    *PolicyStore
	logger   *slog.Logger
}

// NewPolicyLoader creates a loader bound to a compiler and store.
func NewPolicyLoader(compiler *PolicyCompiler, store *PolicyStore, logger *slog.Logger) *PolicyLoader {
	return &PolicyLoader{
		compiler: compiler,
		store:    store,
		logger:   logger,
	}
}

// LoadFile parses and compiles the policy at path and publishes it.
// Returns the assigned generation.
func (l *PolicyLoader) LoadFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open policy file: %w", err)
	}
	defer func() { _ = f.Close() }()

	parsed, err := rbac.ParsePolicy(path, f)
	if err != nil {
		return 0, fmt.Errorf("parse policy: %w", err)
	}

	return l.publish(parsed)
}

// LoadString parses and compiles an in-memory policy and publishes it.
func (l *PolicyLoader) LoadString(source, text string) (uint64, error) {
	parsed, err := rbac.ParsePolicyString(source, text)
	if err != nil {
		return 0, fmt.Errorf("parse policy: %w", err)
	}
	return l.publish(parsed)
}

func (l *PolicyLoader) publish(parsed *rbac.PolicyFile) (uint64, error) {
	compiled, err := l.compiler.Compile(parsed)
	if err != nil {
		return 0, fmt.Errorf("compile policy: %w", err)
	}

	gen := l.store.Swap(compiled)
	return gen, nil
}

// Reload re-reads the policy from path. On failure the previous policy
// stays active and the error is returned for the caller to surface.
func (l *PolicyLoader) Reload(path string) (uint64, error) {
	gen, err := l.LoadFile(path)
	if err != nil {
		l.logger.Error("policy reload failed, keeping active generation",
			"path", path,
			"active_generation", l.store.Generation(),
			"error", err)
		return 0, err
	}
	return gen, nil
}
