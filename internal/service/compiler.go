// Package service wires the domain together: policy compilation, the
// generation-tracked policy store, the authorizer, and audit shipping.
package service

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	celgo "github.com/google/cel-go/cel"

	celadapter "github.com/gitops-gate/gitopsgate/internal/adapter/outbound/cel"
	"github.com/gitops-gate/gitopsgate/internal/domain/rbac"
)

// CompiledRule pairs a parsed rule with its compiled CEL condition.
// Program is nil for unconditional rules.
type CompiledRule struct {
	rbac.Rule
	Program celgo.Program
}

// CompiledPolicy is an immutable, fully prepared policy ready for
// evaluation. Once published via the PolicyStore it is never mutated;
// reloads build a fresh CompiledPolicy and swap it in.
type CompiledPolicy struct {
	// Generation is assigned by the PolicyStore at swap time.
	Generation uint64
	// Rules in source order. Evaluation is first-match over this slice.
	Rules []CompiledRule
	// roles maps subject (user or group) to the roles bound to it.
	roles map[string][]string
	// Fingerprint is a stable hash of the canonical policy text.
	Fingerprint string
	// CompiledAt is when compilation finished (UTC).
	CompiledAt time.Time
	// Source names the policy origin (file path or "<inline>").
	Source string
}

// RolesFor returns the union of roles bound to the subject and each of
// its groups, deduplicated, in binding order.
func (p *CompiledPolicy) RolesFor(subject string, groups []string) []string {
	seen := make(map[string]struct{})
	var roles []string

	add := func(name string) {
		for _, role := range p.roles[name] {
			if _, ok := seen[role]; ok {
				continue
			}
			seen[role] = struct{}{}
			roles = append(roles, role)
		}
	}

	add(subject)
	for _, g := range groups {
		add(g)
	}
	return roles
}

// RuleCount returns the number of compiled rules.
func (p *CompiledPolicy) RuleCount() int { return len(p.Rules) }

// SubjectCount returns the number of distinct bound subjects.
func (p *CompiledPolicy) SubjectCount() int { return len(p.roles) }

// PolicyCompiler turns parsed policy files into compiled policies.
type PolicyCompiler struct {
	evaluator *celadapter.Evaluator
	logger    *slog.Logger
	// strict turns unbound-role warnings into compilation failures.
	strict bool
}

// CompilerOption configures a PolicyCompiler.
type CompilerOption func(*PolicyCompiler)

// WithStrictRoles makes compilation fail when a binding references a
// role no rule uses, instead of logging a warning.
func WithStrictRoles(strict bool) CompilerOption {
	return func(c *PolicyCompiler) {
		c.strict = strict
	}
}

// NewPolicyCompiler creates a compiler with a shared CEL environment.
func NewPolicyCompiler(logger *slog.Logger, opts ...CompilerOption) (*PolicyCompiler, error) {
	evaluator, err := celadapter.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("create condition evaluator: %w", err)
	}

	c := &PolicyCompiler{
		evaluator: evaluator,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Compile prepares a parsed policy for evaluation: conditions are
// compiled to CEL programs, bindings are indexed by subject, and the
// canonical fingerprint is computed. Rule order is preserved exactly.
// Generation stays zero until the PolicyStore publishes the policy.
func (c *PolicyCompiler) Compile(f *rbac.PolicyFile) (*CompiledPolicy, error) {
	if unbound := rbac.UnboundRoles(f); len(unbound) > 0 {
		if c.strict {
			return nil, &rbac.ConflictError{
				Source: f.Source,
				Line:   firstBindingLine(f, unbound[0]),
				Msg:    fmt.Sprintf("bindings reference roles no rule uses: %s", strings.Join(unbound, ", ")),
			}
		}
		c.logger.Warn("policy bindings reference roles no rule uses",
			"source", f.Source,
			"roles", unbound)
	}

	compiled := &CompiledPolicy{
		Rules:       make([]CompiledRule, 0, len(f.Rules)),
		roles:       make(map[string][]string),
		Fingerprint: Fingerprint(f),
		CompiledAt:  time.Now().UTC(),
		Source:      f.Source,
	}

	for _, rule := range f.Rules {
		cr := CompiledRule{Rule: rule}
		if rule.Condition != "" {
			if err := c.evaluator.ValidateExpression(rule.Condition); err != nil {
				return nil, &rbac.SyntaxError{
					Source: f.Source, Line: rule.Line, Field: "condition",
					Msg: err.Error(),
				}
			}
			prg, err := c.evaluator.Compile(rule.Condition)
			if err != nil {
				return nil, &rbac.SyntaxError{
					Source: f.Source, Line: rule.Line, Field: "condition",
					Msg: err.Error(),
				}
			}
			cr.Program = prg
		}
		compiled.Rules = append(compiled.Rules, cr)
	}

	for _, b := range f.Bindings {
		if containsRole(compiled.roles[b.Subject], b.Role) {
			continue
		}
		compiled.roles[b.Subject] = append(compiled.roles[b.Subject], b.Role)
	}

	return compiled, nil
}

// Evaluator exposes the compiler's condition evaluator so the
// authorizer runs compiled programs against the same environment.
func (c *PolicyCompiler) Evaluator() *celadapter.Evaluator {
	return c.evaluator
}

// Fingerprint computes a stable 64-bit hash of the canonical policy
// text, rendered as 16 hex digits. Identical policies always produce
// identical fingerprints, regardless of comment or whitespace noise.
func Fingerprint(f *rbac.PolicyFile) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(rbac.Canonical(f)))
}

// firstBindingLine locates the line of the first binding using a role.
func firstBindingLine(f *rbac.PolicyFile, role string) int {
	for _, b := range f.Bindings {
		if b.Role == role {
			return b.Line
		}
	}
	return 0
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
