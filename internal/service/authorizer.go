package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gitops-gate/gitopsgate/internal/domain/audit"
	"github.com/gitops-gate/gitopsgate/internal/domain/rbac"
)

// Decision reasons used across the evaluation paths.
const (
	reasonNoPolicy     = "no policy loaded"
	reasonNoRole       = "no role assigned to subject"
	reasonImplicitDeny = "no matching rule: implicit deny"
	reasonAuditFailed  = "audit unavailable: fail closed"
)

// Authorizer evaluates authorization requests against the active policy
// and records every decision in the audit log before returning it.
// Evaluation is deterministic: one policy snapshot is loaded per call
// and rules are checked in source order, first match wins.
type Authorizer struct {
	store     *PolicyStore
	log       audit.Log
	compiler  *PolicyCompiler
	forwarder *Forwarder
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// AuthorizerOption configures an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithForwarder attaches a best-effort shipper that receives each
// appended record for delivery to external sinks.
func WithForwarder(f *Forwarder) AuthorizerOption {
	return func(a *Authorizer) {
		a.forwarder = f
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) AuthorizerOption {
	return func(a *Authorizer) {
		a.now = now
	}
}

// NewAuthorizer creates an authorizer over the given store and audit log.
func NewAuthorizer(store *PolicyStore, log audit.Log, compiler *PolicyCompiler, logger *slog.Logger, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{
		store:    store,
		log:      log,
		compiler: compiler,
		logger:   logger,
		tracer:   otel.Tracer("gitopsgate/authorizer"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Evaluate checks a request against the active policy, records the
// decision, and returns it. The returned error is non-nil only when the
// audit log could not persist the record; the decision is then forced
// to deny regardless of what the policy said, because an unauditable
// action must not be permitted.
func (a *Authorizer) Evaluate(ctx context.Context, req rbac.Request, corr audit.Correlation) (rbac.Decision, error) {
	ctx, span := a.tracer.Start(ctx, "authorizer.evaluate",
		trace.WithAttributes(
			attribute.String("rbac.subject", req.Subject),
			attribute.String("rbac.action", req.Action),
			attribute.String("rbac.resource_type", req.ResourceType),
			attribute.String("rbac.resource_id", req.ResourceID),
		))
	defer span.End()

	decision := a.decide(req)
	span.SetAttributes(
		attribute.String("rbac.outcome", string(decision.Outcome)),
		attribute.Int64("rbac.generation", int64(decision.Generation)),
	)

	// The record must land before the decision is released. A decision
	// that cannot be audited is converted to a deny on the spot.
	rec, err := a.log.Append(ctx, decision, corr)
	if err != nil {
		decision.Outcome = rbac.OutcomeDeny
		decision.Reason = reasonAuditFailed
		decision.MatchedRule = nil
		a.logger.Error("audit append failed, denying request",
			"subject", req.Subject,
			"action", req.Action,
			"resource_id", req.ResourceID,
			"error", err)
		return decision, fmt.Errorf("record decision: %w", err)
	}

	if a.forwarder != nil {
		a.forwarder.Enqueue(rec)
	}

	a.logger.Debug("request evaluated",
		"subject", req.Subject,
		"action", req.Action,
		"resource_id", req.ResourceID,
		"outcome", decision.Outcome,
		"reason", decision.Reason,
		"seq", rec.Seq)

	return decision, nil
}

// decide runs the policy evaluation proper, without audit side effects.
func (a *Authorizer) decide(req rbac.Request) rbac.Decision {
	now := a.now()
	decision := rbac.Decision{
		Subject:      req.Subject,
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Outcome:      rbac.OutcomeDeny,
		Timestamp:    now,
	}

	policy, err := a.store.Active()
	if err != nil {
		decision.Reason = reasonNoPolicy
		return decision
	}
	decision.Generation = policy.Generation

	roles := policy.RolesFor(req.Subject, req.Groups)
	if len(roles) == 0 {
		decision.Reason = reasonNoRole
		return decision
	}

	roleSet := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		roleSet[r] = struct{}{}
	}

	for i := range policy.Rules {
		rule := &policy.Rules[i]
		if _, ok := roleSet[rule.Role]; !ok {
			continue
		}
		if rule.ResourceType != req.ResourceType || rule.Action != req.Action {
			continue
		}
		if !rbac.MatchResource(rule.Pattern, req.ResourceID) {
			continue
		}
		if rule.Program != nil {
			ok, err := a.compiler.Evaluator().Evaluate(rule.Program, req, roles, now)
			if err != nil {
				// A condition that cannot be evaluated fails closed: the
				// request is denied rather than falling through to a
				// later, possibly more permissive, rule.
				decision.Reason = fmt.Sprintf("condition evaluation failed on line %d: %v", rule.Line, err)
				decision.MatchedRule = &rule.Rule
				a.logger.Warn("condition evaluation failed, denying request",
					"rule", rule.Name(),
					"line", rule.Line,
					"subject", req.Subject,
					"error", err)
				return decision
			}
			if !ok {
				continue
			}
		}

		decision.Outcome = rbac.Outcome(rule.Effect)
		decision.Reason = fmt.Sprintf("matched rule at line %d: %s", rule.Line, rule.Name())
		decision.MatchedRule = &rule.Rule
		return decision
	}

	decision.Reason = reasonImplicitDeny
	return decision
}
