// Package rbac contains domain types for RBAC policy evaluation.
package rbac

import (
	"fmt"
	"time"
)

// Effect is the outcome attached to a policy rule.
type Effect string

const (
	// EffectAllow permits the requested action.
	EffectAllow Effect = "allow"
	// EffectDeny blocks the requested action.
	EffectDeny Effect = "deny"
)

// Rule is a single access control rule from a policy definition.
// Rules are immutable once compiled; evaluation order is the order
// they appear in the policy source (first match wins).
type Rule struct {
	// Role is the subject role this rule applies to (e.g., "role:developer").
	Role string `json:"role"`
	// ResourceType is the resource category (e.g., "applications").
	ResourceType string `json:"resource_type"`
	// Action is the operation being requested (e.g., "sync", "get").
	Action string `json:"action"`
	// Pattern is a segment-wise glob matched against resource identifiers.
	// "*" matches exactly one path segment, "*/*" any two-segment path.
	Pattern string `json:"pattern"`
	// Effect is the outcome when this rule matches.
	Effect Effect `json:"effect"`
	// Condition is an optional CEL expression that must evaluate to true
	// for the rule to match. Empty means unconditional.
	Condition string `json:"condition,omitempty"`
	// Line is the 1-based line number in the policy source, for diagnostics.
	Line int `json:"line"`
}

// Name returns a stable human-readable identifier for the rule,
// used in decision reasons and operator diagnostics.
func (r Rule) Name() string {
	return fmt.Sprintf("p, %s, %s, %s, %s, %s", r.Role, r.ResourceType, r.Action, r.Pattern, r.Effect)
}

// Binding assigns a role to a subject (user or group name).
// A subject may hold multiple roles; set semantics apply.
type Binding struct {
	// Subject is the user or group name.
	Subject string `json:"subject"`
	// Role is the role granted to the subject.
	Role string `json:"role"`
	// Line is the 1-based line number in the policy source.
	Line int `json:"line"`
}

// PolicyFile is the parsed form of a policy definition, prior to compilation.
// Rule order is preserved from the source and is a load-bearing contract:
// evaluation is first-match, so a map would silently change semantics.
type PolicyFile struct {
	// Rules in source order.
	Rules []Rule
	// Bindings in source order.
	Bindings []Binding
	// Source names the origin of the policy (file path or "<inline>").
	Source string
}

// Outcome is the result of evaluating a request against compiled policy.
type Outcome string

const (
	// OutcomeAllow indicates the request is permitted.
	OutcomeAllow Outcome = "allow"
	// OutcomeDeny indicates the request is blocked.
	OutcomeDeny Outcome = "deny"
)

// Request is a single authorization check supplied by the API gateway.
// Subject identity and group memberships arrive pre-resolved from the
// identity provider; this engine never authenticates.
type Request struct {
	// Subject is the authenticated user or service identity.
	Subject string `json:"subject"`
	// Groups are the subject's group memberships (may be empty).
	Groups []string `json:"groups,omitempty"`
	// Action is the requested operation.
	Action string `json:"action"`
	// ResourceType is the resource category.
	ResourceType string `json:"resource_type"`
	// ResourceID identifies the resource (e.g., "myapp/prod").
	ResourceID string `json:"resource_id"`
}

// Decision is the immutable outcome of a policy evaluation.
type Decision struct {
	// Subject is the identity the decision applies to.
	Subject string `json:"subject"`
	// Action is the requested operation.
	Action string `json:"action"`
	// ResourceType is the resource category.
	ResourceType string `json:"resource_type"`
	// ResourceID identifies the resource.
	ResourceID string `json:"resource_id"`
	// Outcome is "allow" or "deny".
	Outcome Outcome `json:"outcome"`
	// Reason explains why the decision was made.
	Reason string `json:"reason"`
	// MatchedRule is the rule that produced the outcome, nil when no rule
	// matched (implicit deny) or the subject holds no role.
	MatchedRule *Rule `json:"matched_rule,omitempty"`
	// Generation is the compiled policy generation evaluated against.
	Generation uint64 `json:"generation"`
	// Timestamp is when the decision was made (UTC).
	Timestamp time.Time `json:"timestamp"`
}

// Allowed reports whether the decision permits the action.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllow
}
