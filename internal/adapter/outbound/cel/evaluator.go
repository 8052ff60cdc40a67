// Package cel provides a CEL-based evaluator for optional rule conditions.
package cel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/gitops-gate/gitopsgate/internal/domain/rbac"
)

// maxExpressionLength is the maximum allowed length for a condition.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit, guarding against
// cost-exhaustion through pathological expressions.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single condition evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations)
// context cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates CEL conditions on policy rules.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator creates an evaluator with the authorization environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewAuthzEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create authz environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks a condition, returning a compiled program.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	return prg, nil
}

// ValidateExpression checks that a condition is syntactically valid and
// within the safety limits (length, nesting depth).
func (e *Evaluator) ValidateExpression(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid CEL expression: %w", err)
	}
	return nil
}

// validateNesting rejects expressions nested deeper than maxNestingDepth.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// Evaluate runs a compiled condition against a request and its resolved
// roles. Returns the boolean result; a non-boolean result is an error.
// Evaluation is bounded by evalTimeout so a runaway expression cannot
// stall the authorization hot path.
func (e *Evaluator) Evaluate(prg cel.Program, req rbac.Request, roles []string, requestTime time.Time) (bool, error) {
	activation := map[string]any{
		"subject":       req.Subject,
		"groups":        req.Groups,
		"roles":         roles,
		"action":        req.Action,
		"resource_type": req.ResourceType,
		"resource_id":   req.ResourceID,
		"request_time":  requestTime,
	}

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}

	return boolResult, nil
}

// splitSegments splits a resource identifier on "/" boundaries.
func splitSegments(id string) []string {
	return strings.Split(id, "/")
}
