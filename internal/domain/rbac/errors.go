package rbac

import "fmt"

// SyntaxError reports a malformed policy line. Compilation aborts on the
// first syntax error; the previously active generation stays in effect.
type SyntaxError struct {
	// Source is the policy origin (file path or "<inline>").
	Source string
	// Line is the 1-based line number of the malformed line.
	Line int
	// Field names the offending field ("effect", "pattern", ...), empty
	// when the whole line is malformed.
	Field string
	// Msg describes the problem.
	Msg string
}

func (e *SyntaxError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s:%d: field %q: %s", e.Source, e.Line, e.Field, e.Msg)
	}
	return fmt.Sprintf("%s:%d: %s", e.Source, e.Line, e.Msg)
}

// ConflictError reports an ambiguous or unbound policy construct: two rules
// with identical role/type/action/pattern but differing effects, or a role
// granted by a binding that no rule uses.
type ConflictError struct {
	// Source is the policy origin.
	Source string
	// Line is the 1-based line number of the conflicting construct.
	Line int
	// Msg describes the conflict.
	Msg string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Source, e.Line, e.Msg)
}
