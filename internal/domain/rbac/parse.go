package rbac

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Line kinds in the policy definition format.
const (
	lineKindRule    = "p"
	lineKindBinding = "g"
)

// minRuleFields is the field count of an unconditional rule line:
// p, role, resourceType, action, pattern, effect
const minRuleFields = 6

// bindingFields is the field count of a binding line: g, subject, role
const bindingFields = 3

// ParsePolicy parses a line-oriented policy definition into a PolicyFile.
// Each non-empty, non-comment line is either a rule line
// ("p, role, resourceType, action, pattern, effect[, condition]") or a
// group-binding line ("g, subject, role"). Parsing stops at the first
// malformed line and returns a SyntaxError naming the line and field;
// duplicate rules with differing effects return a ConflictError.
// Parsing is deterministic: identical input always yields the identical
// ordered rule sequence.
func ParsePolicy(source string, r io.Reader) (*PolicyFile, error) {
	f := &PolicyFile{Source: source}

	// Detects two rules identical in role/type/action/pattern/condition
	// but with different effects. First occurrence wins the map slot.
	type ruleSeen struct {
		effect Effect
		line   int
	}
	seen := make(map[string]ruleSeen)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := splitFields(line)
		switch fields[0] {
		case lineKindRule:
			rule, err := parseRuleLine(source, lineNo, fields)
			if err != nil {
				return nil, err
			}
			key := strings.Join([]string{rule.Role, rule.ResourceType, rule.Action, rule.Pattern, rule.Condition}, "\x00")
			if prev, ok := seen[key]; ok && prev.effect != rule.Effect {
				return nil, &ConflictError{
					Source: source,
					Line:   lineNo,
					Msg: fmt.Sprintf("rule conflicts with line %d: identical role/resource/action/pattern with opposite effect (%s vs %s)",
						prev.line, prev.effect, rule.Effect),
				}
			}
			if _, ok := seen[key]; !ok {
				seen[key] = ruleSeen{effect: rule.Effect, line: lineNo}
			}
			f.Rules = append(f.Rules, rule)

		case lineKindBinding:
			if len(fields) != bindingFields {
				return nil, &SyntaxError{
					Source: source, Line: lineNo,
					Msg: fmt.Sprintf("binding line needs %d fields (g, subject, role), got %d", bindingFields, len(fields)),
				}
			}
			if fields[1] == "" {
				return nil, &SyntaxError{Source: source, Line: lineNo, Field: "subject", Msg: "subject is empty"}
			}
			if fields[2] == "" {
				return nil, &SyntaxError{Source: source, Line: lineNo, Field: "role", Msg: "role is empty"}
			}
			f.Bindings = append(f.Bindings, Binding{Subject: fields[1], Role: fields[2], Line: lineNo})

		default:
			return nil, &SyntaxError{
				Source: source, Line: lineNo,
				Msg: fmt.Sprintf("unknown line kind %q (want %q or %q)", fields[0], lineKindRule, lineKindBinding),
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read policy %s: %w", source, err)
	}

	return f, nil
}

// ParsePolicyString parses a policy definition held in memory.
func ParsePolicyString(source, text string) (*PolicyFile, error) {
	return ParsePolicy(source, strings.NewReader(text))
}

// parseRuleLine parses a "p, ..." line. Fields beyond the effect are
// rejoined with "," and treated as a CEL condition, since CEL expressions
// may themselves contain commas.
func parseRuleLine(source string, lineNo int, fields []string) (Rule, error) {
	if len(fields) < minRuleFields {
		return Rule{}, &SyntaxError{
			Source: source, Line: lineNo,
			Msg: fmt.Sprintf("rule line needs at least %d fields (p, role, resourceType, action, pattern, effect), got %d", minRuleFields, len(fields)),
		}
	}

	rule := Rule{
		Role:         fields[1],
		ResourceType: fields[2],
		Action:       fields[3],
		Pattern:      fields[4],
		Effect:       Effect(fields[5]),
		Line:         lineNo,
	}
	if len(fields) > minRuleFields {
		rule.Condition = strings.TrimSpace(strings.Join(fields[minRuleFields:], ","))
	}

	for _, check := range []struct {
		field, value string
	}{
		{"role", rule.Role},
		{"resourceType", rule.ResourceType},
		{"action", rule.Action},
		{"pattern", rule.Pattern},
	} {
		if check.value == "" {
			return Rule{}, &SyntaxError{Source: source, Line: lineNo, Field: check.field, Msg: "field is empty"}
		}
	}

	if rule.Effect != EffectAllow && rule.Effect != EffectDeny {
		return Rule{}, &SyntaxError{
			Source: source, Line: lineNo, Field: "effect",
			Msg: fmt.Sprintf("invalid effect %q (want %q or %q)", rule.Effect, EffectAllow, EffectDeny),
		}
	}

	if err := ValidatePattern(rule.Pattern); err != nil {
		return Rule{}, &SyntaxError{
			Source: source, Line: lineNo, Field: "pattern",
			Msg: fmt.Sprintf("invalid glob pattern %q: %v", rule.Pattern, err),
		}
	}

	return rule, nil
}

// splitFields splits a policy line on commas and trims whitespace.
// The policy format is a fixed comma form, not general CSV; quoting is
// not supported and trailing fields are preserved for CEL conditions.
func splitFields(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// UnboundRoles returns roles referenced by bindings that no rule uses,
// sorted and deduplicated. Surfacing these is the caller's choice: the
// compiler warns by default and fails in strict mode.
func UnboundRoles(f *PolicyFile) []string {
	used := make(map[string]struct{}, len(f.Rules))
	for _, r := range f.Rules {
		used[r.Role] = struct{}{}
	}

	seen := make(map[string]struct{})
	var unbound []string
	for _, b := range f.Bindings {
		if _, ok := used[b.Role]; ok {
			continue
		}
		if _, ok := seen[b.Role]; ok {
			continue
		}
		seen[b.Role] = struct{}{}
		unbound = append(unbound, b.Role)
	}
	sort.Strings(unbound)
	return unbound
}

// Canonical renders the parsed policy back into its canonical line form.
// Used for fingerprinting: identical policies render identically.
func Canonical(f *PolicyFile) string {
	var sb strings.Builder
	for _, r := range f.Rules {
		sb.WriteString(r.Name())
		if r.Condition != "" {
			sb.WriteString(", ")
			sb.WriteString(r.Condition)
		}
		sb.WriteByte('\n')
	}
	for _, b := range f.Bindings {
		fmt.Fprintf(&sb, "g, %s, %s\n", b.Subject, b.Role)
	}
	return sb.String()
}
