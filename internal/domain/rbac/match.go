package rbac

import (
	"path/filepath"
	"strings"
)

// MatchResource reports whether a resource identifier matches a glob pattern.
// Matching is segment-wise on "/" boundaries: the pattern and the identifier
// must have the same number of segments, and each pattern segment is matched
// against the corresponding identifier segment with shell glob semantics.
// "*" therefore matches exactly one path segment and "*/*" any two-segment
// path; a wildcard never crosses a "/" boundary.
func MatchResource(pattern, resourceID string) bool {
	patSegs := strings.Split(pattern, "/")
	idSegs := strings.Split(resourceID, "/")
	if len(patSegs) != len(idSegs) {
		return false
	}
	for i, ps := range patSegs {
		ok, err := filepath.Match(ps, idSegs[i])
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// ValidatePattern checks that every segment of a resource pattern is valid
// glob syntax. Invalid patterns are rejected at compile time so that
// evaluation never has to handle a pattern error.
func ValidatePattern(pattern string) error {
	for _, seg := range strings.Split(pattern, "/") {
		if _, err := filepath.Match(seg, ""); err != nil {
			return err
		}
	}
	return nil
}
