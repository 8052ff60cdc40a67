package cel

import (
	"strings"
	"testing"
	"time"

	"github.com/gitops-gate/gitopsgate/internal/domain/rbac"
)

func testRequest() rbac.Request {
	return rbac.Request{
		Subject:      "eddie",
		Groups:       []string{"devs", "oncall"},
		Action:       "sync",
		ResourceType: "applications",
		ResourceID:   "myapp/prod",
	}
}

func TestEvaluator_Evaluate(t *testing.T) {
	t.Parallel()

	ev, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	requestTime := time.Date(2026, 8, 1, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"subject equality", `subject == "eddie"`, true},
		{"subject mismatch", `subject == "mallory"`, false},
		{"group membership", `"oncall" in groups`, true},
		{"role membership", `"role:developer" in roles`, true},
		{"action and type", `action == "sync" && resource_type == "applications"`, true},
		{"glob on resource id", `glob("*/prod", resource_id)`, true},
		{"glob mismatch", `glob("*/staging", resource_id)`, false},
		{"segment extraction", `segment(resource_id, 1) == "prod"`, true},
		{"segment out of range", `segment(resource_id, 5) == ""`, true},
		{"request time hour", `request_time.getHours() == 14`, true},
		{"string extension", `subject.startsWith("ed")`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			prg, err := ev.Compile(tt.expr)
			if err != nil {
				t.Fatalf("Compile(%q) error = %v", tt.expr, err)
			}
			got, err := ev.Evaluate(prg, testRequest(), []string{"role:developer"}, requestTime)
			if err != nil {
				t.Fatalf("Evaluate(%q) error = %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluator_NonBooleanResult(t *testing.T) {
	t.Parallel()

	ev, err := NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}

	prg, err := ev.Compile(`subject`)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if _, err := ev.Evaluate(prg, testRequest(), nil, time.Now()); err == nil {
		t.Error("expected error for non-boolean result, got nil")
	}
}

func TestEvaluator_CompileRejectsUnknownVariable(t *testing.T) {
	t.Parallel()

	ev, err := NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ev.Compile(`nonexistent == "x"`); err == nil {
		t.Error("expected compile error for unknown variable, got nil")
	}
}

func TestEvaluator_ValidateExpression(t *testing.T) {
	t.Parallel()

	ev, err := NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}

	if err := ev.ValidateExpression(`subject == "eddie"`); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}

	if err := ev.ValidateExpression(""); err == nil {
		t.Error("empty expression accepted")
	}

	long := `subject == "` + strings.Repeat("x", maxExpressionLength) + `"`
	if err := ev.ValidateExpression(long); err == nil {
		t.Error("over-length expression accepted")
	}

	deep := strings.Repeat("(", maxNestingDepth+1) + "true" + strings.Repeat(")", maxNestingDepth+1)
	if err := ev.ValidateExpression(deep); err == nil {
		t.Error("deeply nested expression accepted")
	}

	if err := ev.ValidateExpression(`subject ==`); err == nil {
		t.Error("syntactically invalid expression accepted")
	}
}
