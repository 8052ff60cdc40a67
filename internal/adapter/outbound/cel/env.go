package cel

import (
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/gitops-gate/gitopsgate/internal/domain/rbac"
)

// NewAuthzEnvironment creates a CEL environment for rule conditions.
// Variables available to conditions:
//   - subject (string), groups (list<string>), roles (list<string>)
//   - action, resource_type, resource_id (string)
//   - request_time (timestamp)
//
// Custom functions:
//   - glob(pattern, value): shell glob match
//   - segment(resource_id, n): n-th "/"-separated segment, "" out of range
func NewAuthzEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("subject", cel.StringType),
		cel.Variable("groups", cel.ListType(cel.StringType)),
		cel.Variable("roles", cel.ListType(cel.StringType)),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource_type", cel.StringType),
		cel.Variable("resource_id", cel.StringType),
		cel.Variable("request_time", cel.TimestampType),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, value ref.Val) ref.Val {
					p, _ := pattern.Value().(string)
					v, _ := value.Value().(string)
					return types.Bool(rbac.MatchResource(p, v))
				}),
			),
		),

		cel.Function("segment",
			cel.Overload("segment_string_int",
				[]*cel.Type{cel.StringType, cel.IntType},
				cel.StringType,
				cel.BinaryBinding(func(idVal, nVal ref.Val) ref.Val {
					id, _ := idVal.Value().(string)
					n, _ := nVal.Value().(int64)
					segs := splitSegments(id)
					if n < 0 || int(n) >= len(segs) {
						return types.String("")
					}
					return types.String(segs[n])
				}),
			),
		),
	)
}
