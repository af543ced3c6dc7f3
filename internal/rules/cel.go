package rules

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
)

// exprPredicate evaluates a compiled CEL program against the vector's activation.
type exprPredicate struct {
	program cel.Program
}

func (p exprPredicate) Eval(v *domain.FeatureVector) (bool, error) {
	out, _, err := p.program.Eval(v.Activation())
	if err != nil {
		return false, err
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expression returned %s, want bool", out.Type().TypeName())
	}
	return bool(b), nil
}

// newEnv declares every known feature as a typed top-level variable plus the
// features map, region and subject_id.
func newEnv(kinds map[string]domain.ValueKind) (*cel.Env, error) {
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []cel.EnvOption{
		cel.Variable("features", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("region", cel.StringType),
		cel.Variable("subject_id", cel.StringType),
	}
	for _, name := range names {
		switch name {
		case "features", "region", "subject_id":
			return nil, fmt.Errorf("feature name %q is reserved", name)
		}
		var t *cel.Type
		switch kinds[name] {
		case domain.KindNumber:
			t = cel.DoubleType
		case domain.KindBool:
			t = cel.BoolType
		default:
			t = cel.StringType
		}
		opts = append(opts, cel.Variable(name, t))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func compileExpr(env *cel.Env, expr string) (Predicate, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", t)
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return exprPredicate{program: program}, nil
}
