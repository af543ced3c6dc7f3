package rules

import (
	"fmt"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
)

// Predicate is a compiled rule condition. True means the rule is breached.
type Predicate interface {
	Eval(v *domain.FeatureVector) (bool, error)
}

type allOf []Predicate

func (p allOf) Eval(v *domain.FeatureVector) (bool, error) {
	for _, c := range p {
		ok, err := c.Eval(v)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

type anyOf []Predicate

func (p anyOf) Eval(v *domain.FeatureVector) (bool, error) {
	for _, c := range p {
		ok, err := c.Eval(v)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

type notOf struct{ inner Predicate }

func (p notOf) Eval(v *domain.FeatureVector) (bool, error) {
	ok, err := p.inner.Eval(v)
	return !ok && err == nil, err
}

type compare struct {
	feature string
	op      string
	value   domain.Value
}

func (p compare) Eval(v *domain.FeatureVector) (bool, error) {
	got, ok := v.Get(p.feature)
	if !ok {
		return false, fmt.Errorf("feature %q not present", p.feature)
	}
	if got.Kind != p.value.Kind {
		return false, fmt.Errorf("feature %q is %s, compared with %s", p.feature, got.Kind, p.value.Kind)
	}
	switch p.op {
	case domain.OpEq:
		return equal(got, p.value), nil
	case domain.OpNe:
		return !equal(got, p.value), nil
	}
	if got.Kind != domain.KindNumber {
		return false, fmt.Errorf("operator %s requires a number, %q is %s", p.op, p.feature, got.Kind)
	}
	switch p.op {
	case domain.OpLt:
		return got.Num < p.value.Num, nil
	case domain.OpLte:
		return got.Num <= p.value.Num, nil
	case domain.OpGt:
		return got.Num > p.value.Num, nil
	default:
		return got.Num >= p.value.Num, nil
	}
}

type member struct {
	feature string
	values  []domain.Value
	negate  bool
}

func (p member) Eval(v *domain.FeatureVector) (bool, error) {
	got, ok := v.Get(p.feature)
	if !ok {
		return false, fmt.Errorf("feature %q not present", p.feature)
	}
	found := false
	for _, want := range p.values {
		if equal(got, want) {
			found = true
			break
		}
	}
	return found != p.negate, nil
}

type exists struct{ feature string }

func (p exists) Eval(v *domain.FeatureVector) (bool, error) {
	return v.Observed(p.feature), nil
}

func equal(a, b domain.Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case domain.KindNumber:
		return a.Num == b.Num
	case domain.KindBool:
		return a.Bool == b.Bool
	default:
		return a.Str == b.Str
	}
}

// compileTree validates a predicate tree against the declared feature kinds
// and returns its compiled form.
func compileTree(n *domain.PredicateNode, kinds map[string]domain.ValueKind) (Predicate, error) {
	if n == nil {
		return nil, fmt.Errorf("empty predicate")
	}
	shapes := 0
	if n.All != nil {
		shapes++
	}
	if n.Any != nil {
		shapes++
	}
	if n.Not != nil {
		shapes++
	}
	if n.Feature != "" || n.Op != "" {
		shapes++
	}
	if shapes != 1 {
		return nil, fmt.Errorf("predicate node must have exactly one of all, any, not or feature/op")
	}

	switch {
	case n.All != nil || n.Any != nil:
		children := n.All
		if n.Any != nil {
			children = n.Any
		}
		if len(children) == 0 {
			return nil, fmt.Errorf("empty combinator")
		}
		compiled := make([]Predicate, 0, len(children))
		for i := range children {
			c, err := compileTree(&children[i], kinds)
			if err != nil {
				return nil, err
			}
			compiled = append(compiled, c)
		}
		if n.All != nil {
			return allOf(compiled), nil
		}
		return anyOf(compiled), nil

	case n.Not != nil:
		inner, err := compileTree(n.Not, kinds)
		if err != nil {
			return nil, err
		}
		return notOf{inner: inner}, nil
	}

	if n.Feature == "" {
		return nil, fmt.Errorf("operator %q without feature", n.Op)
	}
	declared, isDeclared := kinds[n.Feature]

	switch n.Op {
	case domain.OpExists:
		return exists{feature: n.Feature}, nil

	case domain.OpIn, domain.OpNotIn:
		if len(n.Values) == 0 {
			return nil, fmt.Errorf("%s on %q needs values", n.Op, n.Feature)
		}
		vals := make([]domain.Value, 0, len(n.Values))
		for _, raw := range n.Values {
			val, err := literal(raw)
			if err != nil {
				return nil, fmt.Errorf("%s on %q: %w", n.Op, n.Feature, err)
			}
			if isDeclared && val.Kind != declared {
				return nil, fmt.Errorf("%s on %q: %s value for %s feature", n.Op, n.Feature, val.Kind, declared)
			}
			vals = append(vals, val)
		}
		return member{feature: n.Feature, values: vals, negate: n.Op == domain.OpNotIn}, nil

	case domain.OpEq, domain.OpNe, domain.OpLt, domain.OpLte, domain.OpGt, domain.OpGte:
		val, err := literal(n.Value)
		if err != nil {
			return nil, fmt.Errorf("%s on %q: %w", n.Op, n.Feature, err)
		}
		if isDeclared && val.Kind != declared {
			return nil, fmt.Errorf("%s on %q: %s value for %s feature", n.Op, n.Feature, val.Kind, declared)
		}
		ordered := n.Op != domain.OpEq && n.Op != domain.OpNe
		if ordered && val.Kind != domain.KindNumber {
			return nil, fmt.Errorf("%s on %q requires a number", n.Op, n.Feature)
		}
		return compare{feature: n.Feature, op: n.Op, value: val}, nil

	default:
		return nil, fmt.Errorf("unknown operator %q", n.Op)
	}
}

// literal converts a decoded YAML/JSON scalar into a Value.
func literal(raw any) (domain.Value, error) {
	switch v := raw.(type) {
	case bool:
		return domain.Bool(v), nil
	case string:
		return domain.Category(v), nil
	case int:
		return domain.Number(float64(v)), nil
	case int64:
		return domain.Number(float64(v)), nil
	case uint64:
		return domain.Number(float64(v)), nil
	case float64:
		return domain.Number(v), nil
	case nil:
		return domain.Value{}, fmt.Errorf("missing value")
	default:
		return domain.Value{}, fmt.Errorf("unsupported value %v (%T)", raw, raw)
	}
}
