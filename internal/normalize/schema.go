// Package normalize turns raw document-analysis output and user-submitted
// fields into canonical feature vectors.
package normalize

import (
	"fmt"
	"math"
	"sort"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
)

// FeatureSpec declares one feature, its kind and its domain.
type FeatureSpec struct {
	Name string
	Kind domain.ValueKind

	// Min and Max bound numeric features; values outside are clamped.
	Min float64
	Max float64

	// Allowed restricts categorical values; empty accepts any string.
	Allowed []string

	// Default is used when the feature is missing or unparseable.
	Default domain.Value
}

func (s FeatureSpec) allows(v string) bool {
	if len(s.Allowed) == 0 {
		return true
	}
	for _, a := range s.Allowed {
		if a == v {
			return true
		}
	}
	return false
}

// Schema is the set of declared features. It is immutable after construction.
type Schema struct {
	specs  []FeatureSpec
	byName map[string]int
}

// NewSchema validates and indexes the specs.
func NewSchema(specs ...FeatureSpec) (*Schema, error) {
	s := &Schema{byName: make(map[string]int, len(specs))}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("feature name is required")
		}
		if _, dup := s.byName[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate feature %q", spec.Name)
		}
		switch spec.Kind {
		case domain.KindNumber:
			if math.IsNaN(spec.Min) || math.IsNaN(spec.Max) || spec.Min > spec.Max {
				return nil, fmt.Errorf("feature %q: invalid domain [%g, %g]", spec.Name, spec.Min, spec.Max)
			}
			spec.Default = domain.Value{Kind: domain.KindNumber, Num: clamp(spec.Default.Num, spec.Min, spec.Max)}
		case domain.KindCategory:
			def := spec.Default.Str
			if def == "" {
				def = domain.UnknownCategory
			}
			spec.Default = domain.Value{Kind: domain.KindCategory, Str: def}
		case domain.KindBool:
			spec.Default = domain.Value{Kind: domain.KindBool, Bool: spec.Default.Bool}
		default:
			return nil, fmt.Errorf("feature %q: unknown kind %q", spec.Name, spec.Kind)
		}
		s.byName[spec.Name] = len(s.specs)
		s.specs = append(s.specs, spec)
	}
	return s, nil
}

// MustSchema is NewSchema that panics on error, for static declarations.
func MustSchema(specs ...FeatureSpec) *Schema {
	s, err := NewSchema(specs...)
	if err != nil {
		panic(err)
	}
	return s
}

// Lookup returns the spec for a declared feature.
func (s *Schema) Lookup(name string) (FeatureSpec, bool) {
	i, ok := s.byName[name]
	if !ok {
		return FeatureSpec{}, false
	}
	return s.specs[i], true
}

// Specs returns the declared features in declaration order.
func (s *Schema) Specs() []FeatureSpec {
	return append([]FeatureSpec(nil), s.specs...)
}

// Names returns the declared feature names, sorted.
func (s *Schema) Names() []string {
	names := make([]string, 0, len(s.specs))
	for _, spec := range s.specs {
		names = append(names, spec.Name)
	}
	sort.Strings(names)
	return names
}

// Kinds maps each declared feature to its kind, for typing rule expressions.
func (s *Schema) Kinds() map[string]domain.ValueKind {
	out := make(map[string]domain.ValueKind, len(s.specs))
	for _, spec := range s.specs {
		out[spec.Name] = spec.Kind
	}
	return out
}

// DocumentClasses are the categories a document classifier may assign.
var DocumentClasses = []string{
	"financial_report",
	"compliance_document",
	"risk_assessment",
	"policy_document",
	"contract",
	"regulatory_filing",
	"audit_report",
	"business_plan",
	"technical_specification",
}

func num(name string, min, max float64) FeatureSpec {
	return FeatureSpec{Name: name, Kind: domain.KindNumber, Min: min, Max: max}
}

func flag(name string) FeatureSpec {
	return FeatureSpec{Name: name, Kind: domain.KindBool}
}

// DefaultSchema declares the features produced by document analysis and the
// assessment form. Numeric defaults are 0, categorical "unknown", booleans false.
func DefaultSchema() *Schema {
	return MustSchema(
		num("sentiment_score", -1, 1),
		num("entity_count", 0, 10000),
		FeatureSpec{Name: "document_class", Kind: domain.KindCategory, Allowed: DocumentClasses},
		num("classification_confidence", 0, 1),
		num("transaction_amount", 0, 1e12),
		num("credit_exposure", 0, 1),
		num("debt_to_income", 0, 10),
		num("market_volatility", 0, 1),
		num("liquidity_ratio", 0, 10),
		num("operational_incidents", 0, 1000),
		num("regulatory_changes", 0, 1000),
		num("reputation_score", 0, 1),
		flag("consent_flag"),
		num("data_retention_days", 0, 36500),
		flag("internal_controls_tested"),
		num("capital_adequacy_ratio", 0, 1),
		flag("best_execution_documented"),
		flag("phi_encrypted"),
	)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
