package domain

// RuleDefinition is the declarative form of a compliance rule as loaded from the
// rule source. Exactly one of Expression or When must be set.
type RuleDefinition struct {
	ID          string   `json:"id" yaml:"id"`
	Region      Region   `json:"region" yaml:"region"`
	Regulation  string   `json:"regulation" yaml:"regulation"`
	Severity    Severity `json:"severity" yaml:"severity"`
	Description string   `json:"description" yaml:"description"`
	Remediation string   `json:"remediation,omitempty" yaml:"remediation,omitempty"`

	// Expression is a CEL boolean expression over feature variables.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// When is a predicate tree from the closed vocabulary.
	When *PredicateNode `json:"when,omitempty" yaml:"when,omitempty"`

	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the rule should be loaded.
func (d *RuleDefinition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// RuleSet is the document shape of a rule source file.
type RuleSet struct {
	Rules []RuleDefinition `json:"rules" yaml:"rules"`
}

// PredicateNode is one node of a predicate tree. A node is either a combinator
// (All, Any, Not) or a leaf test on Feature with Op.
type PredicateNode struct {
	All []PredicateNode `json:"all,omitempty" yaml:"all,omitempty"`
	Any []PredicateNode `json:"any,omitempty" yaml:"any,omitempty"`
	Not *PredicateNode  `json:"not,omitempty" yaml:"not,omitempty"`

	Feature string `json:"feature,omitempty" yaml:"feature,omitempty"`
	Op      string `json:"op,omitempty" yaml:"op,omitempty"`
	Value   any    `json:"value,omitempty" yaml:"value,omitempty"`
	Values  []any  `json:"values,omitempty" yaml:"values,omitempty"`
}

// Predicate leaf operators.
const (
	OpEq     = "eq"
	OpNe     = "ne"
	OpLt     = "lt"
	OpLte    = "lte"
	OpGt     = "gt"
	OpGte    = "gte"
	OpIn     = "in"
	OpNotIn  = "not_in"
	OpExists = "exists"
)

// RuleRef identifies a rule in results without carrying its predicate.
type RuleRef struct {
	ID          string   `json:"id"`
	Region      Region   `json:"region"`
	Regulation  string   `json:"regulation"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Remediation string   `json:"remediation,omitempty"`
	Order       int      `json:"order"`
}

// Violation is a rule that evaluated true for a subject, or one that failed to evaluate.
type Violation struct {
	Rule     RuleRef  `json:"rule"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason"`

	// EvaluationError marks a synthetic critical violation for a failing predicate.
	EvaluationError bool `json:"evaluationError,omitempty"`
}

// ReasonEvaluationError prefixes the reason of synthetic violations.
const ReasonEvaluationError = "evaluation_error"
