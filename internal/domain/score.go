package domain

import "time"

// Result is implemented by the decision types the alert dispatcher accepts.
type Result interface {
	// Subject returns the assessed subject.
	Subject() string
	// Decision returns the audit-linked decision ID, empty if not yet assigned.
	Decision() string
}

// ScoreResult is the output of one scoring invocation. It is never mutated;
// a later score for the same subject supersedes it.
type ScoreResult struct {
	DecisionID string   `json:"decisionId,omitempty"`
	SubjectID  string   `json:"subjectId"`
	RiskType   RiskType `json:"riskType"`

	Score      float64 `json:"score"`
	BaseOffset float64 `json:"baseOffset"`
	Band       Band    `json:"band"`

	// Contributions are sorted by absolute contribution, largest first.
	Contributions []Contribution `json:"contributions"`

	// Excluded lists table features that were not observed in the vector.
	Excluded []string `json:"excluded,omitempty"`

	// Coverage is the share of table weight backed by observed features.
	Coverage float64 `json:"coverage"`

	Recommendations []string  `json:"recommendations,omitempty"`
	TableVersion    int64     `json:"tableVersion"`
	ComputedAt      time.Time `json:"computedAt"`
}

// Contribution shows how one feature moved the score.
type Contribution struct {
	Feature string `json:"feature"`

	// Weight is the effective weight after renormalising over observed features.
	Weight float64 `json:"weight"`

	// Normalized is the feature mapped into [0,1].
	Normalized float64 `json:"normalized"`

	// Contribution is the share of the score, in score points.
	Contribution float64 `json:"contribution"`
}

// Subject implements Result.
func (r *ScoreResult) Subject() string { return r.SubjectID }

// Decision implements Result.
func (r *ScoreResult) Decision() string { return r.DecisionID }

// ContributionSum adds up the factor contributions.
func (r *ScoreResult) ContributionSum() float64 {
	var sum float64
	for _, c := range r.Contributions {
		sum += c.Contribution
	}
	return sum
}
