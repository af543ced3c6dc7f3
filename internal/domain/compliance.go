package domain

import "time"

// ComplianceStatus is the outcome of a compliance evaluation.
type ComplianceStatus string

const (
	StatusCompliant          ComplianceStatus = "compliant"
	StatusNonCompliant       ComplianceStatus = "non_compliant"
	StatusPartiallyCompliant ComplianceStatus = "partially_compliant"
)

// ComplianceResult is the output of evaluating a region's rules against a vector.
type ComplianceResult struct {
	DecisionID string           `json:"decisionId,omitempty"`
	SubjectID  string           `json:"subjectId"`
	Region     Region           `json:"region"`
	Status     ComplianceStatus `json:"status"`

	// Violations are ordered by severity, highest first, then by registration order.
	Violations []Violation `json:"violations"`

	RulesApplicable int     `json:"rulesApplicable"`
	RulesPassed     int     `json:"rulesPassed"`
	ComplianceScore float64 `json:"complianceScore"`

	// HighestSeverity is empty when there are no violations.
	HighestSeverity Severity `json:"highestSeverity,omitempty"`

	Regulations     []RegulationSummary `json:"regulations,omitempty"`
	Recommendations []string            `json:"recommendations,omitempty"`

	NextReviewAt   time.Time `json:"nextReviewAt"`
	RuleSetVersion int64     `json:"ruleSetVersion"`
	EvaluatedAt    time.Time `json:"evaluatedAt"`
}

// RegulationSummary breaks the result down per regulation.
type RegulationSummary struct {
	Regulation string           `json:"regulation"`
	Applicable int              `json:"applicable"`
	Passed     int              `json:"passed"`
	Score      float64          `json:"score"`
	Status     ComplianceStatus `json:"status"`
}

// Subject implements Result.
func (r *ComplianceResult) Subject() string { return r.SubjectID }

// Decision implements Result.
func (r *ComplianceResult) Decision() string { return r.DecisionID }
