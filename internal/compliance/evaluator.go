// Package compliance turns rule evaluations into compliance results.
package compliance

import (
	"sort"
	"time"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
	"github.com/procoderhappy/ai-risk-management/internal/rules"
)

// Status-level guidance appended to non-compliant results.
var (
	NonCompliantGuidance = []string{
		"Immediate remediation required",
		"Engage compliance specialists",
		"Implement corrective action plan",
	}
	PartialGuidance = []string{
		"Schedule compliance review",
		"Address identified gaps",
		"Monitor compliance metrics",
	}
)

// DefaultRegulationGuidance returns recommendations added when a regulation has violations.
func DefaultRegulationGuidance() map[string][]string {
	return map[string][]string{
		"GDPR": {
			"Review data processing agreements",
			"Update privacy policies",
			"Conduct data protection impact assessments",
		},
		"SOX": {
			"Strengthen internal controls",
			"Enhance financial reporting procedures",
			"Conduct regular control testing",
		},
		"Basel III": {
			"Monitor capital ratios",
			"Enhance liquidity management",
			"Review risk-weighted assets",
		},
	}
}

// Evaluator runs the rule registry for a region and summarises the outcome.
type Evaluator struct {
	registry       *rules.Registry
	reviewInterval time.Duration
	guidance       map[string][]string
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithReviewInterval sets the offset from evaluation to the next review.
func WithReviewInterval(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.reviewInterval = d
		}
	}
}

// WithRegulationGuidance replaces the per-regulation recommendations.
func WithRegulationGuidance(g map[string][]string) Option {
	return func(e *Evaluator) { e.guidance = g }
}

// New creates an evaluator over registry.
func New(registry *rules.Registry, opts ...Option) *Evaluator {
	e := &Evaluator{
		registry:       registry,
		reviewInterval: domain.DefaultReviewInterval,
		guidance:       DefaultRegulationGuidance(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate checks v against the rules of region. An empty region falls back
// to the vector's own region.
func (e *Evaluator) Evaluate(region domain.Region, v *domain.FeatureVector) *domain.ComplianceResult {
	if region == "" {
		region = v.Region
	}
	ev := e.registry.Evaluate(region, v)

	violations := append([]domain.Violation(nil), ev.Triggered...)
	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Severity.Rank() > violations[j].Severity.Rank()
	})

	breached := make(map[string]bool, len(violations))
	for _, vi := range violations {
		breached[vi.Rule.ID] = true
	}

	applicable := len(ev.Applicable)
	passed := applicable - len(breached)

	res := &domain.ComplianceResult{
		SubjectID:       v.SubjectID,
		Region:          region,
		Status:          statusOf(violations),
		Violations:      violations,
		RulesApplicable: applicable,
		RulesPassed:     passed,
		ComplianceScore: percent(passed, applicable),
		Regulations:     summarise(ev.Applicable, violations),
		RuleSetVersion:  ev.Version,
		EvaluatedAt:     v.SnapshotAt,
		NextReviewAt:    v.SnapshotAt.Add(e.reviewInterval),
	}
	if len(violations) > 0 {
		res.HighestSeverity = violations[0].Severity
	}
	res.Recommendations = e.recommend(res)
	return res
}

func statusOf(violations []domain.Violation) domain.ComplianceStatus {
	if len(violations) == 0 {
		return domain.StatusCompliant
	}
	for _, v := range violations {
		if v.Severity.Rank() >= domain.SeverityHigh.Rank() {
			return domain.StatusNonCompliant
		}
	}
	return domain.StatusPartiallyCompliant
}

func percent(passed, applicable int) float64 {
	if applicable == 0 {
		return 100
	}
	return 100 * float64(passed) / float64(applicable)
}

func summarise(applicable []domain.RuleRef, violations []domain.Violation) []domain.RegulationSummary {
	var order []string
	counts := make(map[string]int)
	for _, ref := range applicable {
		if counts[ref.Regulation] == 0 {
			order = append(order, ref.Regulation)
		}
		counts[ref.Regulation]++
	}

	byReg := make(map[string][]domain.Violation)
	for _, v := range violations {
		byReg[v.Rule.Regulation] = append(byReg[v.Rule.Regulation], v)
	}

	out := make([]domain.RegulationSummary, 0, len(order))
	for _, reg := range order {
		passed := counts[reg] - len(byReg[reg])
		out = append(out, domain.RegulationSummary{
			Regulation: reg,
			Applicable: counts[reg],
			Passed:     passed,
			Score:      percent(passed, counts[reg]),
			Status:     statusOf(byReg[reg]),
		})
	}
	return out
}

func (e *Evaluator) recommend(res *domain.ComplianceResult) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(recs ...string) {
		for _, r := range recs {
			if r != "" && !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}

	for _, v := range res.Violations {
		add(v.Rule.Remediation)
	}
	for _, reg := range res.Regulations {
		if reg.Status != domain.StatusCompliant {
			add(e.guidance[reg.Regulation]...)
		}
	}
	switch res.Status {
	case domain.StatusNonCompliant:
		add(NonCompliantGuidance...)
	case domain.StatusPartiallyCompliant:
		add(PartialGuidance...)
	}
	return out
}
