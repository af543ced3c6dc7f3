package rules

import "github.com/procoderhappy/ai-risk-management/internal/domain"

// observedEq matches only when the feature was supplied and equals value, so
// defaulted inputs never breach a rule.
func observedEq(feature string, value any) *domain.PredicateNode {
	return &domain.PredicateNode{All: []domain.PredicateNode{
		{Feature: feature, Op: domain.OpExists},
		{Feature: feature, Op: domain.OpEq, Value: value},
	}}
}

func observedOp(feature, op string, value any) *domain.PredicateNode {
	return &domain.PredicateNode{All: []domain.PredicateNode{
		{Feature: feature, Op: domain.OpExists},
		{Feature: feature, Op: op, Value: value},
	}}
}

// DefaultDefinitions returns an illustrative rule set used when no rules file
// is configured. Thresholds here are examples, not regulatory guidance.
func DefaultDefinitions() []domain.RuleDefinition {
	return []domain.RuleDefinition{
		{
			ID:          "gdpr-consent",
			Region:      domain.RegionEU,
			Regulation:  "GDPR",
			Severity:    domain.SeverityHigh,
			Description: "Processing personal data requires recorded consent",
			Remediation: "Obtain and record explicit data subject consent",
			When:        observedEq("consent_flag", false),
		},
		{
			ID:          "gdpr-retention",
			Region:      domain.RegionEU,
			Regulation:  "GDPR",
			Severity:    domain.SeverityMedium,
			Description: "Personal data retained longer than the retention policy allows",
			Remediation: "Apply the data retention schedule and purge expired records",
			When:        observedOp("data_retention_days", domain.OpGt, 2555.0),
		},
		{
			ID:          "mifid-best-execution",
			Region:      domain.RegionEU,
			Regulation:  "MiFID II",
			Severity:    domain.SeverityMedium,
			Description: "Large transaction without documented best execution",
			Remediation: "Document the best execution analysis for the transaction",
			Expression:  "transaction_amount > 1000000.0 && !best_execution_documented",
		},
		{
			ID:          "uk-gdpr-consent",
			Region:      domain.RegionUK,
			Regulation:  "UK GDPR",
			Severity:    domain.SeverityHigh,
			Description: "Processing personal data requires recorded consent",
			Remediation: "Obtain and record explicit data subject consent",
			When:        observedEq("consent_flag", false),
		},
		{
			ID:          "sox-internal-controls",
			Region:      domain.RegionUS,
			Regulation:  "SOX",
			Severity:    domain.SeverityHigh,
			Description: "Internal controls over financial reporting have not been tested",
			Remediation: "Complete internal control testing and document the results",
			When:        observedEq("internal_controls_tested", false),
		},
		{
			ID:          "hipaa-phi-encryption",
			Region:      domain.RegionUS,
			Regulation:  "HIPAA",
			Severity:    domain.SeverityCritical,
			Description: "Protected health information is stored unencrypted",
			Remediation: "Encrypt protected health information at rest and in transit",
			When:        observedEq("phi_encrypted", false),
		},
		{
			ID:          "basel-capital-adequacy",
			Region:      domain.RegionGlobal,
			Regulation:  "Basel III",
			Severity:    domain.SeverityCritical,
			Description: "Capital adequacy ratio below the 8% minimum",
			Remediation: "Raise capital or reduce risk-weighted assets",
			When:        observedOp("capital_adequacy_ratio", domain.OpLt, 0.08),
		},
		{
			ID:          "basel-liquidity-coverage",
			Region:      domain.RegionGlobal,
			Regulation:  "Basel III",
			Severity:    domain.SeverityMedium,
			Description: "Liquidity ratio below the coverage minimum",
			Remediation: "Increase the stock of high quality liquid assets",
			When:        observedOp("liquidity_ratio", domain.OpLt, 1.0),
		},
	}
}
