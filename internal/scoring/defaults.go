package scoring

import "github.com/procoderhappy/ai-risk-management/internal/domain"

func minmax(feature string, weight, min, max float64, invert bool) FactorSpec {
	return FactorSpec{
		Feature:    feature,
		Weight:     weight,
		Normalizer: NormalizerSpec{Type: NormalizeMinMax, Min: min, Max: max, Invert: invert},
	}
}

func flag(feature string, weight, whenTrue, whenFalse float64) FactorSpec {
	return FactorSpec{
		Feature:    feature,
		Weight:     weight,
		Normalizer: NormalizerSpec{Type: NormalizeBoolean, True: &whenTrue, False: &whenFalse},
	}
}

func guidance(typeRecs ...string) map[domain.Band][]string {
	elevated := append(append([]string(nil), typeRecs...),
		"Immediate management attention required",
		"Consider risk transfer mechanisms",
		"Implement enhanced monitoring",
	)
	return map[domain.Band][]string{
		domain.BandMedium:   typeRecs,
		domain.BandHigh:     elevated,
		domain.BandCritical: elevated,
	}
}

// DefaultTables returns illustrative weight tables for every risk type.
// Operators are expected to supply their own through a weights file.
func DefaultTables() []TableSpec {
	return []TableSpec{
		{
			RiskType: domain.RiskCredit,
			Factors: []FactorSpec{
				minmax("transaction_amount", 0.35, 0, 1_000_000, false),
				minmax("credit_exposure", 0.25, 0, 1, false),
				minmax("sentiment_score", 0.20, -1, 1, true),
				minmax("debt_to_income", 0.20, 0, 2, false),
			},
			Guidance: guidance(
				"Review credit exposure limits",
				"Enhance borrower assessment procedures",
				"Implement additional collateral requirements",
			),
		},
		{
			RiskType:   domain.RiskMarket,
			BaseOffset: 5,
			Factors: []FactorSpec{
				minmax("market_volatility", 0.40, 0, 1, false),
				minmax("liquidity_ratio", 0.30, 0, 3, true),
				minmax("sentiment_score", 0.15, -1, 1, true),
				minmax("transaction_amount", 0.15, 0, 10_000_000, false),
			},
			Guidance: guidance(
				"Diversify investment portfolio",
				"Implement hedging strategies",
				"Monitor market indicators closely",
			),
		},
		{
			RiskType: domain.RiskOperational,
			Factors: []FactorSpec{
				minmax("operational_incidents", 0.40, 0, 20, false),
				flag("internal_controls_tested", 0.30, 0, 1),
				minmax("entity_count", 0.20, 0, 200, false),
				{
					Feature: "document_class",
					Weight:  0.10,
					Normalizer: NormalizerSpec{
						Type: NormalizeCategorical,
						Values: map[string]float64{
							"audit_report":            0.2,
							"policy_document":         0.2,
							"risk_assessment":         0.3,
							"financial_report":        0.4,
							"technical_specification": 0.4,
							"contract":                0.6,
							"business_plan":           0.6,
						},
						Default: 0.5,
					},
				},
			},
			Guidance: guidance(
				"Strengthen internal controls",
				"Improve process documentation",
				"Enhance staff training programs",
			),
		},
		{
			RiskType:   domain.RiskCompliance,
			BaseOffset: 10,
			Factors: []FactorSpec{
				minmax("regulatory_changes", 0.30, 0, 20, false),
				minmax("capital_adequacy_ratio", 0.30, 0, 0.2, true),
				flag("consent_flag", 0.20, 0, 1),
				minmax("reputation_score", 0.20, 0, 1, true),
			},
			Guidance: guidance(
				"Update compliance procedures",
				"Conduct regular compliance audits",
				"Enhance regulatory monitoring",
			),
		},
	}
}
