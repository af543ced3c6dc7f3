package domain

import "fmt"

// RiskType selects the weight table used to score a subject.
type RiskType string

const (
	RiskCredit      RiskType = "credit"
	RiskMarket      RiskType = "market"
	RiskOperational RiskType = "operational"
	RiskCompliance  RiskType = "compliance"
)

// RiskTypes lists all risk types in a stable order.
var RiskTypes = []RiskType{RiskCredit, RiskMarket, RiskOperational, RiskCompliance}

// ParseRiskType validates a risk type name.
func ParseRiskType(s string) (RiskType, error) {
	for _, rt := range RiskTypes {
		if string(rt) == s {
			return rt, nil
		}
	}
	return "", fmt.Errorf("unknown risk type %q", s)
}

// Band is the coarse risk category derived from a numeric score.
type Band string

const (
	BandLow      Band = "low"
	BandMedium   Band = "medium"
	BandHigh     Band = "high"
	BandCritical Band = "critical"
)

// Fixed band thresholds. A score below the threshold falls into the band.
const (
	LowBandCeiling    = 25.0
	MediumBandCeiling = 50.0
	HighBandCeiling   = 75.0
)

// BandFor maps a score in [0,100] to its band.
func BandFor(score float64) Band {
	switch {
	case score < LowBandCeiling:
		return BandLow
	case score < MediumBandCeiling:
		return BandMedium
	case score < HighBandCeiling:
		return BandHigh
	default:
		return BandCritical
	}
}

// Severity ranks rule violations and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown severities rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// Escalate returns the next severity up; critical stays critical.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// ParseSeverity validates a severity name.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}
