package domain

import "time"

// Metric names a trend series. Risk types are metrics; compliance results are
// tracked under MetricCompliance.
type Metric string

// MetricCompliance is the series of compliance scores.
const MetricCompliance Metric = "compliance_score"

// MetricFor returns the metric for a risk type.
func MetricFor(rt RiskType) Metric { return Metric(rt) }

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, bool) {
	if Metric(s) == MetricCompliance {
		return MetricCompliance, true
	}
	if rt, err := ParseRiskType(s); err == nil {
		return MetricFor(rt), true
	}
	return "", false
}

// Observation is one point of a trend series.
type Observation struct {
	SubjectID  string    `json:"subjectId"`
	Metric     Metric    `json:"metric"`
	Value      float64   `json:"value"`
	At         time.Time `json:"at"`
	DecisionID string    `json:"decisionId,omitempty"`
}

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Previous returns the window of equal length ending at w.Start.
func (w Window) Previous() Window {
	d := w.End.Sub(w.Start)
	return Window{Start: w.Start.Add(-d), End: w.Start}
}

// TrendStatus marks whether a summary has data behind it.
type TrendStatus string

const (
	TrendOK               TrendStatus = "ok"
	TrendInsufficientData TrendStatus = "insufficient_data"
)

// TrendDirection is the movement of the window relative to the previous one.
type TrendDirection string

const (
	DirectionIncreasing TrendDirection = "increasing"
	DirectionDecreasing TrendDirection = "decreasing"
	DirectionStable     TrendDirection = "stable"
)

// TrendSummary is the rolling statistic of one series over a window.
type TrendSummary struct {
	SubjectID string      `json:"subjectId"`
	Metric    Metric      `json:"metric"`
	Window    Window      `json:"window"`
	Status    TrendStatus `json:"status"`

	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`

	// PreviousMean and Delta are nil when the previous window is empty.
	PreviousMean *float64 `json:"previousMean,omitempty"`
	Delta        *float64 `json:"delta,omitempty"`

	// PercentileRank of the latest observation among the window's observations.
	PercentileRank float64        `json:"percentileRank"`
	Direction      TrendDirection `json:"direction"`
}

// Forecast is a linear projection of a series.
type Forecast struct {
	SubjectID   string        `json:"subjectId"`
	Metric      Metric        `json:"metric"`
	Status      TrendStatus   `json:"status"`
	AsOf        time.Time     `json:"asOf"`
	Horizon     time.Duration `json:"horizon"`
	Points      int           `json:"points"`
	SlopePerDay float64       `json:"slopePerDay"`
	Predicted   float64       `json:"predicted"`
	Band        Band          `json:"band,omitempty"`
}
