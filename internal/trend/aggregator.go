// Package trend keeps per-subject score histories and summarises them over time windows.
package trend

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
)

// DefaultStableDelta is the absolute change in mean below which a series is stable.
const DefaultStableDelta = 1.0

// ObservationSource provides persisted history for rehydration.
type ObservationSource interface {
	ListObservations(ctx context.Context, since time.Time) ([]domain.Observation, error)
}

type seriesKey struct {
	subject string
	metric  domain.Metric
}

// series is kept sorted by time; ties keep arrival order.
type series []domain.Observation

// insert places o after any observations at the same instant. An observation
// whose decision is already in the series is ignored, so redelivered events
// are recorded once.
func (s series) insert(o domain.Observation) series {
	i := sort.Search(len(s), func(i int) bool { return s[i].At.After(o.At) })
	if o.DecisionID != "" {
		for j := i - 1; j >= 0 && s[j].At.Equal(o.At); j-- {
			if s[j].DecisionID == o.DecisionID {
				return s
			}
		}
	}
	s = append(s, domain.Observation{})
	copy(s[i+1:], s[i:])
	s[i] = o
	return s
}

// between returns the observations in [start, end).
func (s series) between(w domain.Window) []domain.Observation {
	lo := sort.Search(len(s), func(i int) bool { return !s[i].At.Before(w.Start) })
	hi := sort.Search(len(s), func(i int) bool { return !s[i].At.Before(w.End) })
	if lo >= hi {
		return nil
	}
	return s[lo:hi]
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	mu          sync.RWMutex
	series      map[seriesKey]series
	stableDelta float64
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithStableDelta sets the mean change treated as stable.
func WithStableDelta(d float64) Option {
	return func(a *Aggregator) { a.stableDelta = math.Abs(d) }
}

// New creates an empty aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		series:      make(map[seriesKey]series),
		stableDelta: DefaultStableDelta,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record appends an observation to its series.
func (a *Aggregator) Record(o domain.Observation) error {
	if o.SubjectID == "" {
		return &domain.ValidationError{Fields: []string{"subject_id"}}
	}
	if _, ok := domain.ParseMetric(string(o.Metric)); !ok {
		return &domain.ValidationError{Fields: []string{"metric"}, Cause: fmt.Errorf("unknown metric %q", o.Metric)}
	}
	if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
		return &domain.ValidationError{Fields: []string{"value"}}
	}
	o.At = o.At.UTC()

	k := seriesKey{o.SubjectID, o.Metric}
	a.mu.Lock()
	a.series[k] = a.series[k].insert(o)
	a.mu.Unlock()
	return nil
}

// RecordScore records a score result under its risk type.
func (a *Aggregator) RecordScore(r *domain.ScoreResult) error {
	return a.Record(domain.Observation{
		SubjectID:  r.SubjectID,
		Metric:     domain.MetricFor(r.RiskType),
		Value:      r.Score,
		At:         r.ComputedAt,
		DecisionID: r.DecisionID,
	})
}

// RecordCompliance records a compliance result's score.
func (a *Aggregator) RecordCompliance(r *domain.ComplianceResult) error {
	return a.Record(domain.Observation{
		SubjectID:  r.SubjectID,
		Metric:     domain.MetricCompliance,
		Value:      r.ComplianceScore,
		At:         r.EvaluatedAt,
		DecisionID: r.DecisionID,
	})
}

// Load appends persisted observations, skipping invalid ones. It returns the
// number loaded.
func (a *Aggregator) Load(obs []domain.Observation) int {
	var n int
	for _, o := range obs {
		if a.Record(o) == nil {
			n++
		}
	}
	return n
}

// Rehydrate loads history newer than since from src.
func (a *Aggregator) Rehydrate(ctx context.Context, src ObservationSource, since time.Time) (int, error) {
	obs, err := src.ListObservations(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to list observations: %w", err)
	}
	return a.Load(obs), nil
}

// Len returns the number of observations held for a series.
func (a *Aggregator) Len(subjectID string, metric domain.Metric) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.series[seriesKey{subjectID, metric}])
}

func (a *Aggregator) window(subjectID string, metric domain.Metric, w domain.Window) []domain.Observation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]domain.Observation(nil), a.series[seriesKey{subjectID, metric}].between(w)...)
}

// Trend summarises a series over the half-open window [Start, End).
func (a *Aggregator) Trend(subjectID string, metric domain.Metric, w domain.Window) domain.TrendSummary {
	w = domain.Window{Start: w.Start.UTC(), End: w.End.UTC()}
	sum := domain.TrendSummary{
		SubjectID: subjectID,
		Metric:    metric,
		Window:    w,
		Status:    domain.TrendInsufficientData,
		Direction: domain.DirectionStable,
	}
	if !w.End.After(w.Start) {
		return sum
	}

	cur := a.window(subjectID, metric, w)
	if len(cur) == 0 {
		return sum
	}
	sum.Status = domain.TrendOK
	sum.Count = len(cur)
	sum.Mean, sum.Min, sum.Max = stats(cur)
	sum.PercentileRank = percentileRank(cur)

	prev := a.window(subjectID, metric, w.Previous())
	if len(prev) > 0 {
		pm, _, _ := stats(prev)
		delta := sum.Mean - pm
		sum.PreviousMean = &pm
		sum.Delta = &delta
		switch {
		case delta > a.stableDelta:
			sum.Direction = domain.DirectionIncreasing
		case delta < -a.stableDelta:
			sum.Direction = domain.DirectionDecreasing
		}
	}
	return sum
}

func stats(obs []domain.Observation) (mean, lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	var total float64
	for _, o := range obs {
		total += o.Value
		lo = math.Min(lo, o.Value)
		hi = math.Max(hi, o.Value)
	}
	return total / float64(len(obs)), lo, hi
}

// percentileRank places the latest observation among all in obs.
func percentileRank(obs []domain.Observation) float64 {
	latest := obs[len(obs)-1].Value
	var below, equal int
	for _, o := range obs {
		switch {
		case o.Value < latest:
			below++
		case o.Value == latest:
			equal++
		}
	}
	return 100 * (float64(below) + 0.5*float64(equal)) / float64(len(obs))
}

// Forecast fits a least-squares line to the observations in [asOf-lookback, asOf]
// and projects it horizon past asOf. The prediction is clamped to [0, 100].
func (a *Aggregator) Forecast(subjectID string, metric domain.Metric, asOf time.Time, lookback, horizon time.Duration) domain.Forecast {
	asOf = asOf.UTC()
	f := domain.Forecast{
		SubjectID: subjectID,
		Metric:    metric,
		Status:    domain.TrendInsufficientData,
		AsOf:      asOf,
		Horizon:   horizon,
	}
	obs := a.window(subjectID, metric, domain.Window{Start: asOf.Add(-lookback), End: asOf.Add(time.Nanosecond)})
	f.Points = len(obs)
	if len(obs) < 2 {
		return f
	}

	// x is days relative to asOf.
	var sx, sy, sxx, sxy float64
	for _, o := range obs {
		x := o.At.Sub(asOf).Hours() / 24
		sx += x
		sy += o.Value
		sxx += x * x
		sxy += x * o.Value
	}
	n := float64(len(obs))
	den := n*sxx - sx*sx
	if den == 0 {
		// All points share a timestamp; no slope can be fitted.
		return f
	}
	slope := (n*sxy - sx*sy) / den
	intercept := (sy - slope*sx) / n

	f.Status = domain.TrendOK
	f.SlopePerDay = slope
	f.Predicted = clamp(intercept+slope*horizon.Hours()/24, 0, 100)
	if metric != domain.MetricCompliance {
		f.Band = domain.BandFor(f.Predicted)
	}
	return f
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
