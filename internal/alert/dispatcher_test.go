package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
)

type recordingAuditor struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	err     error
}

// Record rejects cancelled contexts the way a full audit queue would.
func (r *recordingAuditor) Record(ctx context.Context, e domain.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingAuditor) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingAuditor) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Action
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestDispatcher() (*Dispatcher, *recordingAuditor, *fakeClock) {
	aud := &recordingAuditor{}
	clock := &fakeClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	return NewDispatcher(nil, WithAuditor(aud), WithClock(clock.Now)), aud, clock
}

func scoreResult(band domain.Band, score float64) *domain.ScoreResult {
	return &domain.ScoreResult{
		SubjectID:     "acme",
		RiskType:      domain.RiskCredit,
		Score:         score,
		Band:          band,
		Contributions: []domain.Contribution{{Feature: "transaction_amount", Contribution: score}},
	}
}

func nonCompliant(sev domain.Severity, ruleID string) *domain.ComplianceResult {
	return &domain.ComplianceResult{
		SubjectID:       "acme",
		Region:          domain.RegionEU,
		Status:          domain.StatusNonCompliant,
		HighestSeverity: sev,
		Violations:      []domain.Violation{{Rule: domain.RuleRef{ID: ruleID}, Severity: sev}},
	}
}

func TestThresholdPolicy(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		result   domain.Result
		want     bool
		severity domain.Severity
		source   domain.AlertSource
	}{
		{"score low", scoreResult(domain.BandLow, 10), false, "", ""},
		{"score medium", scoreResult(domain.BandMedium, 40), false, "", ""},
		{"score high", scoreResult(domain.BandHigh, 60), true, domain.SeverityHigh, domain.SourceScore},
		{"score critical", scoreResult(domain.BandCritical, 90), true, domain.SeverityCritical, domain.SourceScore},
		{"compliant", &domain.ComplianceResult{SubjectID: "acme", Status: domain.StatusCompliant}, false, "", ""},
		{"partial", &domain.ComplianceResult{SubjectID: "acme", Status: domain.StatusPartiallyCompliant, HighestSeverity: domain.SeverityLow}, true, domain.SeverityMedium, domain.SourceCompliance},
		{"non-compliant critical", nonCompliant(domain.SeverityCritical, "r1"), true, domain.SeverityCritical, domain.SourceCompliance},
		{"non-compliant high", nonCompliant(domain.SeverityHigh, "r1"), true, domain.SeverityHigh, domain.SourceCompliance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, _ := newTestDispatcher()
			a, err := d.Dispatch(ctx, "acme", tt.result)
			require.NoError(t, err)
			if !tt.want {
				assert.Nil(t, a)
				return
			}
			require.NotNil(t, a)
			assert.Equal(t, tt.severity, a.Severity)
			assert.Equal(t, tt.source, a.Source)
			assert.Equal(t, domain.AlertOpen, a.State)
		})
	}
}

func TestDispatchDeduplicates(t *testing.T) {
	ctx := context.Background()
	d, aud, clock := newTestDispatcher()

	first, err := d.Dispatch(ctx, "acme", nonCompliant(domain.SeverityHigh, "gdpr-consent"))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	second, err := d.Dispatch(ctx, "acme", nonCompliant(domain.SeverityCritical, "sox-controls"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.SeverityCritical, second.Severity)
	assert.Equal(t, 2, second.Occurrences)
	assert.Equal(t, "sox-controls", second.Metadata["violations"])
	assert.True(t, second.UpdatedAt.After(second.CreatedAt))

	all, err := d.List(ctx, domain.AlertFilter{SubjectID: "acme"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, []string{domain.ActionAlertCreated, domain.ActionAlertUpdated}, aud.actions())

	// a score alert for the same subject is a separate key
	s, err := d.Dispatch(ctx, "acme", scoreResult(domain.BandHigh, 70))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, s.ID)
}

func TestConcurrentDispatchYieldsOneAlert(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDispatcher()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(ctx, "acme", scoreResult(domain.BandCritical, 88))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := d.List(ctx, domain.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 50, all[0].Occurrences)
	assert.Zero(t, d.locks.size())
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	d, aud, clock := newTestDispatcher()

	a, err := d.Dispatch(ctx, "acme", scoreResult(domain.BandHigh, 60))
	require.NoError(t, err)

	_, err = d.Resolve(ctx, a.ID, "analyst")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition), "resolve from open must fail")

	esc, err := d.Escalate(ctx, a.ID, "analyst")
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityCritical, esc.Severity)
	_, err = d.Escalate(ctx, a.ID, "analyst")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	clock.Advance(time.Hour)
	ack, err := d.Acknowledge(ctx, a.ID, "analyst")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertAcknowledged, ack.State)
	require.NotNil(t, ack.AcknowledgedAt)

	_, err = d.Acknowledge(ctx, a.ID, "analyst")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	clock.Advance(time.Hour)
	res, err := d.Resolve(ctx, a.ID, "analyst")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertResolved, res.State)
	require.NotNil(t, res.ResolvedAt)

	// a new crossing after resolution creates a new alert
	again, err := d.Dispatch(ctx, "acme", scoreResult(domain.BandHigh, 65))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, again.ID)
	assert.Equal(t, 1, again.Occurrences)

	assert.Equal(t, []string{
		domain.ActionAlertCreated,
		domain.ActionAlertEscalated,
		domain.ActionAlertAcknowledged,
		domain.ActionAlertResolved,
		domain.ActionAlertCreated,
	}, aud.actions())
	assert.Equal(t, "analyst", aud.entries[2].Actor)
	assert.Equal(t, "open", aud.entries[2].Before["state"])
	assert.Equal(t, "acknowledged", aud.entries[2].After["state"])

	_, err = d.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	d, _, clock := newTestDispatcher()
	start := clock.Now()

	a, _ := d.Dispatch(ctx, "a", scoreResult(domain.BandHigh, 60))
	_, _ = d.Dispatch(ctx, "b", nonCompliant(domain.SeverityCritical, "r1"))
	_, _ = d.Dispatch(ctx, "c", scoreResult(domain.BandCritical, 80))

	_, err := d.Acknowledge(ctx, a.ID, "analyst")
	require.NoError(t, err)
	clock.Advance(4 * time.Hour)
	_, err = d.Resolve(ctx, a.ID, "analyst")
	require.NoError(t, err)

	st, err := d.Stats(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.ByState[domain.AlertResolved])
	assert.Equal(t, 2, st.ByState[domain.AlertOpen])
	assert.Equal(t, 2, st.BySource[domain.SourceScore])
	assert.Equal(t, 2, st.BySeverity[domain.SeverityCritical])
	assert.InDelta(t, 1.0/3.0, st.ResolutionRate, 1e-9)
	assert.InDelta(t, 4.0, st.MeanResolutionHours, 1e-9)
}

func TestDispatchRejectsUnknownResult(t *testing.T) {
	d, _, _ := newTestDispatcher()
	_, err := d.Dispatch(context.Background(), "acme", nil)
	assert.Error(t, err)

	_, err = d.Dispatch(context.Background(), "", &domain.ScoreResult{Band: domain.BandHigh})
	assert.True(t, domain.IsValidation(err))
}

func TestDispatchRejectsTypedNilResult(t *testing.T) {
	d, _, _ := newTestDispatcher()

	_, err := d.Dispatch(context.Background(), "acme", (*domain.ScoreResult)(nil))
	assert.EqualError(t, err, "result is required")

	_, err = d.Dispatch(context.Background(), "acme", (*domain.ComplianceResult)(nil))
	assert.EqualError(t, err, "result is required")
}

func TestAlertChangesAuditedAfterCancellation(t *testing.T) {
	d, aud, _ := newTestDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a, err := d.Dispatch(ctx, "acme", scoreResult(domain.BandHigh, 60))
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, "acme", scoreResult(domain.BandHigh, 65))
	require.NoError(t, err)
	_, err = d.Acknowledge(ctx, a.ID, "analyst")
	require.NoError(t, err)

	assert.Equal(t, []string{
		domain.ActionAlertCreated,
		domain.ActionAlertUpdated,
		domain.ActionAlertAcknowledged,
	}, aud.actions())
}

func TestAuditFailureFailsDispatch(t *testing.T) {
	d, aud, _ := newTestDispatcher()
	aud.fail(domain.ErrRecorderClosed)

	a, err := d.Dispatch(context.Background(), "acme", scoreResult(domain.BandCritical, 90))
	assert.Nil(t, a)
	assert.True(t, errors.Is(err, domain.ErrRecorderClosed))
}
