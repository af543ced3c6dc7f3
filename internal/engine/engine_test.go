package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procoderhappy/ai-risk-management/internal/audit"
	"github.com/procoderhappy/ai-risk-management/internal/bus"
	"github.com/procoderhappy/ai-risk-management/internal/cache"
	"github.com/procoderhappy/ai-risk-management/internal/domain"
	"github.com/procoderhappy/ai-risk-management/internal/metrics"
	"github.com/procoderhappy/ai-risk-management/internal/normalize"
	"github.com/procoderhappy/ai-risk-management/internal/repository"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

func testConfig() domain.EngineConfig {
	return domain.DefaultConfig().Engine
}

func newTestEngine(t *testing.T, cfg domain.EngineConfig, deps Deps) *Engine {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = clock
	}
	e, err := New(context.Background(), cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func window() domain.Window {
	return domain.Window{Start: testNow.Add(-time.Hour), End: testNow.Add(time.Hour)}
}

func TestAssessCreditScenario(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{Metrics: metrics.New()})

	out, err := e.Assess(context.Background(), AssessRequest{
		Fields: normalize.RawFields{
			"subject_id":         "acme",
			"region":             "US",
			"transaction_amount": 1_000_000,
			"sentiment_score":    -0.8,
		},
		RiskTypes: []domain.RiskType{domain.RiskCredit},
	})
	require.NoError(t, err)
	require.Len(t, out.Scores, 1)

	score := out.Scores[0]
	assert.InDelta(t, 96.36, score.Score, 0.01)
	assert.Equal(t, domain.BandCritical, score.Band)
	require.NotEmpty(t, score.Contributions)
	assert.Equal(t, "transaction_amount", score.Contributions[0].Feature)
	assert.InDelta(t, score.Score-score.BaseOffset, score.ContributionSum(), 1e-6)
	assert.NotEmpty(t, score.DecisionID)

	require.NotNil(t, out.Compliance)
	assert.Equal(t, domain.StatusCompliant, out.Compliance.Status)

	require.Len(t, out.Alerts, 1)
	assert.Equal(t, domain.SourceScore, out.Alerts[0].Source)
	assert.Equal(t, domain.SeverityCritical, out.Alerts[0].Severity)
}

func TestEvaluateComplianceConsentScenario(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})

	v, err := e.Normalize(nil, normalize.RawFields{
		"subject_id":   "eu-co",
		"region":       "EU",
		"consent_flag": false,
	})
	require.NoError(t, err)

	res, err := e.EvaluateCompliance(context.Background(), domain.RegionEU, v)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNonCompliant, res.Status)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "gdpr-consent", res.Violations[0].Rule.ID)
}

func TestRepeatedNonComplianceRaisesOneAlert(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	ctx := context.Background()

	v, err := e.Normalize(nil, normalize.RawFields{
		"subject_id":   "eu-co",
		"region":       "EU",
		"consent_flag": false,
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := e.EvaluateCompliance(ctx, "", v)
		require.NoError(t, err)
		_, err = e.DispatchAlert(ctx, v.SubjectID, res)
		require.NoError(t, err)
	}

	open, err := e.Alerts(ctx, domain.AlertFilter{SubjectID: "eu-co", State: domain.AlertOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 2, open[0].Occurrences)
}

func TestInvalidInputs(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	ctx := context.Background()

	_, err := e.Normalize(nil, normalize.RawFields{"region": "US"})
	assert.True(t, domain.IsValidation(err), "missing subject: %v", err)

	_, err = e.Score(ctx, domain.RiskCredit, nil)
	assert.True(t, domain.IsValidation(err))

	v, err := e.Normalize(nil, normalize.RawFields{"subject_id": "s", "region": "US"})
	require.NoError(t, err)

	_, err = e.Score(ctx, domain.RiskType("weather"), v)
	assert.True(t, domain.IsConfiguration(err))

	_, err = e.EvaluateCompliance(ctx, domain.RegionGlobal, v)
	assert.True(t, domain.IsValidation(err))
}

func TestScoreIsAuditedAndProjected(t *testing.T) {
	c := cache.NewLRUCache(100)
	e := newTestEngine(t, testConfig(), Deps{Cache: c})
	ctx := context.Background()

	v, err := e.Normalize(nil, normalize.RawFields{
		"subject_id":        "acme",
		"region":            "US",
		"market_volatility": 0.5,
	})
	require.NoError(t, err)

	res, err := e.Score(ctx, domain.RiskMarket, v)
	require.NoError(t, err)

	entries := e.AuditQuery(ctx, domain.AuditFilter{SubjectID: "acme"})
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ActionScoreComputed, entries[0].Action)
	assert.Equal(t, res.DecisionID, entries[0].DecisionID)
	assert.Equal(t, "market", entries[0].After["risk_type"])
	assert.Contains(t, entries[0].After["contributions"], "market_volatility=")
	assert.NoError(t, e.VerifyAudit(ctx))

	summary := e.Trend("acme", domain.MetricFor(domain.RiskMarket), window())
	assert.Equal(t, domain.TrendOK, summary.Status)
	assert.Equal(t, 1, summary.Count)
	assert.InDelta(t, res.Score, summary.Mean, 1e-9)

	latest, err := e.LatestScore(ctx, "acme", domain.RiskMarket)
	require.NoError(t, err)
	assert.Equal(t, res.DecisionID, latest.DecisionID)

	_, err = e.LatestScore(ctx, "acme", domain.RiskCredit)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestCancelledContextKeepsOneAuditEntryPerDecision(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})

	v, err := e.Normalize(nil, normalize.RawFields{
		"subject_id":        "gone",
		"region":            "EU",
		"market_volatility": 0.7,
		"consent_flag":      false,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var decisions []string
	for i := 0; i < 200; i++ {
		res, err := e.Score(ctx, domain.RiskMarket, v)
		require.NoError(t, err)
		decisions = append(decisions, res.DecisionID)
	}
	comp, err := e.EvaluateCompliance(ctx, "", v)
	require.NoError(t, err)
	decisions = append(decisions, comp.DecisionID)

	entries := e.AuditQuery(context.Background(), domain.AuditFilter{SubjectID: "gone"})
	require.Len(t, entries, len(decisions))
	for i, entry := range entries {
		assert.Equal(t, decisions[i], entry.DecisionID)
	}
	assert.Equal(t, 200, e.Trend("gone", domain.MetricFor(domain.RiskMarket), window()).Count)
}

func TestAuditFailureFailsDecision(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	v, err := e.Normalize(nil, normalize.RawFields{"subject_id": "late", "region": "US", "credit_exposure": 0.9})
	require.NoError(t, err)

	require.NoError(t, e.Close())

	res, err := e.Score(context.Background(), domain.RiskCredit, v)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, domain.ErrRecorderClosed))

	comp, err := e.EvaluateCompliance(context.Background(), "", v)
	assert.Nil(t, comp)
	assert.True(t, errors.Is(err, domain.ErrRecorderClosed))

	assert.Zero(t, e.Trend("late", domain.MetricFor(domain.RiskCredit), window()).Count)
}

func TestComplianceAuditRecordsInputAdjustments(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	ctx := context.Background()

	v, err := e.Normalize(nil, normalize.RawFields{
		"subject_id":      "adjusted",
		"region":          "US",
		"sentiment_score": 5,
		"consent_flag":    "not-a-bool",
	})
	require.NoError(t, err)
	require.NotEmpty(t, v.Clamped())
	require.NotEmpty(t, v.Defaulted())

	res, err := e.EvaluateCompliance(ctx, "", v)
	require.NoError(t, err)

	entries := e.AuditQuery(ctx, domain.AuditFilter{SubjectID: "adjusted"})
	require.Len(t, entries, 1)
	assert.Equal(t, res.DecisionID, entries[0].DecisionID)
	assert.Contains(t, entries[0].After["clamped"], "sentiment_score")
	assert.Contains(t, entries[0].After["defaulted"], "consent_flag")
}

func TestEmptyTrendWindow(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})

	s := e.Trend("nobody", domain.MetricFor(domain.RiskCredit), window())
	assert.Equal(t, domain.TrendInsufficientData, s.Status)
	assert.Zero(t, s.Count)
	assert.Zero(t, s.Mean)

	f := e.Forecast("nobody", domain.MetricFor(domain.RiskCredit), testNow, 30*24*time.Hour, 7*24*time.Hour)
	assert.Equal(t, domain.TrendInsufficientData, f.Status)
}

func TestScoreBatch(t *testing.T) {
	cfg := testConfig()
	cfg.BatchConcurrency = 3
	e := newTestEngine(t, cfg, Deps{})

	var vectors []*domain.FeatureVector
	for _, id := range []string{"a", "b", "c", "d"} {
		v, err := e.Normalize(nil, normalize.RawFields{"subject_id": id, "region": "UK", "credit_exposure": 0.4})
		require.NoError(t, err)
		vectors = append(vectors, v)
	}
	vectors = append(vectors[:2], append([]*domain.FeatureVector{nil}, vectors[2:]...)...)

	items := e.ScoreBatch(context.Background(), domain.RiskCredit, vectors)
	require.Len(t, items, 5)

	for i, it := range items {
		if i == 2 {
			assert.Error(t, it.Err)
			assert.Nil(t, it.Result)
			continue
		}
		require.NoError(t, it.Err)
		assert.Equal(t, vectors[i].SubjectID, it.SubjectID)
		assert.Equal(t, vectors[i].SubjectID, it.Result.SubjectID)
		assert.InDelta(t, 40.0, it.Result.Score, 1e-9)
	}
}

func TestAlertLifecycle(t *testing.T) {
	m := metrics.New()
	e := newTestEngine(t, testConfig(), Deps{Metrics: m})
	ctx := context.Background()

	v, err := e.Normalize(nil, normalize.RawFields{"subject_id": "eu-co", "region": "EU", "consent_flag": false})
	require.NoError(t, err)
	res, err := e.EvaluateCompliance(ctx, "", v)
	require.NoError(t, err)
	a, err := e.DispatchAlert(ctx, "", res)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, domain.SeverityHigh, a.Severity)

	a, err = e.EscalateAlert(ctx, a.ID, "analyst")
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityCritical, a.Severity)

	_, err = e.ResolveAlert(ctx, a.ID, "analyst")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	_, err = e.AcknowledgeAlert(ctx, a.ID, "analyst")
	require.NoError(t, err)
	a, err = e.ResolveAlert(ctx, a.ID, "analyst")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertResolved, a.State)

	got, err := e.Alert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AlertResolved, got.State)

	stats, err := e.AlertStats(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1.0, stats.ResolutionRate)

	_, err = e.Alert(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	actions := map[string]bool{}
	for _, en := range e.AuditQuery(ctx, domain.AuditFilter{SubjectID: "eu-co"}) {
		actions[en.Action] = true
	}
	for _, want := range []string{
		domain.ActionComplianceEvaluated,
		domain.ActionAlertCreated,
		domain.ActionAlertEscalated,
		domain.ActionAlertAcknowledged,
		domain.ActionAlertResolved,
	} {
		assert.True(t, actions[want], "missing audit action %s", want)
	}
}

const engineRules = `rules:
  - id: gdpr-consent
    region: EU
    regulation: GDPR
    severity: high
    description: processing without recorded consent
    when:
      all:
        - feature: consent_flag
          op: exists
        - feature: consent_flag
          op: eq
          value: false
`

func TestReloadRules(t *testing.T) {
	t.Run("no rule file", func(t *testing.T) {
		e := newTestEngine(t, testConfig(), Deps{})
		_, err := e.ReloadRules(context.Background())
		assert.True(t, domain.IsConfiguration(err))
		assert.True(t, errors.Is(err, ErrNoRuleFile))
	})

	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte(engineRules), 0o600))

		cfg := testConfig()
		cfg.RulesPath = path
		e := newTestEngine(t, cfg, Deps{Metrics: metrics.New()})
		ctx := context.Background()

		require.Equal(t, 1, e.RuleSet().Len())
		v1 := e.RuleSet().Version()
		assert.Equal(t, []string{"GDPR"}, e.Regulations(domain.RegionEU))

		require.NoError(t, os.WriteFile(path, []byte("rules:\n  - id: broken\n    region: MARS\n"), 0o600))
		_, err := e.ReloadRules(ctx)
		assert.True(t, domain.IsConfiguration(err))
		assert.Equal(t, v1, e.RuleSet().Version(), "failed reload must keep the active rules")

		require.NoError(t, os.WriteFile(path, []byte(engineRules), 0o600))
		snap, err := e.ReloadRules(ctx)
		require.NoError(t, err)
		assert.Equal(t, v1+1, snap.Version())
	})

	t.Run("bad file at startup", func(t *testing.T) {
		cfg := testConfig()
		cfg.RulesPath = filepath.Join(t.TempDir(), "missing.yaml")
		_, err := New(context.Background(), cfg, Deps{})
		assert.True(t, domain.IsConfiguration(err))
	})
}

func TestReloadTables(t *testing.T) {
	t.Run("no weight file", func(t *testing.T) {
		e := newTestEngine(t, testConfig(), Deps{})
		_, err := e.ReloadTables(context.Background())
		assert.True(t, domain.IsConfiguration(err))
		assert.True(t, errors.Is(err, ErrNoWeightsFile))
	})

	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "weights.yaml")
		require.NoError(t, os.WriteFile(path, []byte(halfWeightTables), 0o600))

		cfg := testConfig()
		cfg.WeightsPath = path
		e := newTestEngine(t, cfg, Deps{})
		ctx := context.Background()
		v, err := e.Normalize(nil, normalize.RawFields{"subject_id": "acme", "region": "US", "credit_exposure": 0.4})
		require.NoError(t, err)

		res, err := e.Score(ctx, domain.RiskCredit, v)
		require.NoError(t, err)
		assert.InDelta(t, 70.0, res.Score, 1e-9)
		v1 := e.Tables().Version()

		require.NoError(t, os.WriteFile(path, []byte("tables:\n  - risk_type: credit\n    factors:\n      - feature: credit_exposure\n        weight: -1\n        normalizer: {type: minmax, min: 0, max: 1}\n"), 0o600))
		_, err = e.ReloadTables(ctx)
		assert.True(t, domain.IsConfiguration(err))
		assert.Equal(t, v1, e.Tables().Version(), "failed reload must keep the active tables")

		require.NoError(t, os.WriteFile(path, []byte("tables: []\n"), 0o600))
		_, err = e.ReloadTables(ctx)
		assert.True(t, domain.IsConfiguration(err))

		require.NoError(t, os.WriteFile(path, []byte(strings.Replace(halfWeightTables, "base_offset: 50", "base_offset: 0", 1)), 0o600))
		set, err := e.ReloadTables(ctx)
		require.NoError(t, err)
		assert.Equal(t, v1+1, set.Version())

		res, err = e.Score(ctx, domain.RiskCredit, v)
		require.NoError(t, err)
		assert.InDelta(t, 40.0, res.Score, 1e-9)
		assert.Equal(t, set.Version(), res.TableVersion)
	})
}

const halfWeightTables = `tables:
  - risk_type: credit
    base_offset: 50
    factors:
      - feature: credit_exposure
        weight: 1
        normalizer: {type: minmax, min: 0, max: 1}
`

func TestAsyncProjection(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	cfg := testConfig()
	cfg.AsyncProjection = true
	e := newTestEngine(t, cfg, Deps{Bus: eventBus})

	v, err := e.Normalize(nil, normalize.RawFields{"subject_id": "acme", "region": "APAC", "operational_incidents": 4})
	require.NoError(t, err)
	_, err = e.Score(context.Background(), domain.RiskOperational, v)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return e.Trend("acme", domain.MetricFor(domain.RiskOperational), window()).Count == 1
	}, 2*time.Second, 10*time.Millisecond)

	h := e.Health(context.Background())
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "healthy", h.Components["event_bus"])
}

func TestRestartContinuesFromRepository(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riskd.db")
	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: path})
	require.NoError(t, err)
	defer repo.Close()
	ctx := context.Background()

	first, err := New(ctx, testConfig(), Deps{Repository: repo, Clock: clock})
	require.NoError(t, err)
	v, err := first.Normalize(nil, normalize.RawFields{"subject_id": "acme", "region": "US", "credit_exposure": 0.9})
	require.NoError(t, err)
	res, err := first.Score(ctx, domain.RiskCredit, v)
	require.NoError(t, err)
	_, err = first.DispatchAlert(ctx, "", res)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newTestEngine(t, testConfig(), Deps{Repository: repo})

	latest, err := second.LatestScore(ctx, "acme", domain.RiskCredit)
	require.NoError(t, err)
	assert.Equal(t, res.DecisionID, latest.DecisionID)

	assert.Equal(t, 1, second.Trend("acme", domain.MetricFor(domain.RiskCredit), window()).Count)

	open, err := second.Alerts(ctx, domain.AlertFilter{State: domain.AlertOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)

	_, err = second.Score(ctx, domain.RiskCredit, v)
	require.NoError(t, err)

	entries := second.AuditQuery(ctx, domain.AuditFilter{})
	require.Len(t, entries, 3)
	assert.NoError(t, audit.VerifyChain(entries, 0, ""))
}
