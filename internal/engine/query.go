package engine

import (
	"context"
	"errors"
	"time"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
	"github.com/procoderhappy/ai-risk-management/internal/rules"
	"github.com/procoderhappy/ai-risk-management/internal/scoring"
)

// Trend summarises a subject's metric over the half-open window [Start, End).
func (e *Engine) Trend(subjectID string, metric domain.Metric, w domain.Window) domain.TrendSummary {
	return e.trends.Trend(subjectID, metric, w)
}

// Forecast projects a subject's metric horizon past asOf from the lookback history.
func (e *Engine) Forecast(subjectID string, metric domain.Metric, asOf time.Time, lookback, horizon time.Duration) domain.Forecast {
	return e.trends.Forecast(subjectID, metric, asOf, lookback, horizon)
}

// AuditQuery returns audit entries matching filter in sequence order. With a
// repository the full persisted history is read; otherwise the entries
// recorded by this process.
func (e *Engine) AuditQuery(ctx context.Context, filter domain.AuditFilter) []domain.AuditEntry {
	if err := e.recorder.Flush(ctx); err != nil {
		e.logger.Debug("audit flush before query failed", "error", err)
	}
	if e.repo != nil {
		entries, err := e.repo.ListAudit(ctx, filter)
		if err == nil {
			out := make([]domain.AuditEntry, len(entries))
			for i, en := range entries {
				out[i] = *en
			}
			return out
		}
		e.logger.Warn("failed to read persisted audit log, serving in-process entries", "error", err)
	}
	return e.recorder.Query(filter)
}

// VerifyAudit re-checks the hash chain of the entries recorded by this process.
func (e *Engine) VerifyAudit(ctx context.Context) error {
	if err := e.recorder.Flush(ctx); err != nil {
		return err
	}
	return e.recorder.Verify()
}

// LatestScore returns the most recent score for a subject and risk type from
// the cache, falling back to the repository.
func (e *Engine) LatestScore(ctx context.Context, subjectID string, rt domain.RiskType) (*domain.ScoreResult, error) {
	if e.results != nil {
		res, err := e.results.LatestScore(ctx, subjectID, rt)
		if err != nil {
			e.logger.Warn("score cache read failed", "subject_id", subjectID, "error", err)
		}
		if res != nil {
			return res, nil
		}
	}
	if e.repo == nil {
		return nil, domain.ErrNotFound
	}
	res, err := e.repo.LatestScore(ctx, subjectID, rt)
	if err != nil {
		return nil, err
	}
	if e.results != nil {
		if err := e.results.PutScore(ctx, res); err != nil {
			e.logger.Warn("failed to cache score", "subject_id", subjectID, "error", err)
		}
	}
	return res, nil
}

// LatestCompliance returns the cached compliance result for a subject and region.
func (e *Engine) LatestCompliance(ctx context.Context, subjectID string, region domain.Region) (*domain.ComplianceResult, error) {
	if e.results == nil {
		return nil, domain.ErrNotFound
	}
	res, err := e.results.LatestCompliance(ctx, subjectID, region)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, domain.ErrNotFound
	}
	return res, nil
}

// AcknowledgeAlert moves an open alert to acknowledged.
func (e *Engine) AcknowledgeAlert(ctx context.Context, id, actor string) (*domain.Alert, error) {
	return e.transition("acknowledge", func() (*domain.Alert, error) {
		return e.dispatcher.Acknowledge(ctx, id, actor)
	})
}

// ResolveAlert moves an acknowledged alert to resolved.
func (e *Engine) ResolveAlert(ctx context.Context, id, actor string) (*domain.Alert, error) {
	return e.transition("resolve", func() (*domain.Alert, error) {
		return e.dispatcher.Resolve(ctx, id, actor)
	})
}

// EscalateAlert raises the severity of an unresolved alert by one level.
func (e *Engine) EscalateAlert(ctx context.Context, id, actor string) (*domain.Alert, error) {
	return e.transition("escalate", func() (*domain.Alert, error) {
		return e.dispatcher.Escalate(ctx, id, actor)
	})
}

func (e *Engine) transition(action string, fn func() (*domain.Alert, error)) (*domain.Alert, error) {
	a, err := fn()
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.AlertTransitions.WithLabelValues(action).Inc()
	}
	return a, nil
}

// Alert returns one alert by ID.
func (e *Engine) Alert(ctx context.Context, id string) (*domain.Alert, error) {
	return e.dispatcher.Get(ctx, id)
}

// Alerts lists alerts matching filter, newest first.
func (e *Engine) Alerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	return e.dispatcher.List(ctx, filter)
}

// AlertStats summarises alerts created since the given time.
func (e *Engine) AlertStats(ctx context.Context, since time.Time) (*domain.AlertStats, error) {
	return e.dispatcher.Stats(ctx, since)
}

// ErrNoRuleFile is returned by ReloadRules when no rule file is configured.
var ErrNoRuleFile = errors.New("no rule file configured")

// ReloadRules re-reads the configured rule file. On failure the active rule
// set stays in effect.
func (e *Engine) ReloadRules(ctx context.Context) (*rules.Snapshot, error) {
	if e.cfg.RulesPath == "" {
		return nil, &domain.ConfigurationError{Source: "rules_path", Cause: ErrNoRuleFile}
	}
	_, span := tracer.Start(ctx, "engine.ReloadRules")
	defer span.End()

	snap, err := e.registry.ReloadFile(e.cfg.RulesPath)
	e.observeReload(snap, err)
	if err != nil {
		span.RecordError(err)
		e.logger.Error("rule reload failed, keeping active rules",
			"path", e.cfg.RulesPath,
			"active_version", e.registry.Snapshot().Version(),
			"error", err,
		)
		return nil, err
	}
	e.logger.Info("rules reloaded",
		"path", e.cfg.RulesPath,
		"version", snap.Version(),
		"rules", snap.Len(),
	)
	return snap, nil
}

// ErrNoWeightsFile is returned by ReloadTables when no weight file is configured.
var ErrNoWeightsFile = errors.New("no weight table file configured")

// ReloadTables re-reads the configured weight file. On failure the active
// tables stay in effect; scores in flight finish on the tables they started with.
func (e *Engine) ReloadTables(ctx context.Context) (*scoring.TableSet, error) {
	if e.cfg.WeightsPath == "" {
		return nil, &domain.ConfigurationError{Source: "weights_path", Cause: ErrNoWeightsFile}
	}
	_, span := tracer.Start(ctx, "engine.ReloadTables")
	defer span.End()

	specs, err := scoring.LoadTables(e.cfg.WeightsPath)
	if err == nil && len(specs) == 0 {
		err = domain.NewConfigError(e.cfg.WeightsPath, "no weight tables")
	}
	var set *scoring.TableSet
	if err == nil {
		set, err = e.scorer.Reload(specs)
	}
	if err != nil {
		span.RecordError(err)
		e.logger.Error("weight table reload failed, keeping active tables",
			"path", e.cfg.WeightsPath,
			"active_version", e.scorer.Tables().Version(),
			"error", err,
		)
		return nil, err
	}
	e.logger.Info("weight tables reloaded",
		"path", e.cfg.WeightsPath,
		"version", set.Version(),
		"risk_types", set.RiskTypes(),
	)
	return set, nil
}

// Tables returns the active weight table set.
func (e *Engine) Tables() *scoring.TableSet { return e.scorer.Tables() }

// LoadRules validates and activates defs directly.
func (e *Engine) LoadRules(defs []domain.RuleDefinition) (*rules.Snapshot, error) {
	snap, err := e.registry.Reload(defs)
	e.observeReload(snap, err)
	return snap, err
}

// Rules returns the rules of a region (GLOBAL rules included), optionally
// narrowed to one regulation.
func (e *Engine) Rules(region domain.Region, regulation string) []domain.RuleRef {
	return e.registry.Rules(region, regulation)
}

// Regulations lists the regulations with rules applicable to region.
func (e *Engine) Regulations(region domain.Region) []string {
	return e.registry.Regulations(region)
}

// RuleSet returns the active rule snapshot.
func (e *Engine) RuleSet() *rules.Snapshot {
	return e.registry.Snapshot()
}

// RiskTypes lists the risk types with a configured weight table.
func (e *Engine) RiskTypes() []domain.RiskType {
	return e.scorer.Tables().RiskTypes()
}
