// Package engine wires the normalizer, rule registry, scorer, compliance
// evaluator, alert dispatcher, trend aggregator and audit recorder into the
// operations the service exposes.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/procoderhappy/ai-risk-management/internal/alert"
	"github.com/procoderhappy/ai-risk-management/internal/audit"
	"github.com/procoderhappy/ai-risk-management/internal/cache"
	"github.com/procoderhappy/ai-risk-management/internal/compliance"
	"github.com/procoderhappy/ai-risk-management/internal/domain"
	"github.com/procoderhappy/ai-risk-management/internal/metrics"
	"github.com/procoderhappy/ai-risk-management/internal/normalize"
	"github.com/procoderhappy/ai-risk-management/internal/rules"
	"github.com/procoderhappy/ai-risk-management/internal/scoring"
	"github.com/procoderhappy/ai-risk-management/internal/trend"
	"github.com/procoderhappy/ai-risk-management/internal/worker"
)

var tracer = otel.Tracer("riskd-engine")

// Deps are the optional collaborators of an Engine. Zero values select
// in-process defaults: the built-in schema, rules and weight tables, an
// in-memory alert store and no persistence, cache or bus.
type Deps struct {
	Schema *normalize.Schema

	// Rules and Tables are used when the config names no file.
	Rules  []domain.RuleDefinition
	Tables []scoring.TableSpec

	Repository domain.Repository
	Cache      domain.Cache
	ResultTTL  time.Duration
	Bus        domain.EventBus

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Engine is safe for concurrent use. The repository, cache and bus are owned
// by the caller and are not closed by Close.
type Engine struct {
	cfg domain.EngineConfig

	normalizer *normalize.Normalizer
	registry   *rules.Registry
	scorer     *scoring.Scorer
	evaluator  *compliance.Evaluator
	dispatcher *alert.Dispatcher
	trends     *trend.Aggregator
	recorder   *audit.Recorder
	projection *worker.Projection
	results    *cache.Results

	repo   domain.Repository
	bus    domain.EventBus
	worker *worker.Worker

	watchMu sync.Mutex
	watcher *rules.Watcher

	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	closeOnce sync.Once
}

// New builds an engine. Rule and weight files named in cfg are loaded and
// validated; any failure is a ConfigurationError. Persisted alerts, audit
// chain head and trend history are picked up from the repository.
func New(ctx context.Context, cfg domain.EngineConfig, deps Deps) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		repo:    deps.Repository,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		now:     deps.Clock,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	schema := deps.Schema
	if schema == nil {
		schema = normalize.DefaultSchema()
	}

	e.normalizer = normalize.New(schema, normalize.WithClock(e.now))

	registry, err := rules.NewRegistry(schema.Kinds(),
		rules.WithLogger(e.logger),
		rules.WithClock(e.now),
		rules.WithEvalErrorHook(e.ruleFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule registry: %w", err)
	}
	e.registry = registry

	defs := deps.Rules
	if cfg.RulesPath != "" {
		if defs, err = rules.LoadFile(cfg.RulesPath); err != nil {
			return nil, err
		}
	} else if defs == nil {
		defs = rules.DefaultDefinitions()
	}
	snap, err := registry.Reload(defs)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RuleSetVersion.Set(float64(snap.Version()))
	}

	tables := deps.Tables
	if cfg.WeightsPath != "" {
		if tables, err = scoring.LoadTables(cfg.WeightsPath); err != nil {
			return nil, err
		}
	} else if tables == nil {
		tables = scoring.DefaultTables()
	}
	if e.scorer, err = scoring.NewScorer(tables); err != nil {
		return nil, err
	}

	e.evaluator = compliance.New(registry, compliance.WithReviewInterval(cfg.ReviewInterval))

	recOpts := []audit.Option{
		audit.WithLogger(e.logger),
		audit.WithClock(e.now),
		audit.WithQueueSize(cfg.AuditQueueSize),
	}
	if e.repo != nil {
		last, err := e.repo.LastAudit(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read audit chain head: %w", err)
		}
		if last != nil {
			recOpts = append(recOpts, audit.WithChainHead(last.Sequence, last.Hash))
		}
		recOpts = append(recOpts, audit.WithSink(e.repo))
	}
	e.recorder = audit.NewRecorder(recOpts...)

	var store domain.AlertStore
	if e.repo != nil {
		store = e.repo
	}
	e.dispatcher = alert.NewDispatcher(store,
		alert.WithAuditor(e.recorder),
		alert.WithClock(e.now),
		alert.WithLogger(e.logger),
	)
	e.dispatcher.OnChange = e.alertChanged

	e.trends = trend.New()
	if e.repo != nil && cfg.TrendLookback > 0 {
		n, err := e.trends.Rehydrate(ctx, e.repo, e.now().Add(-cfg.TrendLookback))
		if err != nil {
			e.logger.Warn("trend history unavailable", "error", err)
		} else {
			e.logger.Info("trend history loaded", "observations", n)
		}
	}

	e.projection = &worker.Projection{Trends: e.trends, Repo: e.repo}
	if deps.Cache != nil {
		e.results = cache.NewResults(deps.Cache, deps.ResultTTL)
	}

	if cfg.AsyncProjection && e.bus != nil {
		e.worker = worker.NewWorker(e.bus, e.projection, e.logger)
		if err := e.worker.Start(); err != nil {
			e.recorder.Close()
			return nil, fmt.Errorf("failed to start projection worker: %w", err)
		}
	}

	e.logger.Info("engine ready",
		"rules", snap.Len(),
		"rule_version", snap.Version(),
		"risk_types", len(e.scorer.Tables().RiskTypes()),
		"async_projection", e.worker != nil,
	)
	return e, nil
}

// Start begins watching the rule file when WatchRules is set.
func (e *Engine) Start(ctx context.Context) error {
	if !e.cfg.WatchRules || e.cfg.RulesPath == "" {
		return nil
	}

	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	if e.watcher != nil {
		return nil
	}

	w, err := rules.NewWatcher(e.registry, e.cfg.RulesPath, e.cfg.WatchDebounce, e.logger)
	if err != nil {
		return fmt.Errorf("failed to watch rules: %w", err)
	}
	w.OnReload = e.observeReload
	w.Start(ctx)
	e.watcher = w
	return nil
}

// Close stops the rule watcher and projection worker, then drains the audit log.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.watchMu.Lock()
		if e.watcher != nil {
			e.watcher.Stop()
		}
		e.watchMu.Unlock()

		if e.worker != nil {
			_ = e.worker.Stop()
		}
		err = e.recorder.Close()
	})
	return err
}

// HealthStatus reports the state of the engine and its adapters.
type HealthStatus struct {
	Status      string            `json:"status"`
	Components  map[string]string `json:"components"`
	RuleVersion int64             `json:"ruleVersion"`
	Rules       int               `json:"rules"`
}

// Health pings every configured adapter.
func (e *Engine) Health(ctx context.Context) HealthStatus {
	h := HealthStatus{
		Status:     "healthy",
		Components: make(map[string]string),
	}
	snap := e.registry.Snapshot()
	h.RuleVersion = snap.Version()
	h.Rules = snap.Len()

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			h.Components[name] = "unhealthy: " + err.Error()
			h.Status = "degraded"
			return
		}
		h.Components[name] = "healthy"
	}
	if e.repo != nil {
		check("repository", e.repo.Ping)
	}
	if e.results != nil {
		check("cache", e.results.Ping)
	}
	if e.bus != nil {
		check("event_bus", e.bus.Ping)
	}
	return h
}

func (e *Engine) ruleFailed(ruleID string) {
	if e.metrics != nil {
		e.metrics.RuleEvaluationErrors.WithLabelValues(ruleID).Inc()
	}
}

func (e *Engine) observeReload(snap *rules.Snapshot, err error) {
	if e.metrics == nil {
		return
	}
	if err != nil {
		e.metrics.RuleReloads.WithLabelValues("failure").Inc()
		return
	}
	e.metrics.RuleReloads.WithLabelValues("success").Inc()
	e.metrics.RuleSetVersion.Set(float64(snap.Version()))
}

func (e *Engine) alertChanged(ctx context.Context, a *domain.Alert) {
	e.publish(ctx, domain.TopicAlertChanged, domain.DecisionEvent{
		SubjectID: a.SubjectID,
		At:        a.UpdatedAt,
		Alert:     a,
	})
}

func (e *Engine) publish(ctx context.Context, topic string, ev domain.DecisionEvent) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("failed to encode decision event", "topic", topic, "error", err)
		return
	}
	if err := e.bus.Publish(ctx, topic, payload); err != nil {
		e.logger.Warn("failed to publish decision event",
			"topic", topic,
			"subject_id", ev.SubjectID,
			"decision_id", ev.DecisionID,
			"error", err,
		)
	}
}

// audit records the entry behind a decision. A decision without its entry is
// never returned, so the caller's cancellation does not apply here.
func (e *Engine) audit(ctx context.Context, entry domain.AuditEntry) error {
	if err := e.recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Error("failed to record audit entry",
			"action", entry.Action,
			"subject_id", entry.SubjectID,
			"decision_id", entry.DecisionID,
			"error", err,
		)
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}
