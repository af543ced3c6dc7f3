// Package worker projects decision events from the EventBus into the trend
// aggregator and the repository.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
	"github.com/procoderhappy/ai-risk-management/internal/trend"
)

// Projection applies a decision to the read side: trend history and, when a
// repository is configured, persistent storage. Both writes are idempotent per
// decision ID.
type Projection struct {
	Trends *trend.Aggregator
	Repo   domain.Repository
}

// ProjectScore persists a score and records it in its trend series.
func (p *Projection) ProjectScore(ctx context.Context, r *domain.ScoreResult) error {
	var errs []error
	if p.Repo != nil {
		if err := p.Repo.SaveScore(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("failed to save score: %w", err))
		}
	}
	if p.Trends != nil {
		if err := p.Trends.RecordScore(r); err != nil {
			errs = append(errs, fmt.Errorf("failed to record score trend: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ProjectCompliance persists a compliance result and records its score trend.
func (p *Projection) ProjectCompliance(ctx context.Context, r *domain.ComplianceResult) error {
	var errs []error
	if p.Repo != nil {
		if err := p.Repo.SaveCompliance(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("failed to save compliance result: %w", err))
		}
	}
	if p.Trends != nil {
		if err := p.Trends.RecordCompliance(r); err != nil {
			errs = append(errs, fmt.Errorf("failed to record compliance trend: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Worker consumes decision events asynchronously from the EventBus.
type Worker struct {
	bus        domain.EventBus
	projection *Projection
	logger     *slog.Logger

	// OnProjected, if set, is called after each event is handled.
	OnProjected func(topic string, err error)

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, projection *Projection, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:        bus,
		projection: projection,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Topics lists the topics the worker subscribes to.
var Topics = []string{
	domain.TopicScoreComputed,
	domain.TopicComplianceEvaluated,
	domain.TopicAlertChanged,
}

// Start subscribes to the decision topics.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, topic := range Topics {
		sub, err := w.bus.Subscribe(w.ctx, topic, w.handleMessage)
		if err != nil {
			for _, s := range w.subscriptions {
				_ = s.Unsubscribe()
			}
			w.subscriptions = nil
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	w.logger.Info("worker started",
		"topics", len(w.subscriptions),
	)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	err := w.process(ctx, msg)
	if err != nil {
		w.logger.Error("failed to project event",
			"topic", msg.Topic,
			"message_id", msg.ID,
			"error", err,
		)
	}
	if w.OnProjected != nil {
		w.OnProjected(msg.Topic, err)
	}
	return err
}

func (w *Worker) process(ctx context.Context, msg *domain.Message) error {
	var ev domain.DecisionEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return fmt.Errorf("failed to parse decision event: %w", err)
	}

	switch msg.Topic {
	case domain.TopicScoreComputed:
		if ev.Score == nil {
			return fmt.Errorf("score event %s has no score", msg.ID)
		}
		return w.projection.ProjectScore(ctx, ev.Score)

	case domain.TopicComplianceEvaluated:
		if ev.Compliance == nil {
			return fmt.Errorf("compliance event %s has no result", msg.ID)
		}
		return w.projection.ProjectCompliance(ctx, ev.Compliance)

	case domain.TopicAlertChanged:
		// Alerts are already persisted by the dispatcher's store.
		if ev.Alert != nil {
			w.logger.Debug("alert changed",
				"alert_id", ev.Alert.ID,
				"subject_id", ev.Alert.SubjectID,
				"state", ev.Alert.State,
				"severity", ev.Alert.Severity,
			)
		}
		return nil

	default:
		return fmt.Errorf("unexpected topic %s", msg.Topic)
	}
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.logger.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
