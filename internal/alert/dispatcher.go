// Package alert raises, deduplicates and moves alerts through their lifecycle.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
)

// Auditor records alert changes. *audit.Recorder satisfies it.
type Auditor interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
}

// Dispatcher turns decision results into alerts. The find-then-update-or-create
// sequence is serialized per (subject, source), so concurrent dispatches for
// one key never produce two open alerts.
type Dispatcher struct {
	store   domain.AlertStore
	auditor Auditor
	locks   *keyLock
	now     func() time.Time
	logger  *slog.Logger

	// OnChange, when set, receives a copy of every created or changed alert.
	OnChange func(ctx context.Context, a *domain.Alert)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAuditor records every alert change.
func WithAuditor(a Auditor) Option {
	return func(d *Dispatcher) { d.auditor = a }
}

// WithClock sets the clock used for alert timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher. A nil store selects a MemoryStore.
func NewDispatcher(store domain.AlertStore, opts ...Option) *Dispatcher {
	if store == nil {
		store = NewMemoryStore()
	}
	d := &Dispatcher{
		store:  store,
		locks:  newKeyLock(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Store returns the backing alert store.
func (d *Dispatcher) Store() domain.AlertStore { return d.store }

// crossing is what a result contributes to an alert when it crosses a threshold.
type crossing struct {
	source   domain.AlertSource
	severity domain.Severity
	title    string
	metadata map[string]string
}

// evaluate applies the threshold policy. It returns nil when nothing crossed.
func evaluate(result domain.Result) (*crossing, error) {
	switch r := result.(type) {
	case *domain.ScoreResult:
		if r == nil {
			return nil, fmt.Errorf("result is required")
		}
		if r.Band != domain.BandHigh && r.Band != domain.BandCritical {
			return nil, nil
		}
		md := map[string]string{
			"risk_type":     string(r.RiskType),
			"score":         strconv.FormatFloat(r.Score, 'f', 2, 64),
			"band":          string(r.Band),
			"table_version": strconv.FormatInt(r.TableVersion, 10),
		}
		if r.DecisionID != "" {
			md["decision_id"] = r.DecisionID
		}
		if len(r.Contributions) > 0 {
			md["top_factor"] = r.Contributions[0].Feature
		}
		return &crossing{
			source:   domain.SourceScore,
			severity: domain.Severity(r.Band),
			title:    fmt.Sprintf("%s risk %s", r.RiskType, r.Band),
			metadata: md,
		}, nil

	case *domain.ComplianceResult:
		if r == nil {
			return nil, fmt.Errorf("result is required")
		}
		if r.Status == domain.StatusCompliant {
			return nil, nil
		}
		sev := domain.SeverityMedium
		if r.Status == domain.StatusNonCompliant {
			sev = r.HighestSeverity
		}
		ids := make([]string, 0, len(r.Violations))
		for _, v := range r.Violations {
			ids = append(ids, v.Rule.ID)
		}
		md := map[string]string{
			"region":           string(r.Region),
			"status":           string(r.Status),
			"compliance_score": strconv.FormatFloat(r.ComplianceScore, 'f', 2, 64),
			"violations":       strings.Join(ids, ","),
			"rule_set_version": strconv.FormatInt(r.RuleSetVersion, 10),
		}
		if r.DecisionID != "" {
			md["decision_id"] = r.DecisionID
		}
		return &crossing{
			source:   domain.SourceCompliance,
			severity: sev,
			title:    fmt.Sprintf("%s compliance %s", r.Region, r.Status),
			metadata: md,
		}, nil

	case nil:
		return nil, fmt.Errorf("result is required")
	default:
		return nil, fmt.Errorf("unsupported result type %T", result)
	}
}

// Dispatch raises or updates the alert for subjectID if result crosses its
// threshold. It returns nil, nil when no threshold is crossed.
func (d *Dispatcher) Dispatch(ctx context.Context, subjectID string, result domain.Result) (*domain.Alert, error) {
	c, err := evaluate(result)
	if err != nil {
		return nil, err
	}
	if subjectID == "" {
		subjectID = result.Subject()
	}
	if subjectID == "" {
		return nil, &domain.ValidationError{Fields: []string{"subject_id"}}
	}
	if c == nil {
		return nil, nil
	}

	unlock := d.locks.Lock(key(subjectID, c.source))
	defer unlock()

	now := d.now().UTC()
	existing, err := d.store.FindOpen(ctx, subjectID, c.source)
	if err != nil {
		return nil, fmt.Errorf("find open alert: %w", err)
	}

	if existing != nil {
		before := summary(existing)
		existing.Severity = c.severity
		existing.Title = c.title
		existing.Metadata = c.metadata
		existing.Occurrences++
		existing.UpdatedAt = now
		if err := d.store.Save(ctx, existing); err != nil {
			return nil, fmt.Errorf("update alert: %w", err)
		}
		if err := d.changed(ctx, existing, domain.ActionAlertUpdated, domain.ActorEngine, before, result.Decision()); err != nil {
			return nil, err
		}
		return existing, nil
	}

	a := &domain.Alert{
		ID:          uuid.New().String(),
		SubjectID:   subjectID,
		Source:      c.source,
		Severity:    c.severity,
		State:       domain.AlertOpen,
		Title:       c.title,
		Metadata:    c.metadata,
		Occurrences: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.store.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	if err := d.changed(ctx, a, domain.ActionAlertCreated, domain.ActorEngine, nil, result.Decision()); err != nil {
		return nil, err
	}
	return a, nil
}

// Acknowledge moves an open alert to acknowledged.
func (d *Dispatcher) Acknowledge(ctx context.Context, id, actor string) (*domain.Alert, error) {
	return d.transition(ctx, id, actor, domain.ActionAlertAcknowledged, func(a *domain.Alert, now time.Time) error {
		if a.State != domain.AlertOpen {
			return fmt.Errorf("%w: acknowledge from %s", domain.ErrInvalidTransition, a.State)
		}
		a.State = domain.AlertAcknowledged
		a.AcknowledgedAt = &now
		return nil
	})
}

// Resolve moves an acknowledged alert to resolved. Resolved alerts never
// reopen; a later crossing creates a new alert.
func (d *Dispatcher) Resolve(ctx context.Context, id, actor string) (*domain.Alert, error) {
	return d.transition(ctx, id, actor, domain.ActionAlertResolved, func(a *domain.Alert, now time.Time) error {
		if a.State != domain.AlertAcknowledged {
			return fmt.Errorf("%w: resolve from %s", domain.ErrInvalidTransition, a.State)
		}
		a.State = domain.AlertResolved
		a.ResolvedAt = &now
		return nil
	})
}

// Escalate raises the severity of an unresolved alert by one level.
func (d *Dispatcher) Escalate(ctx context.Context, id, actor string) (*domain.Alert, error) {
	return d.transition(ctx, id, actor, domain.ActionAlertEscalated, func(a *domain.Alert, _ time.Time) error {
		if a.State == domain.AlertResolved {
			return fmt.Errorf("%w: escalate resolved alert", domain.ErrInvalidTransition)
		}
		if a.Severity == domain.SeverityCritical {
			return fmt.Errorf("%w: already critical", domain.ErrInvalidTransition)
		}
		a.Severity = a.Severity.Escalate()
		return nil
	})
}

func (d *Dispatcher) transition(ctx context.Context, id, actor, action string, apply func(*domain.Alert, time.Time) error) (*domain.Alert, error) {
	current, err := d.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := d.locks.Lock(key(current.SubjectID, current.Source))
	defer unlock()

	// Re-read under the lock; a dispatch may have updated it.
	a, err := d.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	before := summary(a)
	now := d.now().UTC()
	if err := apply(a, now); err != nil {
		return nil, err
	}
	a.UpdatedAt = now
	if err := d.store.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("save alert: %w", err)
	}
	if actor == "" {
		actor = "unknown"
	}
	if err := d.changed(ctx, a, action, actor, before, ""); err != nil {
		return nil, err
	}
	return a, nil
}

// changed audits a saved alert change and notifies OnChange. The change is
// already stored, so the audit ignores the caller's cancellation.
func (d *Dispatcher) changed(ctx context.Context, a *domain.Alert, action, actor string, before map[string]string, decisionID string) error {
	ctx = context.WithoutCancel(ctx)
	if d.auditor != nil {
		entry := domain.AuditEntry{
			Actor:      actor,
			Action:     action,
			SubjectID:  a.SubjectID,
			DecisionID: decisionID,
			Before:     before,
			After:      summary(a),
		}
		if err := d.auditor.Record(ctx, entry); err != nil {
			d.logger.Error("failed to record alert change",
				"alert_id", a.ID,
				"action", action,
				"error", err,
			)
			return fmt.Errorf("record alert change: %w", err)
		}
	}
	if d.OnChange != nil {
		d.OnChange(ctx, a.Clone())
	}
	return nil
}

func summary(a *domain.Alert) map[string]string {
	return map[string]string{
		"alert_id":    a.ID,
		"source":      string(a.Source),
		"state":       string(a.State),
		"severity":    string(a.Severity),
		"occurrences": strconv.Itoa(a.Occurrences),
	}
}

// Get returns an alert by ID.
func (d *Dispatcher) Get(ctx context.Context, id string) (*domain.Alert, error) {
	return d.store.GetAlert(ctx, id)
}

// List returns alerts matching filter, newest first.
func (d *Dispatcher) List(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	return d.store.ListAlerts(ctx, filter)
}

// Stats summarises alerts created at or after since.
func (d *Dispatcher) Stats(ctx context.Context, since time.Time) (*domain.AlertStats, error) {
	alerts, err := d.store.ListAlerts(ctx, domain.AlertFilter{From: since})
	if err != nil {
		return nil, err
	}
	st := &domain.AlertStats{
		Total:      len(alerts),
		ByState:    make(map[domain.AlertState]int),
		BySeverity: make(map[domain.Severity]int),
		BySource:   make(map[domain.AlertSource]int),
	}
	var resolved int
	var hours float64
	for _, a := range alerts {
		st.ByState[a.State]++
		st.BySeverity[a.Severity]++
		st.BySource[a.Source]++
		if a.State == domain.AlertResolved && a.ResolvedAt != nil {
			resolved++
			hours += a.ResolvedAt.Sub(a.CreatedAt).Hours()
		}
	}
	if st.Total > 0 {
		st.ResolutionRate = float64(resolved) / float64(st.Total)
	}
	if resolved > 0 {
		st.MeanResolutionHours = hours / float64(resolved)
	}
	return st, nil
}
