package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
	"github.com/procoderhappy/ai-risk-management/internal/normalize"
)

// Normalize builds a FeatureVector from analysis output and user fields.
func (e *Engine) Normalize(raw normalize.RawAnalysis, fields normalize.RawFields) (*domain.FeatureVector, error) {
	v, err := e.normalizer.Normalize(raw, fields)
	if err != nil && e.metrics != nil {
		e.metrics.NormalizeFailures.Inc()
	}
	return v, err
}

// Score computes a risk score, records it in the audit log and publishes it.
func (e *Engine) Score(ctx context.Context, rt domain.RiskType, v *domain.FeatureVector) (*domain.ScoreResult, error) {
	if v == nil {
		return nil, &domain.ValidationError{Fields: []string{"vector"}}
	}
	ctx, span := tracer.Start(ctx, "engine.Score",
		trace.WithAttributes(
			attribute.String("subject.id", v.SubjectID),
			attribute.String("risk.type", string(rt)),
		),
	)
	defer span.End()

	start := time.Now()
	res, err := e.scorer.Score(rt, v)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	res.DecisionID = uuid.New().String()
	span.SetAttributes(
		attribute.String("decision.id", res.DecisionID),
		attribute.Float64("risk.score", res.Score),
		attribute.String("risk.band", string(res.Band)),
	)

	if e.metrics != nil {
		e.metrics.ScoreDuration.WithLabelValues(string(rt)).Observe(time.Since(start).Seconds())
		e.metrics.ScoresComputed.WithLabelValues(string(rt), string(res.Band)).Inc()
	}

	if err := e.audit(ctx, domain.AuditEntry{
		Actor:      domain.ActorEngine,
		Action:     domain.ActionScoreComputed,
		SubjectID:  res.SubjectID,
		DecisionID: res.DecisionID,
		After:      scoreRationale(res, v),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// The decision is committed once audited; finish projecting it even if
	// the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	if e.results != nil {
		if err := e.results.PutScore(ctx, res); err != nil {
			e.logger.Warn("failed to cache score", "subject_id", res.SubjectID, "error", err)
		}
	}
	if e.worker == nil {
		if err := e.projection.ProjectScore(ctx, res); err != nil {
			e.logger.Error("failed to project score",
				"subject_id", res.SubjectID,
				"decision_id", res.DecisionID,
				"error", err,
			)
		}
	}
	e.publish(ctx, domain.TopicScoreComputed, domain.DecisionEvent{
		DecisionID: res.DecisionID,
		SubjectID:  res.SubjectID,
		At:         res.ComputedAt,
		Score:      res,
	})
	return res, nil
}

// EvaluateCompliance checks the vector against the rules of region (the
// vector's own region when empty), records the result and publishes it.
func (e *Engine) EvaluateCompliance(ctx context.Context, region domain.Region, v *domain.FeatureVector) (*domain.ComplianceResult, error) {
	if v == nil {
		return nil, &domain.ValidationError{Fields: []string{"vector"}}
	}
	if region == "" {
		region = v.Region
	}
	if _, ok := domain.ParseRegion(string(region)); !ok {
		return nil, &domain.ValidationError{Fields: []string{"region"}, Cause: fmt.Errorf("unknown region %q", region)}
	}

	ctx, span := tracer.Start(ctx, "engine.EvaluateCompliance",
		trace.WithAttributes(
			attribute.String("subject.id", v.SubjectID),
			attribute.String("region", string(region)),
		),
	)
	defer span.End()

	res := e.evaluator.Evaluate(region, v)
	res.DecisionID = uuid.New().String()
	span.SetAttributes(
		attribute.String("decision.id", res.DecisionID),
		attribute.String("compliance.status", string(res.Status)),
		attribute.Int("compliance.violations", len(res.Violations)),
	)

	if e.metrics != nil {
		e.metrics.ComplianceEvaluated.WithLabelValues(string(region), string(res.Status)).Inc()
	}

	if err := e.audit(ctx, domain.AuditEntry{
		Actor:      domain.ActorEngine,
		Action:     domain.ActionComplianceEvaluated,
		SubjectID:  res.SubjectID,
		DecisionID: res.DecisionID,
		After:      complianceRationale(res, v),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	if e.results != nil {
		if err := e.results.PutCompliance(ctx, res); err != nil {
			e.logger.Warn("failed to cache compliance result", "subject_id", res.SubjectID, "error", err)
		}
	}
	if e.worker == nil {
		if err := e.projection.ProjectCompliance(ctx, res); err != nil {
			e.logger.Error("failed to project compliance result",
				"subject_id", res.SubjectID,
				"decision_id", res.DecisionID,
				"error", err,
			)
		}
	}
	e.publish(ctx, domain.TopicComplianceEvaluated, domain.DecisionEvent{
		DecisionID: res.DecisionID,
		SubjectID:  res.SubjectID,
		At:         res.EvaluatedAt,
		Compliance: res,
	})
	return res, nil
}

// DispatchAlert raises or updates the alert for a threshold-crossing result.
// It returns nil, nil when the result crosses no threshold.
func (e *Engine) DispatchAlert(ctx context.Context, subjectID string, result domain.Result) (*domain.Alert, error) {
	ctx, span := tracer.Start(ctx, "engine.DispatchAlert")
	defer span.End()

	a, err := e.dispatcher.Dispatch(ctx, subjectID, result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if a != nil {
		span.SetAttributes(attribute.String("alert.id", a.ID), attribute.Int("alert.occurrences", a.Occurrences))
		if e.metrics != nil {
			e.metrics.AlertsDispatched.WithLabelValues(string(a.Source), string(a.Severity)).Inc()
		}
	}
	return a, nil
}

// AssessRequest is the input of a full assessment.
type AssessRequest struct {
	Analysis normalize.RawAnalysis
	Fields   normalize.RawFields

	// RiskTypes to score; empty scores every configured table.
	RiskTypes []domain.RiskType
}

// Assessment is everything one assessment produced.
type Assessment struct {
	Vector     *domain.FeatureVector
	Scores     []*domain.ScoreResult
	Compliance *domain.ComplianceResult

	// Alerts raised or updated by this assessment, in dispatch order.
	Alerts []*domain.Alert
}

// Assess normalizes the input, scores the requested risk types, evaluates
// compliance for the subject's region and dispatches any alerts.
func (e *Engine) Assess(ctx context.Context, req AssessRequest) (out *Assessment, err error) {
	ctx, span := tracer.Start(ctx, "engine.Assess")
	defer span.End()
	defer recoverSubject(&err, "assessment")

	v, err := e.Normalize(req.Analysis, req.Fields)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("subject.id", v.SubjectID))

	riskTypes := req.RiskTypes
	if len(riskTypes) == 0 {
		riskTypes = e.scorer.Tables().RiskTypes()
	}

	out = &Assessment{Vector: v}
	for _, rt := range riskTypes {
		res, err := e.Score(ctx, rt, v)
		if err != nil {
			return nil, err
		}
		out.Scores = append(out.Scores, res)
		if err := e.dispatchInto(ctx, out, res); err != nil {
			return nil, err
		}
	}

	comp, err := e.EvaluateCompliance(ctx, v.Region, v)
	if err != nil {
		return nil, err
	}
	out.Compliance = comp
	if err := e.dispatchInto(ctx, out, comp); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) dispatchInto(ctx context.Context, out *Assessment, result domain.Result) error {
	a, err := e.DispatchAlert(ctx, result.Subject(), result)
	if err != nil {
		return err
	}
	if a != nil {
		out.Alerts = append(out.Alerts, a)
	}
	return nil
}

// BatchItem is the outcome for one subject of a batch.
type BatchItem struct {
	SubjectID string              `json:"subjectId"`
	Result    *domain.ScoreResult `json:"result,omitempty"`
	Err       error               `json:"-"`
}

// ScoreBatch scores many vectors in parallel. Items are returned in input
// order; a failing or panicking subject only sets its own Err.
func (e *Engine) ScoreBatch(ctx context.Context, rt domain.RiskType, vectors []*domain.FeatureVector) []BatchItem {
	ctx, span := tracer.Start(ctx, "engine.ScoreBatch",
		trace.WithAttributes(
			attribute.String("risk.type", string(rt)),
			attribute.Int("batch.size", len(vectors)),
		),
	)
	defer span.End()

	items := make([]BatchItem, len(vectors))
	limit := e.cfg.BatchConcurrency
	if limit <= 0 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, v := range vectors {
		if v != nil {
			items[i].SubjectID = v.SubjectID
		}
		g.Go(func() error {
			items[i].Result, items[i].Err = e.scoreOne(ctx, rt, v)
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for _, it := range items {
		if it.Err != nil {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("batch.failed", failed))
	return items
}

func (e *Engine) scoreOne(ctx context.Context, rt domain.RiskType, v *domain.FeatureVector) (res *domain.ScoreResult, err error) {
	subject := "<nil>"
	if v != nil {
		subject = v.SubjectID
	}
	defer recoverSubject(&err, subject)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.Score(ctx, rt, v)
}

// recoverSubject turns a panic while handling one subject into an error.
func recoverSubject(err *error, subject string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("panic while processing %s: %v", subject, r)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 6, 64)
}

// scoreRationale flattens a score into the audit entry's state map.
func scoreRationale(res *domain.ScoreResult, v *domain.FeatureVector) map[string]string {
	contribs := make([]string, 0, len(res.Contributions))
	for _, c := range res.Contributions {
		contribs = append(contribs, c.Feature+"="+formatFloat(c.Contribution))
	}
	m := map[string]string{
		"risk_type":     string(res.RiskType),
		"score":         formatFloat(res.Score),
		"band":          string(res.Band),
		"base_offset":   formatFloat(res.BaseOffset),
		"coverage":      formatFloat(res.Coverage),
		"table_version": strconv.FormatInt(res.TableVersion, 10),
		"contributions": strings.Join(contribs, ","),
		"snapshot_at":   v.SnapshotAt.Format(time.RFC3339Nano),
	}
	if len(res.Excluded) > 0 {
		m["excluded"] = strings.Join(res.Excluded, ",")
	}
	inputRationale(m, v)
	return m
}

// inputRationale records which inputs the normalizer defaulted or clamped.
func inputRationale(m map[string]string, v *domain.FeatureVector) {
	if d := v.Defaulted(); len(d) > 0 {
		m["defaulted"] = strings.Join(d, ",")
	}
	if c := v.Clamped(); len(c) > 0 {
		parts := make([]string, len(c))
		for i, rec := range c {
			parts[i] = rec.String()
		}
		m["clamped"] = strings.Join(parts, ",")
	}
}

// complianceRationale flattens a compliance result into the audit entry's state map.
func complianceRationale(res *domain.ComplianceResult, v *domain.FeatureVector) map[string]string {
	ids := make([]string, 0, len(res.Violations))
	for _, vi := range res.Violations {
		ids = append(ids, vi.Rule.ID)
	}
	m := map[string]string{
		"region":           string(res.Region),
		"status":           string(res.Status),
		"compliance_score": formatFloat(res.ComplianceScore),
		"rules_applicable": strconv.Itoa(res.RulesApplicable),
		"rules_passed":     strconv.Itoa(res.RulesPassed),
		"rule_set_version": strconv.FormatInt(res.RuleSetVersion, 10),
		"violations":       strings.Join(ids, ","),
	}
	if res.HighestSeverity != "" {
		m["highest_severity"] = string(res.HighestSeverity)
	}
	inputRationale(m, v)
	return m
}
