package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
	"github.com/procoderhappy/ai-risk-management/internal/engine"
	"github.com/procoderhappy/ai-risk-management/internal/normalize"
)

// DefaultTrendWindow is used by trend queries without an explicit window.
const DefaultTrendWindow = 30 * 24 * time.Hour

// Handler holds dependencies for API handlers.
type Handler struct {
	engine   *engine.Engine
	validate *validator.Validate
	logger   *slog.Logger
	version  string
	now      func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(eng *engine.Engine, logger *slog.Logger, version string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		engine:   eng,
		validate: v,
		logger:   logger,
		version:  version,
		now:      time.Now,
	}
}

// VectorView is the wire form of a FeatureVector.
type VectorView struct {
	SubjectID  string                  `json:"subjectId"`
	Region     domain.Region           `json:"region"`
	SnapshotAt time.Time               `json:"snapshotAt"`
	Features   map[string]domain.Value `json:"features"`
	Clamped    []domain.ClampRecord    `json:"clamped,omitempty"`
	Defaulted  []string                `json:"defaulted,omitempty"`
}

func vectorView(v *domain.FeatureVector) *VectorView {
	if v == nil {
		return nil
	}
	return &VectorView{
		SubjectID:  v.SubjectID,
		Region:     v.Region,
		SnapshotAt: v.SnapshotAt,
		Features:   v.Features(),
		Clamped:    v.Clamped(),
		Defaulted:  v.Defaulted(),
	}
}

// ResponseMetadata is attached to every decision response.
type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

func (h *Handler) metadata(r *http.Request, start time.Time) ResponseMetadata {
	return ResponseMetadata{
		TraceID: GetTraceID(r.Context()),
		TotalMs: time.Since(start).Milliseconds(),
		Version: h.version,
	}
}

// AssessRequest is the request body for POST /v1/assess.
type AssessRequest struct {
	Analysis  map[string]any `json:"analysis,omitempty"`
	Fields    map[string]any `json:"fields" validate:"required"`
	RiskTypes []string       `json:"riskTypes,omitempty" validate:"omitempty,dive,oneof=credit market operational compliance"`
}

// AssessResponse is the response for POST /v1/assess.
type AssessResponse struct {
	Vector     *VectorView              `json:"vector"`
	Scores     []*domain.ScoreResult    `json:"scores"`
	Compliance *domain.ComplianceResult `json:"compliance"`
	Alerts     []*domain.Alert          `json:"alerts"`
	Metadata   ResponseMetadata         `json:"metadata"`
}

// Assess handles POST /v1/assess.
func (h *Handler) Assess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req AssessRequest
	if !h.decode(w, r, &req) {
		return
	}

	riskTypes := make([]domain.RiskType, len(req.RiskTypes))
	for i, rt := range req.RiskTypes {
		riskTypes[i] = domain.RiskType(rt)
	}

	out, err := h.engine.Assess(r.Context(), engine.AssessRequest{
		Analysis:  normalize.RawAnalysis(req.Analysis),
		Fields:    normalize.RawFields(req.Fields),
		RiskTypes: riskTypes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := AssessResponse{
		Vector:     vectorView(out.Vector),
		Scores:     out.Scores,
		Compliance: out.Compliance,
		Alerts:     out.Alerts,
		Metadata:   h.metadata(r, start),
	}
	if resp.Alerts == nil {
		resp.Alerts = []*domain.Alert{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ScoreRequest is the request body for POST /v1/score.
type ScoreRequest struct {
	RiskType string         `json:"riskType" validate:"required,oneof=credit market operational compliance"`
	Analysis map[string]any `json:"analysis,omitempty"`
	Fields   map[string]any `json:"fields" validate:"required"`

	// Dispatch raises an alert when the score crosses its threshold.
	Dispatch bool `json:"dispatch,omitempty"`
}

// ScoreResponse is the response for POST /v1/score.
type ScoreResponse struct {
	Vector   *VectorView         `json:"vector"`
	Result   *domain.ScoreResult `json:"result"`
	Alert    *domain.Alert       `json:"alert,omitempty"`
	Metadata ResponseMetadata    `json:"metadata"`
}

// Score handles POST /v1/score.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	var req ScoreRequest
	if !h.decode(w, r, &req) {
		return
	}

	v, err := h.engine.Normalize(normalize.RawAnalysis(req.Analysis), normalize.RawFields(req.Fields))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.engine.Score(ctx, domain.RiskType(req.RiskType), v)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := ScoreResponse{Vector: vectorView(v), Result: res}
	if req.Dispatch {
		if resp.Alert, err = h.engine.DispatchAlert(ctx, v.SubjectID, res); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	resp.Metadata = h.metadata(r, start)
	writeJSON(w, http.StatusOK, resp)
}

// BatchRequest is the request body for POST /v1/score/batch.
type BatchRequest struct {
	RiskType string           `json:"riskType" validate:"required,oneof=credit market operational compliance"`
	Subjects []map[string]any `json:"subjects" validate:"required,min=1,max=1000"`
}

// BatchResult is one entry of a batch response.
type BatchResult struct {
	Index     int                 `json:"index"`
	SubjectID string              `json:"subjectId,omitempty"`
	Result    *domain.ScoreResult `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// ScoreBatch handles POST /v1/score/batch. Subjects that fail to normalize or
// score are reported per entry; the request itself still succeeds.
func (h *Handler) ScoreBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req BatchRequest
	if !h.decode(w, r, &req) {
		return
	}

	results := make([]BatchResult, len(req.Subjects))
	vectors := make([]*domain.FeatureVector, 0, len(req.Subjects))
	index := make([]int, 0, len(req.Subjects))
	for i, fields := range req.Subjects {
		results[i].Index = i
		v, err := h.engine.Normalize(nil, normalize.RawFields(fields))
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		results[i].SubjectID = v.SubjectID
		vectors = append(vectors, v)
		index = append(index, i)
	}

	for j, item := range h.engine.ScoreBatch(r.Context(), domain.RiskType(req.RiskType), vectors) {
		i := index[j]
		if item.Err != nil {
			results[i].Error = item.Err.Error()
			continue
		}
		results[i].Result = item.Result
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results":  results,
		"metadata": h.metadata(r, start),
	})
}

// ComplianceRequest is the request body for POST /v1/compliance.
type ComplianceRequest struct {
	// Region overrides the subject's region when set.
	Region   string         `json:"region,omitempty" validate:"omitempty,oneof=US EU UK APAC"`
	Analysis map[string]any `json:"analysis,omitempty"`
	Fields   map[string]any `json:"fields" validate:"required"`
	Dispatch bool           `json:"dispatch,omitempty"`
}

// ComplianceResponse is the response for POST /v1/compliance.
type ComplianceResponse struct {
	Vector   *VectorView              `json:"vector"`
	Result   *domain.ComplianceResult `json:"result"`
	Alert    *domain.Alert            `json:"alert,omitempty"`
	Metadata ResponseMetadata         `json:"metadata"`
}

// Compliance handles POST /v1/compliance.
func (h *Handler) Compliance(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	var req ComplianceRequest
	if !h.decode(w, r, &req) {
		return
	}

	v, err := h.engine.Normalize(normalize.RawAnalysis(req.Analysis), normalize.RawFields(req.Fields))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.engine.EvaluateCompliance(ctx, domain.Region(req.Region), v)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := ComplianceResponse{Vector: vectorView(v), Result: res}
	if req.Dispatch {
		if resp.Alert, err = h.engine.DispatchAlert(ctx, v.SubjectID, res); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	resp.Metadata = h.metadata(r, start)
	writeJSON(w, http.StatusOK, resp)
}

// ListAlerts handles GET /v1/alerts.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AlertFilter{
		SubjectID: q.Get("subject"),
		Source:    domain.AlertSource(q.Get("source")),
		Severity:  domain.Severity(q.Get("severity")),
		State:     domain.AlertState(q.Get("state")),
	}

	var bad []string
	switch filter.Source {
	case "", domain.SourceScore, domain.SourceCompliance:
	default:
		bad = append(bad, "source")
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		bad = append(bad, "severity")
	}
	switch filter.State {
	case "", domain.AlertOpen, domain.AlertAcknowledged, domain.AlertResolved:
	default:
		bad = append(bad, "state")
	}
	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		bad = append(bad, "from")
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		bad = append(bad, "to")
	}
	if s := q.Get("limit"); s != "" {
		if filter.Limit, err = strconv.Atoi(s); err != nil || filter.Limit < 0 {
			bad = append(bad, "limit")
		}
	}
	if len(bad) > 0 {
		h.writeError(w, r, &domain.ValidationError{Fields: bad})
		return
	}

	alerts, err := h.engine.Alerts(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []*domain.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert handles GET /v1/alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.Alert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// AlertStats handles GET /v1/alerts/stats.
func (h *Handler) AlertStats(w http.ResponseWriter, r *http.Request) {
	since, err := parseTime(r.URL.Query().Get("since"))
	if err != nil {
		h.writeError(w, r, &domain.ValidationError{Fields: []string{"since"}, Cause: err})
		return
	}
	st, err := h.engine.AlertStats(r.Context(), since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// TransitionRequest is the request body of the alert lifecycle endpoints.
type TransitionRequest struct {
	Actor string `json:"actor" validate:"required,max=128"`
}

// TransitionAlert returns the handler for one alert lifecycle action.
func (h *Handler) TransitionAlert(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TransitionRequest
		if !h.decode(w, r, &req) {
			return
		}
		ctx := r.Context()
		id := chi.URLParam(r, "id")

		var a *domain.Alert
		var err error
		switch action {
		case "acknowledge":
			a, err = h.engine.AcknowledgeAlert(ctx, id, req.Actor)
		case "resolve":
			a, err = h.engine.ResolveAlert(ctx, id, req.Actor)
		case "escalate":
			a, err = h.engine.EscalateAlert(ctx, id, req.Actor)
		default:
			err = fmt.Errorf("unknown alert action %q", action)
		}
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		h.logger.Info("alert transitioned",
			"alert_id", a.ID,
			"action", action,
			"actor", req.Actor,
			"state", a.State,
		)
		writeJSON(w, http.StatusOK, a)
	}
}

// TrendResponse is the response for GET /v1/trends/{subject}/{metric}.
type TrendResponse struct {
	Trend    domain.TrendSummary `json:"trend"`
	Forecast *domain.Forecast    `json:"forecast,omitempty"`
}

// Trend handles GET /v1/trends/{subject}/{metric}. The window defaults to the
// thirty days ending now; a horizon parameter adds a linear forecast over the
// same lookback.
func (h *Handler) Trend(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	metric, ok := domain.ParseMetric(chi.URLParam(r, "metric"))
	if !ok {
		h.writeError(w, r, &domain.ValidationError{
			Fields: []string{"metric"},
			Cause:  fmt.Errorf("unknown metric %q", chi.URLParam(r, "metric")),
		})
		return
	}

	q := r.URL.Query()
	var bad []string
	to, err := parseTime(q.Get("to"))
	if err != nil {
		bad = append(bad, "to")
	}
	from, err := parseTime(q.Get("from"))
	if err != nil {
		bad = append(bad, "from")
	}
	var horizon time.Duration
	if s := q.Get("horizon"); s != "" {
		if horizon, err = time.ParseDuration(s); err != nil || horizon <= 0 {
			bad = append(bad, "horizon")
		}
	}
	if len(bad) > 0 {
		h.writeError(w, r, &domain.ValidationError{Fields: bad})
		return
	}
	if to.IsZero() {
		to = h.now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-DefaultTrendWindow)
	}

	resp := TrendResponse{
		Trend: h.engine.Trend(subject, metric, domain.Window{Start: from, End: to}),
	}
	if horizon > 0 {
		f := h.engine.Forecast(subject, metric, to, to.Sub(from), horizon)
		resp.Forecast = &f
	}
	writeJSON(w, http.StatusOK, resp)
}

// Audit handles GET /v1/audit.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AuditFilter{SubjectID: q.Get("subject")}

	var bad []string
	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		bad = append(bad, "from")
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		bad = append(bad, "to")
	}
	if len(bad) > 0 {
		h.writeError(w, r, &domain.ValidationError{Fields: bad})
		return
	}

	entries := h.engine.AuditQuery(r.Context(), filter)
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// VerifyAudit handles GET /v1/audit/verify.
func (h *Handler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.VerifyAudit(r.Context()); err != nil {
		h.logger.Error("audit chain verification failed", "error", err)
		writeJSON(w, http.StatusConflict, map[string]any{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// ListRules handles GET /v1/rules. Without a region every active rule is
// returned; with one, the rules that apply to it, GLOBAL rules included.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	snap := h.engine.RuleSet()

	var refs []domain.RuleRef
	var regulations []string
	if s := q.Get("region"); s != "" {
		region, ok := domain.ParseRegion(strings.ToUpper(s))
		if !ok {
			h.writeError(w, r, &domain.ValidationError{Fields: []string{"region"}})
			return
		}
		refs = h.engine.Rules(region, q.Get("regulation"))
		regulations = h.engine.Regulations(region)
	} else {
		for _, ref := range snap.Refs() {
			if reg := q.Get("regulation"); reg == "" || ref.Regulation == reg {
				refs = append(refs, ref)
			}
		}
	}
	if refs == nil {
		refs = []domain.RuleRef{}
	}

	resp := map[string]any{
		"version":  snap.Version(),
		"loadedAt": snap.LoadedAt(),
		"rules":    refs,
		"count":    len(refs),
	}
	if regulations != nil {
		resp["regulations"] = regulations
	}
	writeJSON(w, http.StatusOK, resp)
}

// ReloadRules handles POST /v1/rules/reload. A rule file that fails to
// validate leaves the active rules in place.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.ReloadRules(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"version": snap.Version(),
		"count":   snap.Len(),
	})
}

// ReloadTables handles POST /v1/tables/reload.
func (h *Handler) ReloadTables(w http.ResponseWriter, r *http.Request) {
	set, err := h.engine.ReloadTables(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "weight tables reloaded successfully",
		"version":   set.Version(),
		"riskTypes": set.RiskTypes(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.engine.Health(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      st.Status,
		"version":     h.version,
		"components":  st.Components,
		"ruleVersion": st.RuleVersion,
		"rules":       st.Rules,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

type errorBody struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON request body"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace()[strings.IndexByte(fe.Namespace(), '.')+1:])
			}
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "request validation failed", Fields: fields})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return false
	}
	return true
}

// writeError maps the engine's error taxonomy onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	var cerr *domain.ConfigurationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Fields: verr.Fields})
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, domain.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
