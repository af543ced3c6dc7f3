package domain

import (
	"context"
	"time"
)

// Audit actions.
const (
	ActionScoreComputed       = "score.computed"
	ActionComplianceEvaluated = "compliance.evaluated"
	ActionAlertCreated        = "alert.created"
	ActionAlertUpdated        = "alert.updated"
	ActionAlertAcknowledged   = "alert.acknowledged"
	ActionAlertResolved       = "alert.resolved"
	ActionAlertEscalated      = "alert.escalated"
)

// ActorEngine is recorded for decisions made by the engine itself.
const ActorEngine = "engine"

// AuditEntry is an immutable record of one decision or alert transition.
// ID, Sequence, Timestamp, PrevHash and Hash are assigned by the recorder.
type AuditEntry struct {
	ID         string            `json:"id"`
	Sequence   int64             `json:"sequence"`
	Actor      string            `json:"actor"`
	Action     string            `json:"action"`
	SubjectID  string            `json:"subjectId"`
	DecisionID string            `json:"decisionId,omitempty"`
	Before     map[string]string `json:"before,omitempty"`
	After      map[string]string `json:"after,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	PrevHash   string            `json:"prevHash"`
	Hash       string            `json:"hash"`
}

// AuditFilter selects entries by subject and half-open time range [From, To).
// Zero fields match everything.
type AuditFilter struct {
	SubjectID string
	From      time.Time
	To        time.Time
}

// Matches reports whether the entry passes the filter.
func (f AuditFilter) Matches(e *AuditEntry) bool {
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// AuditSink receives entries after the recorder has sequenced them.
type AuditSink interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
}
