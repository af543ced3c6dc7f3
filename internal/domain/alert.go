package domain

import (
	"context"
	"time"
)

// AlertSource is the kind of decision that raised an alert.
type AlertSource string

const (
	SourceScore      AlertSource = "score"
	SourceCompliance AlertSource = "compliance"
)

// AlertState is the lifecycle state of an alert.
type AlertState string

const (
	AlertOpen         AlertState = "open"
	AlertAcknowledged AlertState = "acknowledged"
	AlertResolved     AlertState = "resolved"
)

// Alert is raised when a score or compliance result crosses its threshold.
// States only move forward: open, acknowledged, resolved.
type Alert struct {
	ID        string      `json:"id"`
	SubjectID string      `json:"subjectId"`
	Source    AlertSource `json:"source"`
	Severity  Severity    `json:"severity"`
	State     AlertState  `json:"state"`
	Title     string      `json:"title"`

	// Metadata reflects the latest result that crossed the threshold.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Occurrences counts threshold crossings folded into this alert.
	Occurrences int `json:"occurrences"`

	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// AlertFilter narrows alert listings. Zero fields match everything.
type AlertFilter struct {
	SubjectID string
	Source    AlertSource
	Severity  Severity
	State     AlertState
	From      time.Time
	To        time.Time
	Limit     int
}

// Matches reports whether the alert passes the filter.
func (f AlertFilter) Matches(a *Alert) bool {
	if f.SubjectID != "" && a.SubjectID != f.SubjectID {
		return false
	}
	if f.Source != "" && a.Source != f.Source {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.State != "" && a.State != f.State {
		return false
	}
	if !f.From.IsZero() && a.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !a.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// AlertStats summarises alerts created in a period.
type AlertStats struct {
	Total               int                 `json:"total"`
	ByState             map[AlertState]int  `json:"byState"`
	BySeverity          map[Severity]int    `json:"bySeverity"`
	BySource            map[AlertSource]int `json:"bySource"`
	ResolutionRate      float64             `json:"resolutionRate"`
	MeanResolutionHours float64             `json:"meanResolutionHours"`
}

// AlertStore persists alerts. Implementations must return copies.
type AlertStore interface {
	// FindOpen returns the open alert for (subject, source), or nil if none.
	FindOpen(ctx context.Context, subjectID string, source AlertSource) (*Alert, error)

	// Save inserts or replaces an alert by ID.
	Save(ctx context.Context, alert *Alert) error

	// GetAlert returns an alert by ID or ErrNotFound.
	GetAlert(ctx context.Context, id string) (*Alert, error)

	// ListAlerts returns alerts matching the filter, newest first.
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error)
}
