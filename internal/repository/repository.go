// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 && cfg.SQLitePath != MemoryPath {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveScore stores a score result. Saving the same decision twice is a no-op.
func (r *SQLRepository) SaveScore(ctx context.Context, res *domain.ScoreResult) error {
	if res.DecisionID == "" {
		return fmt.Errorf("%w: decision id is required", ErrInvalidInput)
	}
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode score: %w", err)
	}

	query := `
		INSERT INTO score_results (
			decision_id, subject_id, risk_type, score, band,
			table_version, computed_at, body
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (decision_id) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		res.DecisionID, res.SubjectID, string(res.RiskType), res.Score, string(res.Band),
		res.TableVersion, res.ComputedAt.UTC(), string(body),
	)
	return err
}

// GetScore retrieves a score result by decision ID.
func (r *SQLRepository) GetScore(ctx context.Context, decisionID string) (*domain.ScoreResult, error) {
	query := `SELECT body FROM score_results WHERE decision_id = ?`
	var res domain.ScoreResult
	if err := r.getBody(ctx, query, &res, decisionID); err != nil {
		return nil, err
	}
	return &res, nil
}

// LatestScore returns the most recent score for a subject and risk type.
func (r *SQLRepository) LatestScore(ctx context.Context, subjectID string, rt domain.RiskType) (*domain.ScoreResult, error) {
	query := `
		SELECT body FROM score_results
		WHERE subject_id = ? AND risk_type = ?
		ORDER BY computed_at DESC
		LIMIT 1
	`
	var res domain.ScoreResult
	if err := r.getBody(ctx, query, &res, subjectID, string(rt)); err != nil {
		return nil, err
	}
	return &res, nil
}

// SaveCompliance stores a compliance result. Saving the same decision twice is a no-op.
func (r *SQLRepository) SaveCompliance(ctx context.Context, res *domain.ComplianceResult) error {
	if res.DecisionID == "" {
		return fmt.Errorf("%w: decision id is required", ErrInvalidInput)
	}
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode compliance result: %w", err)
	}

	query := `
		INSERT INTO compliance_results (
			decision_id, subject_id, region, status, compliance_score,
			rule_set_version, evaluated_at, body
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (decision_id) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		res.DecisionID, res.SubjectID, string(res.Region), string(res.Status), res.ComplianceScore,
		res.RuleSetVersion, res.EvaluatedAt.UTC(), string(body),
	)
	return err
}

// GetCompliance retrieves a compliance result by decision ID.
func (r *SQLRepository) GetCompliance(ctx context.Context, decisionID string) (*domain.ComplianceResult, error) {
	query := `SELECT body FROM compliance_results WHERE decision_id = ?`
	var res domain.ComplianceResult
	if err := r.getBody(ctx, query, &res, decisionID); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *SQLRepository) getBody(ctx context.Context, query string, dst any, args ...any) error {
	var body string
	err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(body), dst); err != nil {
		return fmt.Errorf("failed to decode stored result: %w", err)
	}
	return nil
}

// ListObservations returns score and compliance points recorded at or after since, oldest first.
func (r *SQLRepository) ListObservations(ctx context.Context, since time.Time) ([]domain.Observation, error) {
	var out []domain.Observation

	scores := `
		SELECT decision_id, subject_id, risk_type, score, computed_at
		FROM score_results
		WHERE computed_at >= ?
	`
	if err := r.collectObservations(ctx, scores, since, &out); err != nil {
		return nil, fmt.Errorf("failed to list scores: %w", err)
	}

	compliance := `
		SELECT decision_id, subject_id, '` + string(domain.MetricCompliance) + `', compliance_score, evaluated_at
		FROM compliance_results
		WHERE evaluated_at >= ?
	`
	if err := r.collectObservations(ctx, compliance, since, &out); err != nil {
		return nil, fmt.Errorf("failed to list compliance results: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (r *SQLRepository) collectObservations(ctx context.Context, query string, since time.Time, out *[]domain.Observation) error {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), since.UTC())
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var o domain.Observation
		var metric string
		if err := rows.Scan(&o.DecisionID, &o.SubjectID, &metric, &o.Value, &o.At); err != nil {
			return err
		}
		o.Metric = domain.Metric(metric)
		o.At = o.At.UTC()
		*out = append(*out, o)
	}
	return rows.Err()
}

const alertColumns = `id, subject_id, source, severity, state, title, metadata,
	occurrences, created_at, updated_at, acknowledged_at, resolved_at`

// Save inserts or replaces an alert.
func (r *SQLRepository) Save(ctx context.Context, a *domain.Alert) error {
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode alert metadata: %w", err)
	}

	query := `
		INSERT INTO alerts (` + alertColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			severity = excluded.severity,
			state = excluded.state,
			title = excluded.title,
			metadata = excluded.metadata,
			occurrences = excluded.occurrences,
			updated_at = excluded.updated_at,
			acknowledged_at = excluded.acknowledged_at,
			resolved_at = excluded.resolved_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.SubjectID, string(a.Source), string(a.Severity), string(a.State), a.Title, string(metadata),
		a.Occurrences, a.CreatedAt.UTC(), a.UpdatedAt.UTC(), nullTime(a.AcknowledgedAt), nullTime(a.ResolvedAt),
	)
	return err
}

// FindOpen returns the open alert for a subject and source, or nil.
func (r *SQLRepository) FindOpen(ctx context.Context, subjectID string, source domain.AlertSource) (*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE subject_id = ? AND source = ? AND state = ?`
	a, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), subjectID, string(source), string(domain.AlertOpen)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, id string) (*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = ?`
	a, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAlerts returns alerts matching filter, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, f domain.AlertFilter) ([]*domain.Alert, error) {
	var where []string
	var args []any
	add := func(cond string, arg any) {
		where = append(where, cond)
		args = append(args, arg)
	}
	if f.SubjectID != "" {
		add("subject_id = ?", f.SubjectID)
	}
	if f.Source != "" {
		add("source = ?", string(f.Source))
	}
	if f.Severity != "" {
		add("severity = ?", string(f.Severity))
	}
	if f.State != "" {
		add("state = ?", string(f.State))
	}
	if !f.From.IsZero() {
		add("created_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("created_at < ?", f.To.UTC())
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(s scanner) (*domain.Alert, error) {
	var a domain.Alert
	var source, severity, state string
	var metadata sql.NullString
	var acked, resolved sql.NullTime

	if err := s.Scan(
		&a.ID, &a.SubjectID, &source, &severity, &state, &a.Title, &metadata,
		&a.Occurrences, &a.CreatedAt, &a.UpdatedAt, &acked, &resolved,
	); err != nil {
		return nil, err
	}

	a.Source = domain.AlertSource(source)
	a.Severity = domain.Severity(severity)
	a.State = domain.AlertState(state)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode alert metadata: %w", err)
		}
	}
	if acked.Valid {
		t := acked.Time.UTC()
		a.AcknowledgedAt = &t
	}
	if resolved.Valid {
		t := resolved.Time.UTC()
		a.ResolvedAt = &t
	}
	return &a, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

const auditColumns = `sequence, id, actor, action, subject_id, decision_id,
	before_state, after_state, timestamp, prev_hash, hash`

// AppendAudit stores a sequenced audit entry.
func (r *SQLRepository) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	before, err := encodeState(e.Before)
	if err != nil {
		return err
	}
	after, err := encodeState(e.After)
	if err != nil {
		return err
	}

	query := `INSERT INTO audit_entries (` + auditColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		e.Sequence, e.ID, e.Actor, e.Action, e.SubjectID, e.DecisionID,
		before, after, e.Timestamp.UTC(), e.PrevHash, e.Hash,
	)
	return err
}

// ListAudit returns entries matching filter in sequence order.
func (r *SQLRepository) ListAudit(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, error) {
	var where []string
	var args []any
	if f.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if !f.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, f.To.UTC())
	}

	query := `SELECT ` + auditColumns + ` FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY sequence"

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastAudit returns the most recent audit entry, or nil when the log is empty.
func (r *SQLRepository) LastAudit(ctx context.Context) (*domain.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_entries ORDER BY sequence DESC LIMIT 1`
	e, err := scanAudit(r.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func scanAudit(s scanner) (*domain.AuditEntry, error) {
	var e domain.AuditEntry
	var decisionID, before, after sql.NullString
	if err := s.Scan(
		&e.Sequence, &e.ID, &e.Actor, &e.Action, &e.SubjectID, &decisionID,
		&before, &after, &e.Timestamp, &e.PrevHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	e.DecisionID = decisionID.String
	e.Timestamp = e.Timestamp.UTC()
	var err error
	if e.Before, err = decodeState(before); err != nil {
		return nil, err
	}
	if e.After, err = decodeState(after); err != nil {
		return nil, err
	}
	return &e, nil
}

func encodeState(m map[string]string) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode audit state: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeState(s sql.NullString) (map[string]string, error) {
	if !s.Valid {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("failed to decode audit state: %w", err)
	}
	return m, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
