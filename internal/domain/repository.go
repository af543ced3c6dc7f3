// Package domain defines the core interfaces and types of the risk engine.
package domain

import (
	"context"
	"time"
)

// Repository persists decisions, alerts and the audit log.
type Repository interface {
	AlertStore
	AuditSink

	SaveScore(ctx context.Context, result *ScoreResult) error
	GetScore(ctx context.Context, decisionID string) (*ScoreResult, error)

	// LatestScore returns the most recent score for (subject, risk type) or ErrNotFound.
	LatestScore(ctx context.Context, subjectID string, riskType RiskType) (*ScoreResult, error)

	SaveCompliance(ctx context.Context, result *ComplianceResult) error
	GetCompliance(ctx context.Context, decisionID string) (*ComplianceResult, error)

	// ListObservations returns trend points recorded at or after since, oldest first.
	ListObservations(ctx context.Context, since time.Time) ([]Observation, error)

	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)

	// LastAudit returns the entry with the highest sequence, or nil if the log is empty.
	LastAudit(ctx context.Context) (*AuditEntry, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "none".
	Driver string `koanf:"driver"`

	SQLitePath string `koanf:"sqlite_path"`

	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     int    `koanf:"postgres_port"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresDB       string `koanf:"postgres_db"`
	PostgresSSLMode  string `koanf:"postgres_ssl_mode"`

	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}
