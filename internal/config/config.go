// Package config loads riskd configuration from defaults, a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
)

// EnvPrefix prefixes every environment override. Nested keys are separated by
// a double underscore, e.g. RISK_ENGINE__RULES_PATH.
const EnvPrefix = "RISK_"

// EnvKey maps an environment variable name to a config key.
func EnvKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Load builds the configuration. Defaults come from the profile named in the
// file or environment; path may be empty.
func Load(path string) (*domain.Config, error) {
	overlay := koanf.New(".")
	if path != "" {
		if err := overlay.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, &domain.ConfigurationError{Source: path, Cause: err}
		}
	}
	if err := overlay.Load(env.Provider(EnvPrefix, ".", EnvKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	defaults := domain.DefaultConfig()
	if domain.Profile(overlay.String("profile")) == domain.ProfileDistributed {
		defaults = domain.DistributedConfig()
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if err := k.Merge(overlay); err != nil {
		return nil, fmt.Errorf("merging overrides: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, &domain.ConfigurationError{Source: "config", Cause: err}
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks adapter names and numeric ranges.
func Validate(cfg *domain.Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(cfg.Profile == domain.ProfileStandalone || cfg.Profile == domain.ProfileDistributed,
		"unknown profile %q", cfg.Profile)
	check(cfg.Server.Port > 0 && cfg.Server.Port < 65536, "server.port %d out of range", cfg.Server.Port)
	check(cfg.Repository.Driver == "sqlite" || cfg.Repository.Driver == "postgres" || cfg.Repository.Driver == "none",
		"unknown repository.driver %q", cfg.Repository.Driver)
	check(cfg.Cache.Type == "memory" || cfg.Cache.Type == "redis", "unknown cache.type %q", cfg.Cache.Type)
	check(cfg.EventBus.Type == "channel" || cfg.EventBus.Type == "nats", "unknown event_bus.type %q", cfg.EventBus.Type)
	check(cfg.Engine.BatchConcurrency > 0, "engine.batch_concurrency must be positive")
	check(cfg.Engine.AuditQueueSize > 0, "engine.audit_queue_size must be positive")
	check(cfg.Engine.ReviewInterval > 0, "engine.review_interval must be positive")
	_, lerr := ParseLevel(cfg.Logging.Level)
	check(lerr == nil, "unknown logging.level %q", cfg.Logging.Level)
	check(cfg.Logging.Format == "json" || cfg.Logging.Format == "text", "unknown logging.format %q", cfg.Logging.Format)

	if len(errs) > 0 {
		return &domain.ConfigurationError{Source: "config", Cause: errors.Join(errs...)}
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q", level)
	}
}

// NewLogger builds the process logger from the logging settings.
func NewLogger(cfg domain.LoggingConfig) *slog.Logger {
	level, _ := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
