package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an alert, decision or entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for alert state changes outside Open -> Acknowledged -> Resolved.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrRecorderClosed is returned when recording after the audit recorder is closed.
	ErrRecorderClosed = errors.New("audit recorder closed")
)

// ValidationError reports inputs that cannot be normalized.
type ValidationError struct {
	Fields []string
	Cause  error
}

func (e *ValidationError) Error() string {
	msg := "validation failed"
	if len(e.Fields) > 0 {
		msg += ": missing or invalid " + strings.Join(e.Fields, ", ")
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// RuleEvaluationError reports a rule predicate that failed at evaluation time.
type RuleEvaluationError struct {
	RuleID string
	Cause  error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Cause)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Cause }

// ConfigurationError reports invalid rule or weight definitions, or a missing table.
type ConfigurationError struct {
	// Source names the offending item, e.g. a rule ID, risk type or file path.
	Source string
	Cause  error
}

func (e *ConfigurationError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("configuration: %v", e.Cause)
	}
	return fmt.Sprintf("configuration %s: %v", e.Source, e.Cause)
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// NewConfigError builds a ConfigurationError with a formatted cause.
func NewConfigError(source, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Source: source, Cause: fmt.Errorf(format, args...)}
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsConfiguration reports whether err is or wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var c *ConfigurationError
	return errors.As(err, &c)
}
