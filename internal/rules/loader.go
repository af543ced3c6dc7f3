package rules

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
)

// ParseDefinitions decodes a rule document. The document is either a mapping
// with a "rules" key or a bare sequence of definitions; JSON is accepted as
// the YAML subset it is. Unknown keys are rejected.
func ParseDefinitions(data []byte) ([]domain.RuleDefinition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(trimmed))
	dec.KnownFields(true)

	if trimmed[0] == '-' || trimmed[0] == '[' {
		var defs []domain.RuleDefinition
		if err := dec.Decode(&defs); err != nil {
			return nil, &domain.ConfigurationError{Cause: fmt.Errorf("parse rules: %w", err)}
		}
		return defs, nil
	}

	var set domain.RuleSet
	if err := dec.Decode(&set); err != nil {
		return nil, &domain.ConfigurationError{Cause: fmt.Errorf("parse rules: %w", err)}
	}
	return set.Rules, nil
}

// LoadFile reads and decodes a rule file.
func LoadFile(path string) ([]domain.RuleDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigurationError{Source: path, Cause: err}
	}
	defs, err := ParseDefinitions(data)
	var ce *domain.ConfigurationError
	if errors.As(err, &ce) {
		ce.Source = path
	}
	return defs, err
}

// ReloadFile loads path and activates it on the registry.
func (r *Registry) ReloadFile(path string) (*Snapshot, error) {
	defs, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return r.Reload(defs)
}
