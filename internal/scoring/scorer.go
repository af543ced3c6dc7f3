// Package scoring computes weighted, explainable risk scores from feature vectors.
package scoring

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
)

// TableSet is one immutable generation of weight tables.
type TableSet struct {
	version  int64
	loadedAt time.Time
	tables   map[domain.RiskType]*Table
}

// Version increases by one on every successful reload.
func (s *TableSet) Version() int64 { return s.version }

// Table returns the table for a risk type.
func (s *TableSet) Table(rt domain.RiskType) (*Table, bool) {
	t, ok := s.tables[rt]
	return t, ok
}

// RiskTypes returns the risk types that have a table, in canonical order.
func (s *TableSet) RiskTypes() []domain.RiskType {
	var out []domain.RiskType
	for _, rt := range domain.RiskTypes {
		if _, ok := s.tables[rt]; ok {
			out = append(out, rt)
		}
	}
	return out
}

// Scorer scores vectors against the active TableSet. Score is pure and safe
// for concurrent use; Reload swaps the table set atomically.
type Scorer struct {
	reloadMu sync.Mutex
	current  atomic.Pointer[TableSet]
}

// NewScorer compiles specs into the initial table set.
func NewScorer(specs []TableSpec) (*Scorer, error) {
	s := &Scorer{}
	s.current.Store(&TableSet{tables: map[domain.RiskType]*Table{}})
	if _, err := s.Reload(specs); err != nil {
		return nil, err
	}
	return s, nil
}

// Tables returns the active table set.
func (s *Scorer) Tables() *TableSet { return s.current.Load() }

// Reload validates specs and activates them. On error the active tables stay in effect.
func (s *Scorer) Reload(specs []TableSpec) (*TableSet, error) {
	tables := make(map[domain.RiskType]*Table, len(specs))
	for _, spec := range specs {
		t, err := compileTable(spec)
		if err != nil {
			return nil, err
		}
		if _, dup := tables[t.riskType]; dup {
			return nil, domain.NewConfigError(string(t.riskType), "duplicate table")
		}
		tables[t.riskType] = t
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	next := &TableSet{
		version:  s.current.Load().version + 1,
		loadedAt: time.Now(),
		tables:   tables,
	}
	s.current.Store(next)
	return next, nil
}

// Score computes the risk score of v for rt.
//
// Only observed features participate and their weights are renormalised to
// sum to one, so a missing feature neither zeroes nor inflates the score.
// Each factor's contribution is accumulated into the score as it is
// computed, so the contributions always add up to Score - BaseOffset.
func (s *Scorer) Score(rt domain.RiskType, v *domain.FeatureVector) (*domain.ScoreResult, error) {
	set := s.current.Load()
	table, ok := set.tables[rt]
	if !ok {
		return nil, domain.NewConfigError(string(rt), "no weight table for risk type")
	}

	type term struct {
		feature    string
		weight     float64
		normalized float64
	}
	terms := make([]term, 0, len(table.factors))
	var excluded []string
	var usable, total float64

	for _, f := range table.factors {
		total += f.weight
		val, ok := v.Get(f.feature)
		if !ok || !val.Observed {
			excluded = append(excluded, f.feature)
			continue
		}
		n, err := f.norm.normalize(val)
		if err != nil {
			excluded = append(excluded, f.feature)
			continue
		}
		terms = append(terms, term{feature: f.feature, weight: f.weight, normalized: n})
		usable += f.weight
	}

	result := &domain.ScoreResult{
		SubjectID:     v.SubjectID,
		RiskType:      rt,
		BaseOffset:    table.baseOffset,
		Excluded:      excluded,
		Contributions: make([]domain.Contribution, 0, len(terms)),
		TableVersion:  set.version,
		ComputedAt:    v.SnapshotAt,
	}

	span := 100 - table.baseOffset
	score := table.baseOffset
	for _, t := range terms {
		w := t.weight / usable
		c := span * w * t.normalized
		score += c
		result.Contributions = append(result.Contributions, domain.Contribution{
			Feature:      t.feature,
			Weight:       w,
			Normalized:   t.normalized,
			Contribution: c,
		})
	}
	if total > 0 {
		result.Coverage = usable / total
	}

	sort.SliceStable(result.Contributions, func(i, j int) bool {
		return math.Abs(result.Contributions[i].Contribution) > math.Abs(result.Contributions[j].Contribution)
	})

	result.Score = score
	result.Band = domain.BandFor(score)
	if recs := table.guidance[result.Band]; len(recs) > 0 {
		result.Recommendations = append([]string(nil), recs...)
	}
	return result, nil
}

type tableFile struct {
	Tables []TableSpec `yaml:"tables"`
}

// ParseTables decodes a weight table document with a top-level "tables" key.
func ParseTables(data []byte) ([]TableSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f tableFile
	if err := dec.Decode(&f); err != nil {
		return nil, &domain.ConfigurationError{Cause: fmt.Errorf("parse weight tables: %w", err)}
	}
	return f.Tables, nil
}

// LoadTables reads a weight table file.
func LoadTables(path string) ([]TableSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigurationError{Source: path, Cause: err}
	}
	specs, err := ParseTables(data)
	var ce *domain.ConfigurationError
	if errors.As(err, &ce) {
		ce.Source = path
	}
	return specs, err
}
