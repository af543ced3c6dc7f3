package scoring

import (
	"fmt"
	"math"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
)

// Normalizer types.
const (
	NormalizeMinMax      = "minmax"
	NormalizeCategorical = "categorical"
	NormalizeBoolean     = "boolean"
)

// TableSpec is the declarative form of a per-risk-type weight table.
type TableSpec struct {
	RiskType   domain.RiskType `yaml:"risk_type" json:"riskType"`
	BaseOffset float64         `yaml:"base_offset" json:"baseOffset"`
	Factors    []FactorSpec    `yaml:"factors" json:"factors"`

	// Guidance lists recommendations attached to results in each band.
	Guidance map[domain.Band][]string `yaml:"guidance,omitempty" json:"guidance,omitempty"`
}

// FactorSpec weights one feature and declares how it maps into [0,1].
type FactorSpec struct {
	Feature    string         `yaml:"feature" json:"feature"`
	Weight     float64        `yaml:"weight" json:"weight"`
	Normalizer NormalizerSpec `yaml:"normalizer" json:"normalizer"`
}

// NormalizerSpec selects and parameterises a normalizer.
type NormalizerSpec struct {
	Type string `yaml:"type" json:"type"`

	// minmax
	Min    float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max    float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Invert bool    `yaml:"invert,omitempty" json:"invert,omitempty"`

	// categorical
	Values  map[string]float64 `yaml:"values,omitempty" json:"values,omitempty"`
	Default float64            `yaml:"default,omitempty" json:"default,omitempty"`

	// boolean; nil means 1 for true and 0 for false
	True  *float64 `yaml:"true,omitempty" json:"true,omitempty"`
	False *float64 `yaml:"false,omitempty" json:"false,omitempty"`
}

// normalizer maps a feature value into [0,1].
type normalizer interface {
	normalize(v domain.Value) (float64, error)
}

type minMax struct {
	min, max float64
	invert   bool
}

func (m minMax) normalize(v domain.Value) (float64, error) {
	if v.Kind != domain.KindNumber {
		return 0, fmt.Errorf("minmax needs a number, got %s", v.Kind)
	}
	n := (v.Num - m.min) / (m.max - m.min)
	n = math.Max(0, math.Min(1, n))
	if m.invert {
		n = 1 - n
	}
	return n, nil
}

type categorical struct {
	values map[string]float64
	def    float64
}

func (c categorical) normalize(v domain.Value) (float64, error) {
	if v.Kind != domain.KindCategory {
		return 0, fmt.Errorf("categorical needs a category, got %s", v.Kind)
	}
	if n, ok := c.values[v.Str]; ok {
		return n, nil
	}
	return c.def, nil
}

type boolean struct {
	t, f float64
}

func (b boolean) normalize(v domain.Value) (float64, error) {
	if v.Kind != domain.KindBool {
		return 0, fmt.Errorf("boolean needs a bool, got %s", v.Kind)
	}
	if v.Bool {
		return b.t, nil
	}
	return b.f, nil
}

type factor struct {
	feature string
	weight  float64
	norm    normalizer
}

// Table is a compiled weight table.
type Table struct {
	riskType   domain.RiskType
	baseOffset float64
	factors    []factor
	guidance   map[domain.Band][]string
}

// RiskType returns the risk type the table scores.
func (t *Table) RiskType() domain.RiskType { return t.riskType }

// BaseOffset returns the score floor.
func (t *Table) BaseOffset() float64 { return t.baseOffset }

// Features returns the weighted features in table order.
func (t *Table) Features() []string {
	out := make([]string, len(t.factors))
	for i, f := range t.factors {
		out[i] = f.feature
	}
	return out
}

func unit(name string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%s must be in [0,1], got %g", name, v)
	}
	return nil
}

func compileNormalizer(s NormalizerSpec) (normalizer, error) {
	switch s.Type {
	case NormalizeMinMax:
		if math.IsNaN(s.Min) || math.IsNaN(s.Max) || math.IsInf(s.Min, 0) || math.IsInf(s.Max, 0) || s.Max <= s.Min {
			return nil, fmt.Errorf("minmax needs min < max, got [%g, %g]", s.Min, s.Max)
		}
		return minMax{min: s.Min, max: s.Max, invert: s.Invert}, nil

	case NormalizeCategorical:
		if len(s.Values) == 0 {
			return nil, fmt.Errorf("categorical needs values")
		}
		values := make(map[string]float64, len(s.Values))
		for k, v := range s.Values {
			if err := unit("value "+k, v); err != nil {
				return nil, err
			}
			values[k] = v
		}
		if err := unit("default", s.Default); err != nil {
			return nil, err
		}
		return categorical{values: values, def: s.Default}, nil

	case NormalizeBoolean:
		b := boolean{t: 1, f: 0}
		if s.True != nil {
			b.t = *s.True
		}
		if s.False != nil {
			b.f = *s.False
		}
		if err := unit("true", b.t); err != nil {
			return nil, err
		}
		if err := unit("false", b.f); err != nil {
			return nil, err
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unknown normalizer %q", s.Type)
	}
}

func compileTable(s TableSpec) (*Table, error) {
	source := string(s.RiskType)
	if _, err := domain.ParseRiskType(source); err != nil {
		return nil, &domain.ConfigurationError{Source: "table", Cause: err}
	}
	if math.IsNaN(s.BaseOffset) || s.BaseOffset < 0 || s.BaseOffset >= 100 {
		return nil, domain.NewConfigError(source, "base_offset must be in [0,100), got %g", s.BaseOffset)
	}
	if len(s.Factors) == 0 {
		return nil, domain.NewConfigError(source, "table has no factors")
	}

	t := &Table{
		riskType:   s.RiskType,
		baseOffset: s.BaseOffset,
		factors:    make([]factor, 0, len(s.Factors)),
		guidance:   make(map[domain.Band][]string, len(s.Guidance)),
	}
	seen := make(map[string]bool, len(s.Factors))
	for _, f := range s.Factors {
		if f.Feature == "" {
			return nil, domain.NewConfigError(source, "factor feature is required")
		}
		if seen[f.Feature] {
			return nil, domain.NewConfigError(source, "duplicate factor %q", f.Feature)
		}
		seen[f.Feature] = true
		if math.IsNaN(f.Weight) || math.IsInf(f.Weight, 0) || f.Weight <= 0 {
			return nil, domain.NewConfigError(source, "factor %q: weight must be positive, got %g", f.Feature, f.Weight)
		}
		norm, err := compileNormalizer(f.Normalizer)
		if err != nil {
			return nil, domain.NewConfigError(source, "factor %q: %w", f.Feature, err)
		}
		t.factors = append(t.factors, factor{feature: f.Feature, weight: f.Weight, norm: norm})
	}
	for band, recs := range s.Guidance {
		switch band {
		case domain.BandLow, domain.BandMedium, domain.BandHigh, domain.BandCritical:
		default:
			return nil, domain.NewConfigError(source, "guidance for unknown band %q", band)
		}
		t.guidance[band] = append([]string(nil), recs...)
	}
	return t, nil
}
