package domain

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Region is the jurisdiction a subject is assessed under.
type Region string

const (
	RegionUS   Region = "US"
	RegionEU   Region = "EU"
	RegionUK   Region = "UK"
	RegionAPAC Region = "APAC"

	// RegionGlobal is only valid on rules; it applies to every subject region.
	RegionGlobal Region = "GLOBAL"
)

// SubjectRegions lists the regions a FeatureVector may carry.
var SubjectRegions = []Region{RegionUS, RegionEU, RegionUK, RegionAPAC}

// ParseRegion validates a subject region.
func ParseRegion(s string) (Region, bool) {
	for _, r := range SubjectRegions {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// ValidRuleRegion reports whether r may be used as a rule's region.
func ValidRuleRegion(r Region) bool {
	if r == RegionGlobal {
		return true
	}
	_, ok := ParseRegion(string(r))
	return ok
}

// ValueKind is the type tag of a feature Value.
type ValueKind string

const (
	KindNumber   ValueKind = "number"
	KindCategory ValueKind = "category"
	KindBool     ValueKind = "bool"
)

// UnknownCategory is the default for categorical features that are missing or invalid.
const UnknownCategory = "unknown"

// Value is a single normalized feature value.
type Value struct {
	Kind ValueKind `json:"kind"`
	Num  float64   `json:"num,omitempty"`
	Str  string    `json:"str,omitempty"`
	Bool bool      `json:"bool,omitempty"`

	// Observed is false when the normalizer filled the value with a default.
	Observed bool `json:"observed"`
}

// Number returns an observed numeric value.
func Number(v float64) Value { return Value{Kind: KindNumber, Num: v, Observed: true} }

// Category returns an observed categorical value.
func Category(s string) Value { return Value{Kind: KindCategory, Str: s, Observed: true} }

// Bool returns an observed boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b, Observed: true} }

// Native returns the Go value used by rule predicates (float64, string or bool).
func (v Value) Native() any {
	switch v.Kind {
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	default:
		return v.Str
	}
}

// String renders the value for audit summaries.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

// ClampRecord notes a numeric value forced into its declared domain.
type ClampRecord struct {
	Feature  string  `json:"feature"`
	Original float64 `json:"original"`
	Clamped  float64 `json:"clamped"`
}

func (c ClampRecord) String() string {
	return fmt.Sprintf("%s:%g->%g", c.Feature, c.Original, c.Clamped)
}

// FeatureVector is the canonical representation of a subject at a snapshot.
// It is immutable once built; all accessors return copies.
type FeatureVector struct {
	SubjectID  string    `json:"subjectId"`
	Region     Region    `json:"region"`
	SnapshotAt time.Time `json:"snapshotAt"`

	features  map[string]Value
	clamped   []ClampRecord
	defaulted []string
}

// NewFeatureVector builds a vector, copying the supplied map and records.
func NewFeatureVector(subjectID string, region Region, snapshotAt time.Time, features map[string]Value, clamped []ClampRecord, defaulted []string) *FeatureVector {
	fs := make(map[string]Value, len(features))
	for k, v := range features {
		fs[k] = v
	}
	d := append([]string(nil), defaulted...)
	sort.Strings(d)
	return &FeatureVector{
		SubjectID:  subjectID,
		Region:     region,
		SnapshotAt: snapshotAt.UTC(),
		features:   fs,
		clamped:    append([]ClampRecord(nil), clamped...),
		defaulted:  d,
	}
}

// Get returns the named feature.
func (v *FeatureVector) Get(name string) (Value, bool) {
	val, ok := v.features[name]
	return val, ok
}

// Has reports whether the feature exists in the vector, observed or defaulted.
func (v *FeatureVector) Has(name string) bool {
	_, ok := v.features[name]
	return ok
}

// Observed reports whether the feature exists and was supplied by the input.
func (v *FeatureVector) Observed(name string) bool {
	val, ok := v.features[name]
	return ok && val.Observed
}

// Number returns a numeric feature.
func (v *FeatureVector) Number(name string) (float64, bool) {
	val, ok := v.features[name]
	if !ok || val.Kind != KindNumber {
		return 0, false
	}
	return val.Num, true
}

// Category returns a categorical feature.
func (v *FeatureVector) Category(name string) (string, bool) {
	val, ok := v.features[name]
	if !ok || val.Kind != KindCategory {
		return "", false
	}
	return val.Str, true
}

// Bool returns a boolean feature.
func (v *FeatureVector) Bool(name string) (bool, bool) {
	val, ok := v.features[name]
	if !ok || val.Kind != KindBool {
		return false, false
	}
	return val.Bool, true
}

// Names returns the feature names in sorted order.
func (v *FeatureVector) Names() []string {
	names := make([]string, 0, len(v.features))
	for k := range v.features {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Features returns a copy of the feature map.
func (v *FeatureVector) Features() map[string]Value {
	out := make(map[string]Value, len(v.features))
	for k, val := range v.features {
		out[k] = val
	}
	return out
}

// Clamped returns the clamping records produced during normalization.
func (v *FeatureVector) Clamped() []ClampRecord {
	return append([]ClampRecord(nil), v.clamped...)
}

// Defaulted returns the names of features filled with a default.
func (v *FeatureVector) Defaulted() []string {
	return append([]string(nil), v.defaulted...)
}

// Activation returns the variables exposed to rule expressions: every feature as a
// top-level variable, the full map under "features", plus region and subject_id.
func (v *FeatureVector) Activation() map[string]any {
	features := make(map[string]any, len(v.features))
	act := make(map[string]any, len(v.features)+3)
	for k, val := range v.features {
		features[k] = val.Native()
		act[k] = val.Native()
	}
	act["features"] = features
	act["region"] = string(v.Region)
	act["subject_id"] = v.SubjectID
	return act
}
