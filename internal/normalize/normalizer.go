package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
)

// RawAnalysis is the opaque output of the document-analysis collaborator.
type RawAnalysis map[string]any

// RawFields are user-submitted assessment fields. They override analysis values.
type RawFields map[string]any

// Reserved field names that identify the subject rather than describe it.
const (
	FieldSubjectID  = "subject_id"
	FieldRegion     = "region"
	FieldSnapshotAt = "snapshot_at"
)

var reserved = map[string]bool{FieldSubjectID: true, FieldRegion: true, FieldSnapshotAt: true}

type identity struct {
	SubjectID string `json:"subject_id" validate:"required"`
	Region    string `json:"region" validate:"required,oneof=US EU UK APAC"`
}

// Normalizer builds FeatureVectors against a Schema. It is safe for concurrent use.
type Normalizer struct {
	schema   *Schema
	validate *validator.Validate
	now      func() time.Time
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock sets the clock used when the input carries no snapshot time.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// New creates a normalizer. A nil schema selects DefaultSchema.
func New(schema *Schema, opts ...Option) *Normalizer {
	if schema == nil {
		schema = DefaultSchema()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})
	n := &Normalizer{schema: schema, validate: v, now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Schema returns the declared features.
func (n *Normalizer) Schema() *Schema { return n.schema }

// Normalize converts raw inputs into a FeatureVector. Missing or unparseable
// features are defaulted and out-of-range numbers are clamped; the only
// failure is a missing or invalid subject_id or region.
func (n *Normalizer) Normalize(raw RawAnalysis, fields RawFields) (*domain.FeatureVector, error) {
	id := identity{
		SubjectID: strings.TrimSpace(lookupString(fields, raw, FieldSubjectID)),
		Region:    strings.ToUpper(strings.TrimSpace(lookupString(fields, raw, FieldRegion))),
	}
	if err := n.validate.Struct(id); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			names := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				names = append(names, fe.Field())
			}
			return nil, &domain.ValidationError{Fields: names}
		}
		return nil, &domain.ValidationError{Cause: err}
	}
	region, _ := domain.ParseRegion(id.Region)

	candidates := collect(raw, fields)

	features := make(map[string]domain.Value, len(candidates))
	var clamped []domain.ClampRecord
	var defaulted []string

	for _, spec := range n.schema.specs {
		rv, present := candidates[spec.Name]
		delete(candidates, spec.Name)

		val, rec, ok := coerce(spec, rv, present)
		if !ok {
			features[spec.Name] = spec.Default
			defaulted = append(defaulted, spec.Name)
			continue
		}
		if rec != nil {
			clamped = append(clamped, *rec)
		}
		features[spec.Name] = val
	}

	// Undeclared features pass through unclamped.
	for name, rv := range candidates {
		if val, ok := infer(rv); ok {
			features[name] = val
		}
	}

	return domain.NewFeatureVector(id.SubjectID, region, n.snapshot(raw, fields), features, clamped, defaulted), nil
}

func (n *Normalizer) snapshot(raw RawAnalysis, fields RawFields) time.Time {
	for _, m := range []map[string]any{fields, raw} {
		switch v := m[FieldSnapshotAt].(type) {
		case time.Time:
			return v
		case string:
			if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v)); err == nil {
				return t
			}
		}
	}
	return n.now()
}

// collect flattens analysis output, its extracted fields and user fields into
// one candidate map. Later sources override earlier ones.
func collect(raw RawAnalysis, fields RawFields) map[string]any {
	out := make(map[string]any)

	for k, v := range raw {
		if !reserved[k] {
			if _, nested := v.(map[string]any); !nested {
				out[k] = v
			}
		}
	}
	delete(out, "entities")
	delete(out, "sentiment")
	delete(out, "classification")
	delete(out, "category")

	if v, ok := sentiment(raw); ok {
		out["sentiment_score"] = v
	}
	if _, ok := out["entity_count"]; !ok {
		if ents, ok := raw["entities"].([]any); ok {
			out["entity_count"] = len(ents)
		}
	}
	if _, ok := out["document_class"]; !ok {
		if v, ok := path(raw, "classification", "category"); ok {
			out["document_class"] = v
		} else if v, ok := raw["category"]; ok {
			out["document_class"] = v
		}
	}
	if _, ok := out["classification_confidence"]; !ok {
		if v, ok := path(raw, "classification", "confidence"); ok {
			out["classification_confidence"] = v
		}
	}

	for _, key := range []string{"fields", "extracted_fields"} {
		if m, ok := raw[key].(map[string]any); ok {
			for k, v := range m {
				if !reserved[k] {
					out[k] = v
				}
			}
		}
	}

	for k, v := range fields {
		if !reserved[k] {
			out[k] = v
		}
	}
	return out
}

func sentiment(raw RawAnalysis) (any, bool) {
	if v, ok := raw["sentiment_score"]; ok {
		return v, true
	}
	switch s := raw["sentiment"].(type) {
	case nil:
		return nil, false
	case map[string]any:
		if v, ok := s["score"]; ok {
			return v, true
		}
		pos, pok := path(s, "scores", "positive")
		neg, nok := path(s, "scores", "negative")
		if pok && nok {
			p, ok1 := parseNumber(pos)
			q, ok2 := parseNumber(neg)
			if ok1 && ok2 {
				return p - q, true
			}
		}
		return nil, false
	default:
		return s, true
	}
}

func path(m map[string]any, keys ...string) (any, bool) {
	var cur any = m
	for _, k := range keys {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func lookupString(fields RawFields, raw RawAnalysis, key string) string {
	for _, m := range []map[string]any{fields, raw} {
		switch v := m[key].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v
			}
		case nil:
		default:
			return fmt.Sprint(v)
		}
	}
	return ""
}

// coerce parses rv according to spec. ok is false when the value is missing
// or cannot be interpreted as the declared kind.
func coerce(spec FeatureSpec, rv any, present bool) (domain.Value, *domain.ClampRecord, bool) {
	if !present || rv == nil {
		return domain.Value{}, nil, false
	}
	switch spec.Kind {
	case domain.KindNumber:
		f, ok := parseNumber(rv)
		if !ok {
			return domain.Value{}, nil, false
		}
		c := clamp(f, spec.Min, spec.Max)
		if c != f {
			return domain.Number(c), &domain.ClampRecord{Feature: spec.Name, Original: f, Clamped: c}, true
		}
		return domain.Number(f), nil, true
	case domain.KindBool:
		b, ok := parseBool(rv)
		if !ok {
			return domain.Value{}, nil, false
		}
		return domain.Bool(b), nil, true
	default:
		s, ok := rv.(string)
		if !ok {
			return domain.Value{}, nil, false
		}
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || !spec.allows(s) {
			return domain.Value{}, nil, false
		}
		return domain.Category(s), nil, true
	}
}

func infer(rv any) (domain.Value, bool) {
	switch v := rv.(type) {
	case bool:
		return domain.Bool(v), true
	case string:
		return domain.Category(strings.TrimSpace(v)), true
	}
	if f, ok := parseNumber(rv); ok {
		return domain.Number(f), true
	}
	return domain.Value{}, false
}

// parseNumber accepts Go numeric types, json.Number, decimal and numeric
// strings. Thousands separators and surrounding space are ignored.
func parseNumber(rv any) (float64, bool) {
	var f float64
	switch v := rv.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int8:
		f = float64(v)
	case int16:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint:
		f = float64(v)
	case uint8:
		f = float64(v)
	case uint16:
		f = float64(v)
	case uint32:
		f = float64(v)
	case uint64:
		f = float64(v)
	case decimal.Decimal:
		f = v.InexactFloat64()
	case json.Number:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return 0, false
		}
		f = d.InexactFloat64()
	case string:
		s := strings.NewReplacer(",", "", "_", "", " ", "").Replace(strings.TrimSpace(v))
		if s == "" {
			return 0, false
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return 0, false
		}
		f = d.InexactFloat64()
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func parseBool(rv any) (bool, bool) {
	switch v := rv.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "yes", "y":
			return true, true
		case "no", "n":
			return false, true
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return b, err == nil
	}
	if f, ok := parseNumber(rv); ok {
		return f != 0, true
	}
	return false, false
}
