package normalize

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	return New(nil, WithClock(func() time.Time { return fixedNow }))
}

func TestNormalizeRequiredFields(t *testing.T) {
	n := newTestNormalizer()

	tests := []struct {
		name   string
		fields RawFields
		want   []string
	}{
		{"missing subject", RawFields{"region": "US"}, []string{"subject_id"}},
		{"missing region", RawFields{"subject_id": "s-1"}, []string{"region"}},
		{"invalid region", RawFields{"subject_id": "s-1", "region": "MARS"}, []string{"region"}},
		{"missing both", RawFields{}, []string{"subject_id", "region"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(nil, tt.fields)
			require.Error(t, err)

			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.ElementsMatch(t, tt.want, verr.Fields)
		})
	}
}

func TestNormalizeRegionCase(t *testing.T) {
	n := newTestNormalizer()
	v, err := n.Normalize(nil, RawFields{"subject_id": "s-1", "region": " eu "})
	require.NoError(t, err)
	assert.Equal(t, domain.RegionEU, v.Region)
}

func TestNormalizeDefaults(t *testing.T) {
	n := newTestNormalizer()
	v, err := n.Normalize(nil, RawFields{"subject_id": "s-1", "region": "US"})
	require.NoError(t, err)

	assert.Equal(t, fixedNow, v.SnapshotAt)
	assert.Len(t, v.Defaulted(), len(DefaultSchema().Specs()))

	amt, ok := v.Get("transaction_amount")
	require.True(t, ok)
	assert.Equal(t, 0.0, amt.Num)
	assert.False(t, amt.Observed)

	class, _ := v.Category("document_class")
	assert.Equal(t, domain.UnknownCategory, class)

	consent, ok := v.Bool("consent_flag")
	require.True(t, ok)
	assert.False(t, consent)
	assert.False(t, v.Observed("consent_flag"))
}

func TestNormalizeClamping(t *testing.T) {
	n := newTestNormalizer()
	v, err := n.Normalize(RawAnalysis{"sentiment_score": -3.5}, RawFields{
		"subject_id":         "s-1",
		"region":             "US",
		"credit_exposure":    1.7,
		"transaction_amount": 5000,
	})
	require.NoError(t, err)

	s, _ := v.Number("sentiment_score")
	assert.Equal(t, -1.0, s)
	c, _ := v.Number("credit_exposure")
	assert.Equal(t, 1.0, c)

	assert.ElementsMatch(t, []domain.ClampRecord{
		{Feature: "sentiment_score", Original: -3.5, Clamped: -1},
		{Feature: "credit_exposure", Original: 1.7, Clamped: 1},
	}, v.Clamped())
	assert.True(t, v.Observed("sentiment_score"))
}

func TestNormalizeNumberFormats(t *testing.T) {
	n := newTestNormalizer()

	tests := []struct {
		name string
		in   any
		want float64
		ok   bool
	}{
		{"int", 1000000, 1e6, true},
		{"float", 12.5, 12.5, true},
		{"json number", json.Number("250000.75"), 250000.75, true},
		{"thousands separators", "1,000,000.50", 1000000.5, true},
		{"garbage", "lots", 0, false},
		{"bool", true, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := n.Normalize(nil, RawFields{"subject_id": "s-1", "region": "US", "transaction_amount": tt.in})
			require.NoError(t, err)
			got, _ := v.Number("transaction_amount")
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.Equal(t, tt.ok, v.Observed("transaction_amount"))
		})
	}
}

func TestNormalizeAnalysisExtraction(t *testing.T) {
	n := newTestNormalizer()

	raw := RawAnalysis{
		"sentiment": map[string]any{
			"scores": map[string]any{"positive": 0.1, "negative": 0.7},
		},
		"entities": []any{"ACME Corp", "John Doe", "EUR"},
		"classification": map[string]any{
			"category":   "Financial_Report",
			"confidence": 0.92,
		},
		"fields": map[string]any{
			"transaction_amount": "250,000",
			"counterparty":       "ACME Corp",
		},
	}
	v, err := n.Normalize(raw, RawFields{"subject_id": "s-1", "region": "UK", "transaction_amount": 300000})
	require.NoError(t, err)

	s, _ := v.Number("sentiment_score")
	assert.InDelta(t, -0.6, s, 1e-9)
	ec, _ := v.Number("entity_count")
	assert.Equal(t, 3.0, ec)
	cls, _ := v.Category("document_class")
	assert.Equal(t, "financial_report", cls)
	conf, _ := v.Number("classification_confidence")
	assert.Equal(t, 0.92, conf)

	// user fields override extracted fields
	amt, _ := v.Number("transaction_amount")
	assert.Equal(t, 300000.0, amt)

	// undeclared pass-through
	cp, ok := v.Category("counterparty")
	require.True(t, ok)
	assert.Equal(t, "ACME Corp", cp)
}

func TestNormalizeUnknownCategory(t *testing.T) {
	n := newTestNormalizer()
	v, err := n.Normalize(RawAnalysis{"document_class": "memo"}, RawFields{"subject_id": "s-1", "region": "APAC"})
	require.NoError(t, err)

	cls, _ := v.Category("document_class")
	assert.Equal(t, domain.UnknownCategory, cls)
	assert.Contains(t, v.Defaulted(), "document_class")
}

func TestNormalizeBooleans(t *testing.T) {
	n := newTestNormalizer()
	v, err := n.Normalize(nil, RawFields{
		"subject_id":               "s-1",
		"region":                   "EU",
		"consent_flag":             "yes",
		"phi_encrypted":            "false",
		"internal_controls_tested": 1,
	})
	require.NoError(t, err)

	b, _ := v.Bool("consent_flag")
	assert.True(t, b)
	b, _ = v.Bool("phi_encrypted")
	assert.False(t, b)
	assert.True(t, v.Observed("phi_encrypted"))
	b, _ = v.Bool("internal_controls_tested")
	assert.True(t, b)
}

func TestNormalizeSnapshot(t *testing.T) {
	n := newTestNormalizer()
	v, err := n.Normalize(nil, RawFields{"subject_id": "s-1", "region": "US", "snapshot_at": "2026-01-15T08:30:00Z"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 15, 8, 30, 0, 0, time.UTC), v.SnapshotAt)
	assert.False(t, v.Has("snapshot_at"))
}

func TestSchemaValidation(t *testing.T) {
	t.Run("duplicate", func(t *testing.T) {
		_, err := NewSchema(num("a", 0, 1), num("a", 0, 1))
		assert.Error(t, err)
	})
	t.Run("inverted domain", func(t *testing.T) {
		_, err := NewSchema(num("a", 1, 0))
		assert.Error(t, err)
	})
	t.Run("kinds", func(t *testing.T) {
		kinds := DefaultSchema().Kinds()
		assert.Equal(t, domain.KindBool, kinds["consent_flag"])
		assert.Equal(t, domain.KindCategory, kinds["document_class"])
		assert.Equal(t, domain.KindNumber, kinds["transaction_amount"])
	})
}
