package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
)

// Results stores the latest decision per subject on top of any Cache.
type Results struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewResults wraps c. Entries expire after ttl; zero keeps them until replaced.
func NewResults(c domain.Cache, ttl time.Duration) *Results {
	return &Results{cache: c, ttl: ttl}
}

func scoreKey(subjectID string, rt domain.RiskType) string {
	return "score:" + subjectID + ":" + string(rt)
}

func complianceKey(subjectID string, region domain.Region) string {
	return "compliance:" + subjectID + ":" + string(region)
}

// PutScore caches r as the latest score for its subject and risk type.
func (r *Results) PutScore(ctx context.Context, res *domain.ScoreResult) error {
	return r.put(ctx, scoreKey(res.SubjectID, res.RiskType), res)
}

// LatestScore returns the cached score, or nil on a miss.
func (r *Results) LatestScore(ctx context.Context, subjectID string, rt domain.RiskType) (*domain.ScoreResult, error) {
	var res domain.ScoreResult
	ok, err := r.get(ctx, scoreKey(subjectID, rt), &res)
	if err != nil || !ok {
		return nil, err
	}
	return &res, nil
}

// PutCompliance caches res as the latest compliance result for its subject and region.
func (r *Results) PutCompliance(ctx context.Context, res *domain.ComplianceResult) error {
	return r.put(ctx, complianceKey(res.SubjectID, res.Region), res)
}

// LatestCompliance returns the cached compliance result, or nil on a miss.
func (r *Results) LatestCompliance(ctx context.Context, subjectID string, region domain.Region) (*domain.ComplianceResult, error) {
	var res domain.ComplianceResult
	ok, err := r.get(ctx, complianceKey(subjectID, region), &res)
	if err != nil || !ok {
		return nil, err
	}
	return &res, nil
}

func (r *Results) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return r.cache.Set(ctx, key, data, r.ttl)
}

func (r *Results) get(ctx context.Context, key string, v any) (bool, error) {
	data, err := r.cache.Get(ctx, key)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Ping checks the backing cache.
func (r *Results) Ping(ctx context.Context) error {
	return r.cache.Ping(ctx)
}
