package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/procoderhappy/ai-risk-management/internal/bus"
	"github.com/procoderhappy/ai-risk-management/internal/domain"
	"github.com/procoderhappy/ai-risk-management/internal/repository"
	"github.com/procoderhappy/ai-risk-management/internal/trend"
)

type projected struct {
	topic string
	err   error
}

func newTestWorker(t *testing.T, repo domain.Repository) (*Worker, *bus.ChannelBus, *trend.Aggregator, chan projected) {
	t.Helper()

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	trends := trend.New()
	w := NewWorker(eventBus, &Projection{Trends: trends, Repo: repo}, nil)

	done := make(chan projected, 10)
	w.OnProjected = func(topic string, err error) {
		done <- projected{topic, err}
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w, eventBus, trends, done
}

func publish(t *testing.T, b domain.EventBus, topic string, ev domain.DecisionEvent) {
	t.Helper()
	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := b.Publish(context.Background(), topic, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func wait(t *testing.T, done chan projected) projected {
	t.Helper()
	select {
	case p := <-done:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for projection")
		return projected{}
	}
}

func TestWorkerStartAndStop(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	w := NewWorker(eventBus, &Projection{}, nil)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != len(Topics) {
		t.Errorf("expected %d subscriptions, got %d", len(Topics), stats.SubscriptionCount)
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	stats = w.GetStats()
	if stats.SubscriptionCount != 0 {
		t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
	}
}

func TestWorkerStartOnClosedBus(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	eventBus.Close()

	w := NewWorker(eventBus, &Projection{}, nil)
	if err := w.Start(); err == nil {
		t.Error("expected error subscribing on a closed bus")
	}
	if got := w.GetStats().SubscriptionCount; got != 0 {
		t.Errorf("expected no subscriptions, got %d", got)
	}
}

func TestWorkerProjectsScores(t *testing.T) {
	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: repository.MemoryPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	_, eventBus, trends, done := newTestWorker(t, repo)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	score := &domain.ScoreResult{
		DecisionID: "dec-1",
		SubjectID:  "acme",
		RiskType:   domain.RiskCredit,
		Score:      62,
		Band:       domain.BandHigh,
		ComputedAt: at,
	}
	publish(t, eventBus, domain.TopicScoreComputed, domain.DecisionEvent{
		DecisionID: score.DecisionID, SubjectID: score.SubjectID, At: at, Score: score,
	})

	p := wait(t, done)
	if p.err != nil {
		t.Fatalf("projection failed: %v", p.err)
	}
	if got := trends.Len("acme", domain.MetricFor(domain.RiskCredit)); got != 1 {
		t.Errorf("expected 1 trend point, got %d", got)
	}
	saved, err := repo.GetScore(context.Background(), "dec-1")
	if err != nil {
		t.Fatalf("GetScore failed: %v", err)
	}
	if saved.Score != 62 {
		t.Errorf("expected saved score 62, got %.2f", saved.Score)
	}

	// Redelivery is harmless.
	publish(t, eventBus, domain.TopicScoreComputed, domain.DecisionEvent{
		DecisionID: score.DecisionID, SubjectID: score.SubjectID, At: at, Score: score,
	})
	if p := wait(t, done); p.err != nil {
		t.Fatalf("redelivery failed: %v", p.err)
	}
	if got := trends.Len("acme", domain.MetricFor(domain.RiskCredit)); got != 1 {
		t.Errorf("expected redelivery to be ignored, got %d points", got)
	}
}

func TestWorkerProjectsCompliance(t *testing.T) {
	_, eventBus, trends, done := newTestWorker(t, nil)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	res := &domain.ComplianceResult{
		DecisionID:      "dec-2",
		SubjectID:       "acme",
		Region:          domain.RegionEU,
		Status:          domain.StatusNonCompliant,
		ComplianceScore: 50,
		EvaluatedAt:     at,
	}
	publish(t, eventBus, domain.TopicComplianceEvaluated, domain.DecisionEvent{
		DecisionID: res.DecisionID, SubjectID: res.SubjectID, At: at, Compliance: res,
	})

	if p := wait(t, done); p.err != nil {
		t.Fatalf("projection failed: %v", p.err)
	}
	if got := trends.Len("acme", domain.MetricCompliance); got != 1 {
		t.Errorf("expected 1 compliance point, got %d", got)
	}
}

func TestWorkerRejectsMalformedEvents(t *testing.T) {
	_, eventBus, _, done := newTestWorker(t, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		topic   string
		payload []byte
		wantErr bool
	}{
		{"invalid json", domain.TopicScoreComputed, []byte("{"), true},
		{"score event without score", domain.TopicScoreComputed, []byte(`{"subjectId":"acme"}`), true},
		{"compliance event without result", domain.TopicComplianceEvaluated, []byte(`{"subjectId":"acme"}`), true},
		{"alert change", domain.TopicAlertChanged, []byte(`{"subjectId":"acme","alert":{"id":"a1"}}`), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := eventBus.Publish(ctx, tt.topic, tt.payload); err != nil {
				t.Fatalf("publish: %v", err)
			}
			p := wait(t, done)
			if (p.err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", p.err, tt.wantErr)
			}
		})
	}
}
