package alert

import (
	"context"
	"sort"
	"sync"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
)

// MemoryStore is an in-process AlertStore.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]*domain.Alert
	open   map[string]string // key(subject, source) -> alert ID
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]*domain.Alert),
		open:   make(map[string]string),
	}
}

func key(subjectID string, source domain.AlertSource) string {
	return subjectID + "\x00" + string(source)
}

// FindOpen implements domain.AlertStore.
func (s *MemoryStore) FindOpen(_ context.Context, subjectID string, source domain.AlertSource) (*domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.open[key(subjectID, source)]
	if !ok {
		return nil, nil
	}
	return s.alerts[id].Clone(), nil
}

// Save implements domain.AlertStore.
func (s *MemoryStore) Save(_ context.Context, a *domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(a.SubjectID, a.Source)
	s.alerts[a.ID] = a.Clone()
	if a.State == domain.AlertOpen {
		s.open[k] = a.ID
	} else if s.open[k] == a.ID {
		delete(s.open, k)
	}
	return nil
}

// GetAlert implements domain.AlertStore.
func (s *MemoryStore) GetAlert(_ context.Context, id string) (*domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a.Clone(), nil
}

// ListAlerts implements domain.AlertStore.
func (s *MemoryStore) ListAlerts(_ context.Context, f domain.AlertFilter) ([]*domain.Alert, error) {
	s.mu.RLock()
	out := make([]*domain.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if f.Matches(a) {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
