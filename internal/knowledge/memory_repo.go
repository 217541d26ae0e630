package knowledge

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/huntaze/ai-governor/pkg/models"
)

// MemoryRepository is an in-memory Repository used in tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	insights []models.Insight
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Insert(_ context.Context, insight models.Insight) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insights = append(r.insights, insight)
	return nil
}

func (r *MemoryRepository) ListByType(_ context.Context, tenantID uuid.UUID, insightType string) ([]models.Insight, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Insight
	for _, in := range r.insights {
		if in.TenantID == tenantID && in.Type == insightType {
			out = append(out, in)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListAll(_ context.Context, tenantID uuid.UUID) ([]models.Insight, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Insight
	for _, in := range r.insights {
		if in.TenantID == tenantID {
			out = append(out, in)
		}
	}
	return out, nil
}

func (r *MemoryRepository) Count(_ context.Context, tenantID uuid.UUID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, in := range r.insights {
		if in.TenantID == tenantID {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) Remove(_ context.Context, ids []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	drop := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := r.insights[:0]
	for _, in := range r.insights {
		if !drop[in.ID] {
			kept = append(kept, in)
		}
	}
	r.insights = kept
	return nil
}

func (r *MemoryRepository) DeleteTenant(_ context.Context, tenantID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.insights[:0]
	for _, in := range r.insights {
		if in.TenantID != tenantID {
			kept = append(kept, in)
		}
	}
	r.insights = kept
	return nil
}
