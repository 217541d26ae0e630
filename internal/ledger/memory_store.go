package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/huntaze/ai-governor/pkg/models"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store for tests and local development.
// It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records []models.UsageRecord
	rollups map[string]models.MonthlyAggregate // keyed tenant|month
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rollups: make(map[string]models.MonthlyAggregate),
	}
}

func (s *MemoryStore) Insert(_ context.Context, rec models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryStore) SumCost(_ context.Context, tenantID uuid.UUID, from, to time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := decimal.Zero
	for _, rec := range s.records {
		if rec.TenantID != tenantID {
			continue
		}
		if rec.CreatedAt.Before(from) || !rec.CreatedAt.Before(to) {
			continue
		}
		sum = sum.Add(rec.CostUSD)
	}
	return sum, nil
}

func (s *MemoryStore) AggregateMonth(_ context.Context, tenantID uuid.UUID, month string) (models.MonthlyAggregate, error) {
	from, to, err := models.MonthBounds(month)
	if err != nil {
		return models.MonthlyAggregate{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := models.MonthlyAggregate{TenantID: tenantID, Month: month, TotalCostUSD: decimal.Zero}
	for _, rec := range s.records {
		if rec.TenantID != tenantID {
			continue
		}
		if rec.CreatedAt.Before(from) || !rec.CreatedAt.Before(to) {
			continue
		}
		agg.TotalInputTokens += rec.InputTokens
		agg.TotalOutputTokens += rec.OutputTokens
		agg.TotalCostUSD = agg.TotalCostUSD.Add(rec.CostUSD)
	}
	return agg, nil
}

func (s *MemoryStore) UpsertRollup(_ context.Context, agg models.MonthlyAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollups[agg.TenantID.String()+"|"+agg.Month] = agg
	return nil
}

// Rollup returns the materialized rollup for (tenant, month), if any.
func (s *MemoryStore) Rollup(tenantID uuid.UUID, month string) (models.MonthlyAggregate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.rollups[tenantID.String()+"|"+month]
	return agg, ok
}

func (s *MemoryStore) DeleteTenant(_ context.Context, tenantID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	for _, rec := range s.records {
		if rec.TenantID != tenantID {
			kept = append(kept, rec)
		}
	}
	s.records = kept

	for key := range s.rollups {
		if len(key) > 36 && key[:36] == tenantID.String() {
			delete(s.rollups, key)
		}
	}
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
