package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/huntaze/ai-governor/internal/costmodel"
	"github.com/huntaze/ai-governor/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return New(store, costmodel.New(), zap.NewNop()), store
}

func TestRecordRecomputesCost(t *testing.T) {
	l, store := newTestLedger(t)
	tenant := uuid.New()

	rec, err := l.Record(context.Background(), models.UsageRecord{
		TenantID:     tenant,
		Feature:      "fan_message",
		AgentID:      "messaging",
		Model:        "gpt-4o",
		InputTokens:  1_000_000,
		OutputTokens: 1_000_000,
		// Caller-supplied cost must be discarded.
		CostUSD: decimal.RequireFromString("0.01"),
	})
	require.NoError(t, err)

	assert.True(t, rec.CostUSD.Equal(decimal.RequireFromString("12.50")),
		"cost must come from the price table, got %s", rec.CostUSD)
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, 1, store.Len())
}

func TestRecordUnknownModel(t *testing.T) {
	l, store := newTestLedger(t)

	_, err := l.Record(context.Background(), models.UsageRecord{
		TenantID: uuid.New(),
		Model:    "not-a-model",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, costmodel.ErrUnknownModel))
	assert.Equal(t, 0, store.Len(), "failed validation must not write a record")
}

func TestRecordPropagatesStorageError(t *testing.T) {
	failing := &failingStore{}
	l := New(failing, costmodel.New(), zap.NewNop())

	_, err := l.Record(context.Background(), models.UsageRecord{
		TenantID:     uuid.New(),
		Model:        "gpt-4o-mini",
		InputTokens:  10,
		OutputTokens: 10,
	})
	require.Error(t, err)

	var storageErr *StorageError
	assert.True(t, errors.As(err, &storageErr), "write failures must surface as StorageError")
}

func TestSumCostWindow(t *testing.T) {
	l, _ := newTestLedger(t)
	tenant := uuid.New()
	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := l.Record(context.Background(), models.UsageRecord{
			TenantID:     tenant,
			Model:        "gpt-4o",
			InputTokens:  100_000,
			OutputTokens: 100_000, // $1.25 each
			CreatedAt:    base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	// All three.
	sum, err := l.SumCost(context.Background(), tenant, base, base.Add(4*time.Hour))
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.RequireFromString("3.75")), "got %s", sum)

	// Half-open window excludes the record at the upper bound.
	sum, err = l.SumCost(context.Background(), tenant, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.RequireFromString("2.50")), "got %s", sum)

	// Other tenants don't leak in.
	sum, err = l.SumCost(context.Background(), uuid.New(), base, base.Add(4*time.Hour))
	require.NoError(t, err)
	assert.True(t, sum.IsZero())
}

func TestMonthlyRollupIdempotent(t *testing.T) {
	l, store := newTestLedger(t)
	tenant := uuid.New()
	created := time.Date(2026, 9, 10, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := l.Record(context.Background(), models.UsageRecord{
			TenantID:     tenant,
			Model:        "claude-3-haiku",
			InputTokens:  2000,
			OutputTokens: 1000,
			CreatedAt:    created.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	first, err := l.MonthlyRollup(context.Background(), tenant, "2026-09")
	require.NoError(t, err)

	second, err := l.MonthlyRollup(context.Background(), tenant, "2026-09")
	require.NoError(t, err)

	assert.Equal(t, first.TotalInputTokens, second.TotalInputTokens)
	assert.Equal(t, first.TotalOutputTokens, second.TotalOutputTokens)
	assert.True(t, first.TotalCostUSD.Equal(second.TotalCostUSD))
	assert.Equal(t, int64(10_000), first.TotalInputTokens)
	assert.Equal(t, int64(5_000), first.TotalOutputTokens)

	stored, ok := store.Rollup(tenant, "2026-09")
	require.True(t, ok)
	assert.True(t, stored.TotalCostUSD.Equal(first.TotalCostUSD))
}

func TestDeleteTenantCascades(t *testing.T) {
	l, store := newTestLedger(t)
	tenant := uuid.New()
	other := uuid.New()

	for _, id := range []uuid.UUID{tenant, other} {
		_, err := l.Record(context.Background(), models.UsageRecord{
			TenantID:     id,
			Model:        "gpt-4o-mini",
			InputTokens:  100,
			OutputTokens: 100,
			CreatedAt:    time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}
	_, err := l.MonthlyRollup(context.Background(), tenant, "2026-09")
	require.NoError(t, err)

	require.NoError(t, l.DeleteTenant(context.Background(), tenant))

	sum, err := l.SumCost(context.Background(), tenant,
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, sum.IsZero())

	_, ok := store.Rollup(tenant, "2026-09")
	assert.False(t, ok, "rollup must be deleted with the tenant")

	// The other tenant's data survives.
	assert.Equal(t, 1, store.Len())
}

// failingStore rejects every write.
type failingStore struct{ MemoryStore }

func (f *failingStore) Insert(context.Context, models.UsageRecord) error {
	return errors.New("disk on fire")
}
