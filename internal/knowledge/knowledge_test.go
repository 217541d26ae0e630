package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/huntaze/ai-governor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(capacity int) *Store {
	return NewStore(NewMemoryRepository(), capacity, zap.NewNop())
}

func TestSaveValidation(t *testing.T) {
	s := newTestStore(100)
	tenant := uuid.New()

	tests := []struct {
		name    string
		insight models.Insight
		reason  string
	}{
		{
			name:    "confidence above one",
			insight: models.Insight{TenantID: tenant, Type: "pattern", Confidence: 1.5},
			reason:  "confidence",
		},
		{
			name:    "negative confidence",
			insight: models.Insight{TenantID: tenant, Type: "pattern", Confidence: -0.1},
			reason:  "confidence",
		},
		{
			name:    "missing tenant",
			insight: models.Insight{Type: "pattern", Confidence: 0.5},
			reason:  "tenant",
		},
		{
			name:    "missing type",
			insight: models.Insight{TenantID: tenant, Confidence: 0.5},
			reason:  "type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Save(context.Background(), tt.insight)
			var invalid *InvalidInsightError
			require.ErrorAs(t, err, &invalid)
			assert.Contains(t, invalid.Reason, tt.reason)
		})
	}
}

func TestSaveAssignsIDAndTimestamp(t *testing.T) {
	s := newTestStore(100)
	saved, err := s.Save(context.Background(), models.Insight{
		TenantID:    uuid.New(),
		SourceAgent: "analytics",
		Type:        "successful_response_pattern",
		Confidence:  0.9,
		Payload:     `{"tone":"casual"}`,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, saved.ID)
	assert.False(t, saved.CreatedAt.IsZero())
}

func TestDecayBoundAtThirtyDays(t *testing.T) {
	s := newTestStore(100)
	base := time.Now().UTC()
	s.now = func() time.Time { return base }

	tenant := uuid.New()
	_, err := s.Save(context.Background(), models.Insight{
		TenantID:   tenant,
		Type:       "pattern",
		Confidence: 1.0,
	})
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(30 * 24 * time.Hour) }
	got, err := s.Query(context.Background(), tenant, "pattern", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// A 30-day-old insight must have lost at least 20% of its stored
	// confidence.
	assert.LessOrEqual(t, got[0].EffectiveConfidence, 0.8)
	assert.Greater(t, got[0].EffectiveConfidence, 0.0)
}

func TestQueryRankingIsNonIncreasing(t *testing.T) {
	s := newTestStore(100)
	base := time.Now().UTC()
	s.now = func() time.Time { return base }

	tenant := uuid.New()
	seeds := []struct {
		confidence float64
		age        time.Duration
	}{
		{0.9, 90 * 24 * time.Hour},
		{0.5, 0},
		{0.95, 10 * 24 * time.Hour},
		{0.3, 200 * 24 * time.Hour},
		{0.7, 45 * 24 * time.Hour},
	}
	for _, seed := range seeds {
		_, err := s.Save(context.Background(), models.Insight{
			TenantID:   tenant,
			Type:       "pattern",
			Confidence: seed.confidence,
			CreatedAt:  base.Add(-seed.age),
		})
		require.NoError(t, err)
	}

	got, err := s.Query(context.Background(), tenant, "pattern", 0)
	require.NoError(t, err)
	require.Len(t, got, len(seeds))
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].rank(), got[i].rank())
	}
}

func TestQueryTiesBreakNewestFirst(t *testing.T) {
	s := newTestStore(100)
	base := time.Now().UTC()
	s.now = func() time.Time { return base }

	tenant := uuid.New()

	// A 60-day-old insight decays by exactly half, so 0.8 stored ranks
	// the same as a fresh 0.4.
	older, err := s.Save(context.Background(), models.Insight{
		TenantID:   tenant,
		Type:       "pattern",
		Confidence: 0.8,
		CreatedAt:  base.Add(-60 * 24 * time.Hour),
	})
	require.NoError(t, err)
	newer, err := s.Save(context.Background(), models.Insight{
		TenantID:   tenant,
		Type:       "pattern",
		Confidence: 0.4,
		CreatedAt:  base,
	})
	require.NoError(t, err)

	got, err := s.Query(context.Background(), tenant, "pattern", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, got[0].rank(), got[1].rank())
	assert.Equal(t, newer.ID, got[0].ID)
	assert.Equal(t, older.ID, got[1].ID)
}

func TestQueryFiltersByTypeAndLimit(t *testing.T) {
	s := newTestStore(100)
	tenant := uuid.New()

	for i := 0; i < 5; i++ {
		_, err := s.Save(context.Background(), models.Insight{
			TenantID:   tenant,
			Type:       "pattern",
			Confidence: 0.5,
		})
		require.NoError(t, err)
	}
	_, err := s.Save(context.Background(), models.Insight{
		TenantID:   tenant,
		Type:       "pricing_signal",
		Confidence: 0.5,
	})
	require.NoError(t, err)

	got, err := s.Query(context.Background(), tenant, "pattern", 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	for _, in := range got {
		assert.Equal(t, "pattern", in.Type)
	}
}

func TestCapacityEvictsLowestRanked(t *testing.T) {
	s := newTestStore(3)
	base := time.Now().UTC()
	s.now = func() time.Time { return base }

	tenant := uuid.New()

	// An old, weak insight that should be the eviction victim.
	weak, err := s.Save(context.Background(), models.Insight{
		TenantID:   tenant,
		Type:       "pattern",
		Confidence: 0.2,
		CreatedAt:  base.Add(-120 * 24 * time.Hour),
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.Save(context.Background(), models.Insight{
			TenantID:   tenant,
			Type:       "pattern",
			Confidence: 0.9,
		})
		require.NoError(t, err)
	}

	got, err := s.Query(context.Background(), tenant, "pattern", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, in := range got {
		assert.NotEqual(t, weak.ID, in.ID)
	}
}

func TestDeleteTenantRemovesAllInsights(t *testing.T) {
	s := newTestStore(100)
	tenant := uuid.New()
	other := uuid.New()

	for _, id := range []uuid.UUID{tenant, tenant, other} {
		_, err := s.Save(context.Background(), models.Insight{
			TenantID:   id,
			Type:       "pattern",
			Confidence: 0.5,
		})
		require.NoError(t, err)
	}

	require.NoError(t, s.DeleteTenant(context.Background(), tenant))

	got, err := s.Query(context.Background(), tenant, "pattern", 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	kept, err := s.Query(context.Background(), other, "pattern", 0)
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}
