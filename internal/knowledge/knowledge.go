package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/huntaze/ai-governor/pkg/models"
	"go.uber.org/zap"
)

// decayHalfLife is how long it takes a stored confidence to halve.
// With a 60-day half-life a 30-day-old insight retains about 71% of
// its stored value.
const decayHalfLife = 60 * 24 * time.Hour

// InvalidInsightError reports an insight that failed write validation.
type InvalidInsightError struct {
	Reason string
}

func (e *InvalidInsightError) Error() string {
	return fmt.Sprintf("invalid insight: %s", e.Reason)
}

// RankedInsight is a stored insight with its read-time score attached.
type RankedInsight struct {
	models.Insight

	// EffectiveConfidence is the stored confidence after age decay.
	EffectiveConfidence float64

	// Relevance is 1.0 for an exact type match. Queries filter by type
	// before ranking, so within a single result set it is constant;
	// it is kept separate so the ranking generalizes to mixed-type
	// retrieval later.
	Relevance float64
}

func (r RankedInsight) rank() float64 {
	return r.EffectiveConfidence * r.Relevance
}

// Repository is the persistence boundary for insights. Implementations
// must be safe for concurrent use.
type Repository interface {
	Insert(ctx context.Context, insight models.Insight) error
	ListByType(ctx context.Context, tenantID uuid.UUID, insightType string) ([]models.Insight, error)
	ListAll(ctx context.Context, tenantID uuid.UUID) ([]models.Insight, error)
	Count(ctx context.Context, tenantID uuid.UUID) (int, error)
	Remove(ctx context.Context, ids []uuid.UUID) error
	DeleteTenant(ctx context.Context, tenantID uuid.UUID) error
}

// Store is the append-only, decayed-read insight store shared by all
// agents. Decay is computed at read time; the stored confidence is
// never rewritten.
type Store struct {
	repo     Repository
	capacity int
	logger   *zap.Logger
	now      func() time.Time
}

// NewStore creates a knowledge store with a per-tenant capacity bound.
func NewStore(repo Repository, capacity int, logger *zap.Logger) *Store {
	return &Store{
		repo:     repo,
		capacity: capacity,
		logger:   logger,
		now:      time.Now,
	}
}

// Save validates and appends an insight, then evicts the lowest-ranked
// insights if the tenant is over capacity.
func (s *Store) Save(ctx context.Context, insight models.Insight) (models.Insight, error) {
	if insight.Confidence < 0 || insight.Confidence > 1 {
		return models.Insight{}, &InvalidInsightError{
			Reason: fmt.Sprintf("confidence %v outside [0, 1]", insight.Confidence),
		}
	}
	if insight.TenantID == uuid.Nil {
		return models.Insight{}, &InvalidInsightError{Reason: "missing tenant id"}
	}
	if insight.Type == "" {
		return models.Insight{}, &InvalidInsightError{Reason: "missing type tag"}
	}

	if insight.ID == uuid.Nil {
		insight.ID = uuid.New()
	}
	if insight.CreatedAt.IsZero() {
		insight.CreatedAt = s.now().UTC()
	}

	if err := s.repo.Insert(ctx, insight); err != nil {
		return models.Insight{}, fmt.Errorf("failed to store insight: %w", err)
	}

	s.logger.Debug("insight stored",
		zap.String("tenant_id", insight.TenantID.String()),
		zap.String("type", insight.Type),
		zap.String("source_agent", insight.SourceAgent),
		zap.Float64("confidence", insight.Confidence),
	)

	if err := s.evictIfOverCapacity(ctx, insight.TenantID); err != nil {
		// The write itself succeeded; eviction retries on the next one.
		s.logger.Error("insight eviction failed",
			zap.String("tenant_id", insight.TenantID.String()),
			zap.Error(err),
		)
	}

	return insight, nil
}

// Query returns up to limit insights of the given type, ranked by
// effective confidence times relevance, newest first on ties.
func (s *Store) Query(ctx context.Context, tenantID uuid.UUID, insightType string, limit int) ([]RankedInsight, error) {
	stored, err := s.repo.ListByType(ctx, tenantID, insightType)
	if err != nil {
		return nil, fmt.Errorf("failed to query insights: %w", err)
	}

	ranked := s.rankAll(stored)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// DeleteTenant removes every insight for a tenant.
func (s *Store) DeleteTenant(ctx context.Context, tenantID uuid.UUID) error {
	if err := s.repo.DeleteTenant(ctx, tenantID); err != nil {
		return fmt.Errorf("failed to delete tenant insights: %w", err)
	}
	return nil
}

func (s *Store) rankAll(stored []models.Insight) []RankedInsight {
	now := s.now()
	ranked := make([]RankedInsight, 0, len(stored))
	for _, in := range stored {
		ranked = append(ranked, RankedInsight{
			Insight:             in,
			EffectiveConfidence: in.Confidence * decayFactor(now.Sub(in.CreatedAt)),
			Relevance:           1.0,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].rank() != ranked[j].rank() {
			return ranked[i].rank() > ranked[j].rank()
		}
		return ranked[i].CreatedAt.After(ranked[j].CreatedAt)
	})
	return ranked
}

func (s *Store) evictIfOverCapacity(ctx context.Context, tenantID uuid.UUID) error {
	if s.capacity <= 0 {
		return nil
	}

	count, err := s.repo.Count(ctx, tenantID)
	if err != nil {
		return err
	}
	if count <= s.capacity {
		return nil
	}

	stored, err := s.repo.ListAll(ctx, tenantID)
	if err != nil {
		return err
	}

	ranked := s.rankAll(stored)
	victims := ranked[s.capacity:]
	ids := make([]uuid.UUID, 0, len(victims))
	for _, v := range victims {
		ids = append(ids, v.ID)
	}

	if err := s.repo.Remove(ctx, ids); err != nil {
		return err
	}

	s.logger.Info("evicted lowest-ranked insights",
		zap.String("tenant_id", tenantID.String()),
		zap.Int("evicted", len(ids)),
		zap.Int("capacity", s.capacity),
	)
	return nil
}

// decayFactor returns the read-time multiplier for an insight of the
// given age, an exponential falloff with a 60-day half-life. Future
// timestamps decay as age zero.
func decayFactor(age time.Duration) float64 {
	if age <= 0 {
		return 1.0
	}
	return math.Pow(0.5, age.Hours()/decayHalfLife.Hours())
}
