package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/huntaze/ai-governor/internal/costmodel"
	"github.com/huntaze/ai-governor/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StorageError wraps a persistence failure. Ledger writes are never
// silently dropped: a failed insert propagates to the caller because
// billing correctness depends on it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store is the persistence boundary for usage records and rollups.
type Store interface {
	Insert(ctx context.Context, rec models.UsageRecord) error
	SumCost(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (decimal.Decimal, error)
	AggregateMonth(ctx context.Context, tenantID uuid.UUID, month string) (models.MonthlyAggregate, error)
	UpsertRollup(ctx context.Context, agg models.MonthlyAggregate) error
	DeleteTenant(ctx context.Context, tenantID uuid.UUID) error
}

// Ledger persists one record per completed AI call and serves the
// aggregates the quota guard reads in real time.
type Ledger struct {
	store  Store
	costs  *costmodel.Model
	logger *zap.Logger
	now    func() time.Time
}

// New creates a ledger over the given store.
func New(store Store, costs *costmodel.Model, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		costs:  costs,
		logger: logger,
		now:    time.Now,
	}
}

// Record appends one usage record. The cost field of the input is
// ignored and recomputed from the token counts, so a buggy or
// malicious caller can never write a cost that disagrees with the
// price table.
func (l *Ledger) Record(ctx context.Context, rec models.UsageRecord) (models.UsageRecord, error) {
	cost, err := l.costs.Compute(rec.Model, rec.InputTokens, rec.OutputTokens)
	if err != nil {
		return models.UsageRecord{}, err
	}
	rec.CostUSD = cost

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now().UTC()
	}

	if err := l.store.Insert(ctx, rec); err != nil {
		return models.UsageRecord{}, &StorageError{Op: "insert", Err: err}
	}

	l.logger.Debug("recorded usage",
		zap.String("tenant_id", rec.TenantID.String()),
		zap.String("model", rec.Model),
		zap.String("agent_id", rec.AgentID),
		zap.Int64("input_tokens", rec.InputTokens),
		zap.Int64("output_tokens", rec.OutputTokens),
		zap.String("cost_usd", rec.CostUSD.String()),
	)

	return rec, nil
}

// SumCost returns the total recorded cost for a tenant in [from, to).
// Backed by the (tenant, created_at) index so the quota guard can call
// it on the hot path.
func (l *Ledger) SumCost(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (decimal.Decimal, error) {
	sum, err := l.store.SumCost(ctx, tenantID, from, to)
	if err != nil {
		return decimal.Zero, &StorageError{Op: "sum", Err: err}
	}
	return sum, nil
}

// CurrentMonthCost returns the tenant's spend for the calendar month
// containing now.
func (l *Ledger) CurrentMonthCost(ctx context.Context, tenantID uuid.UUID) (decimal.Decimal, error) {
	from, to, err := models.MonthBounds(models.MonthOf(l.now()))
	if err != nil {
		return decimal.Zero, err
	}
	return l.SumCost(ctx, tenantID, from, to)
}

// MonthlyRollup recomputes and upserts the (tenant, month) aggregate
// from the underlying usage records. It is idempotent: running it any
// number of times yields the same totals, because it is never an
// incrementing counter.
func (l *Ledger) MonthlyRollup(ctx context.Context, tenantID uuid.UUID, month string) (models.MonthlyAggregate, error) {
	agg, err := l.store.AggregateMonth(ctx, tenantID, month)
	if err != nil {
		return models.MonthlyAggregate{}, &StorageError{Op: "aggregate", Err: err}
	}
	agg.UpdatedAt = l.now().UTC()

	if err := l.store.UpsertRollup(ctx, agg); err != nil {
		return models.MonthlyAggregate{}, &StorageError{Op: "upsert rollup", Err: err}
	}

	return agg, nil
}

// DeleteTenant removes every usage record and rollup for a tenant.
// This is the only path that ever deletes ledger data.
func (l *Ledger) DeleteTenant(ctx context.Context, tenantID uuid.UUID) error {
	if err := l.store.DeleteTenant(ctx, tenantID); err != nil {
		return &StorageError{Op: "delete tenant", Err: err}
	}
	l.logger.Info("deleted ledger data for tenant", zap.String("tenant_id", tenantID.String()))
	return nil
}
