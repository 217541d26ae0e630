package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/huntaze/ai-governor/internal/config"
	"github.com/huntaze/ai-governor/internal/ledger"
	"github.com/huntaze/ai-governor/pkg/database"
	"github.com/huntaze/ai-governor/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/usagerecord"
	"go.uber.org/zap"
)

// Exporter keeps monthly rollups fresh and pushes each tenant's
// current-month spend to Stripe as metered usage.
type Exporter struct {
	cfg    config.BillingConfig
	db     *database.Database
	ledger *ledger.Ledger
	logger *zap.Logger
	now    func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewExporter creates the billing exporter.
func NewExporter(cfg config.BillingConfig, db *database.Database, l *ledger.Ledger, logger *zap.Logger) *Exporter {
	if cfg.ExportEnabled {
		stripe.Key = cfg.StripeSecretKey
	}
	return &Exporter{
		cfg:      cfg,
		db:       db,
		ledger:   l,
		logger:   logger,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start launches the background rollup loop and, when export is
// enabled, the Stripe export loop.
func (e *Exporter) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.loop(ctx, e.cfg.RollupInterval, "rollup", e.RunRollups)

	if e.cfg.ExportEnabled {
		e.wg.Add(1)
		go e.loop(ctx, e.cfg.ExportInterval, "stripe export", e.ExportToStripe)
	}
}

// Stop halts the background loops.
func (e *Exporter) Stop() {
	close(e.stopChan)
	e.wg.Wait()
}

func (e *Exporter) loop(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				e.logger.Error("billing job failed",
					zap.String("job", name),
					zap.Error(err),
				)
			}
		}
	}
}

// RunRollups recomputes the current-month rollup for every tenant with
// usage this month. Recomputing is idempotent, so overlapping runs are
// harmless.
func (e *Exporter) RunRollups(ctx context.Context) error {
	month := models.MonthOf(e.now())
	from, to, err := models.MonthBounds(month)
	if err != nil {
		return err
	}

	rows, err := e.db.Pool.Query(ctx, `
		SELECT DISTINCT tenant_id
		FROM usage_records
		WHERE created_at >= $1 AND created_at < $2`,
		from, to,
	)
	if err != nil {
		return fmt.Errorf("failed to list active tenants: %w", err)
	}
	defer rows.Close()

	var tenants []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan tenant id: %w", err)
		}
		tenants = append(tenants, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate tenants: %w", err)
	}

	for _, tenantID := range tenants {
		if _, err := e.ledger.MonthlyRollup(ctx, tenantID, month); err != nil {
			e.logger.Error("rollup failed",
				zap.String("tenant_id", tenantID.String()),
				zap.String("month", month),
				zap.Error(err),
			)
		}
	}

	e.logger.Debug("monthly rollups refreshed",
		zap.String("month", month),
		zap.Int("tenants", len(tenants)),
	)
	return nil
}

// ExportToStripe reports each tenant's current-month spend, in cents,
// against their metered subscription item. Stripe deduplicates on its
// side via the set action, so re-exporting the same total is safe.
func (e *Exporter) ExportToStripe(ctx context.Context) error {
	month := models.MonthOf(e.now())

	rows, err := e.db.Pool.Query(ctx, `
		SELECT r.tenant_id, r.total_cost_usd, t.stripe_subscription_item_id
		FROM usage_rollups r
		JOIN tenants t ON t.id = r.tenant_id
		WHERE r.month = $1 AND t.stripe_subscription_item_id IS NOT NULL`,
		month,
	)
	if err != nil {
		return fmt.Errorf("failed to query rollups for export: %w", err)
	}
	defer rows.Close()

	success, failure := 0, 0
	for rows.Next() {
		var tenantID uuid.UUID
		var totalCost decimal.Decimal
		var subscriptionItemID string
		if err := rows.Scan(&tenantID, &totalCost, &subscriptionItemID); err != nil {
			e.logger.Error("failed to scan rollup", zap.Error(err))
			failure++
			continue
		}

		cents := totalCost.Shift(2).Round(0).IntPart()
		_, err := usagerecord.New(&stripe.UsageRecordParams{
			Params:           stripe.Params{Context: ctx},
			SubscriptionItem: stripe.String(subscriptionItemID),
			Quantity:         stripe.Int64(cents),
			Timestamp:        stripe.Int64(e.now().Unix()),
			Action:           stripe.String(string(stripe.UsageRecordActionSet)),
		})
		if err != nil {
			e.logger.Error("failed to create Stripe usage record",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err),
			)
			failure++
			continue
		}
		success++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate rollups: %w", err)
	}

	e.logger.Info("exported usage to Stripe",
		zap.String("month", month),
		zap.Int("success", success),
		zap.Int("failure", failure),
	)
	return nil
}
