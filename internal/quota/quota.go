package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/huntaze/ai-governor/internal/ledger"
	"github.com/huntaze/ai-governor/pkg/cache"
	"github.com/huntaze/ai-governor/pkg/events"
	"github.com/huntaze/ai-governor/pkg/metrics"
	"github.com/huntaze/ai-governor/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExceededError carries the usage and cap so callers can decide
// whether to surface an upgrade prompt without reading server logs.
type ExceededError struct {
	CurrentUsage decimal.Decimal
	Cap          decimal.Decimal
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("monthly quota exceeded: current usage %s of cap %s", e.CurrentUsage, e.Cap)
}

// Decision is the outcome of a pre-call quota check.
type Decision struct {
	Approved     bool
	CurrentUsage decimal.Decimal
	Cap          decimal.Decimal
	Unlimited    bool
}

// notifyThresholds are the cap percentages that trigger a notification
// event, once per threshold per tenant per month.
var notifyThresholds = []int64{80, 95}

// Guard approves or rejects a request against the tenant's monthly
// spend cap before any provider cost is incurred.
//
// Concurrency note: Check reads the current sum and compares; the
// matching UsageRecord lands only after the provider call completes.
// Two concurrent requests near the cap can therefore both pass, which
// overshoots the cap by at most one request's actual cost. This is a
// deliberate, documented trade: a hard cap would serialize all billing
// for a tenant behind a lock held across multi-second provider calls.
type Guard struct {
	ledger *ledger.Ledger
	cache  *cache.Cache
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewGuard creates a quota guard.
func NewGuard(l *ledger.Ledger, c *cache.Cache, bus *events.Bus, logger *zap.Logger) *Guard {
	return &Guard{
		ledger: l,
		cache:  c,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// Check decides whether a call with the given estimated cost may
// proceed. Plan changes take effect here immediately: the cap is read
// from the plan passed in, which the gateway re-derives per request.
// Rejection returns an *ExceededError alongside the populated
// decision; any other error means the check itself could not run.
func (g *Guard) Check(ctx context.Context, tenantID uuid.UUID, plan models.TenantPlan, estimate decimal.Decimal) (Decision, error) {
	if plan.Unlimited {
		return Decision{Approved: true, Unlimited: true}, nil
	}

	from, to, err := models.MonthBounds(models.MonthOf(g.now()))
	if err != nil {
		return Decision{}, err
	}

	current, err := g.ledger.SumCost(ctx, tenantID, from, to)
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{
		CurrentUsage: current,
		Cap:          plan.MonthlyCostCapUSD,
	}

	if current.Add(estimate).LessThanOrEqual(plan.MonthlyCostCapUSD) {
		decision.Approved = true
		return decision, nil
	}

	metrics.QuotaRejections.WithLabelValues(string(plan.Tier)).Inc()
	g.logger.Info("quota check rejected",
		zap.String("tenant_id", tenantID.String()),
		zap.String("tier", string(plan.Tier)),
		zap.String("current_usage", current.String()),
		zap.String("estimate", estimate.String()),
		zap.String("cap", plan.MonthlyCostCapUSD.String()),
	)

	return decision, &ExceededError{CurrentUsage: current, Cap: plan.MonthlyCostCapUSD}
}

// AfterRecord runs the threshold side-effect after a successful usage
// write. Crossing 80% or 95% of the cap publishes a notification event
// exactly once per threshold per tenant per month; re-crossing within
// the month is deduplicated through Redis.
func (g *Guard) AfterRecord(ctx context.Context, tenantID uuid.UUID, plan models.TenantPlan) {
	if plan.Unlimited {
		return
	}

	current, err := g.ledger.CurrentMonthCost(ctx, tenantID)
	if err != nil {
		g.logger.Error("failed to read usage for threshold check",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		return
	}

	metrics.TenantSpendUSD.WithLabelValues(tenantID.String()).Set(current.InexactFloat64())

	capUSD := plan.MonthlyCostCapUSD
	if capUSD.IsZero() {
		return
	}

	month := models.MonthOf(g.now())
	for _, pct := range notifyThresholds {
		threshold := capUSD.Mul(decimal.NewFromInt(pct)).Shift(-2)
		if current.LessThan(threshold) {
			continue
		}

		key := fmt.Sprintf("quota:threshold:%s:%s:%d", tenantID, month, pct)
		created, err := g.cache.SetNX(ctx, key, "1", 32*24*time.Hour)
		if err != nil {
			g.logger.Error("failed to dedupe threshold event", zap.Error(err))
			continue
		}
		if !created {
			continue // already notified this month
		}

		metrics.QuotaThresholdEvents.WithLabelValues(fmt.Sprintf("%d", pct)).Inc()
		g.bus.Publish(ctx, events.NewEvent(events.EventQuotaThresholdReached, tenantID.String(), map[string]interface{}{
			"threshold_percent": pct,
			"current_usage_usd": current.String(),
			"cap_usd":           capUSD.String(),
			"month":             month,
			"tier":              string(plan.Tier),
		}))

		g.logger.Info("quota threshold reached",
			zap.String("tenant_id", tenantID.String()),
			zap.Int64("threshold_percent", pct),
			zap.String("current_usage", current.String()),
			zap.String("cap", capUSD.String()),
		)
	}
}
