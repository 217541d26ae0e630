package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/huntaze/ai-governor/pkg/cache"
	"github.com/huntaze/ai-governor/pkg/events"
	"github.com/huntaze/ai-governor/pkg/metrics"
	"github.com/huntaze/ai-governor/pkg/models"
	"go.uber.org/zap"
)

const (
	// window is the rolling admission window.
	window = time.Hour

	// anomalySpan is the trailing sub-window scanned for bursts.
	anomalySpan = 5 * time.Minute
)

// admitScript trims the tenant's window, then either records the
// request or reports how long until the oldest entry ages out. Running
// it as a single script keeps check-and-add atomic under concurrent
// requests for the same tenant.
//
// KEYS[1] window zset, ARGV[1] now ms, ARGV[2] window ms,
// ARGV[3] limit, ARGV[4] member.
// Returns {allowed, count, retry_after_ms}.
var admitScript = redis.NewScript(`
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
	local retry = tonumber(ARGV[2])
	local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	if oldest[2] then
		retry = tonumber(oldest[2]) + tonumber(ARGV[2]) - tonumber(ARGV[1])
	end
	return {0, count, retry}
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[1]), ARGV[4])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
return {1, count + 1, 0}
`)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Limit   int64
	// Remaining is the number of requests left in the window after
	// this decision.
	Remaining int64
	// RetryAfterSeconds is how long until the oldest request ages out
	// of the window. Zero when Allowed.
	RetryAfterSeconds int64
}

// Limiter enforces per-tenant rolling-hour request limits backed by a
// Redis sorted set per tenant, and watches the trailing five minutes
// for bursts well above the plan's sustained rate.
type Limiter struct {
	cache  *cache.Cache
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewLimiter creates a rate limiter.
func NewLimiter(c *cache.Cache, bus *events.Bus, logger *zap.Logger) *Limiter {
	return &Limiter{
		cache:  c,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// Allow decides whether one more request fits in the tenant's rolling
// hour. Denied requests are not counted against the window.
func (l *Limiter) Allow(ctx context.Context, tenantID uuid.UUID, plan models.TenantPlan) (Decision, error) {
	now := l.now()
	key := windowKey(tenantID)

	res, err := admitScript.Run(ctx, l.cache.Client,
		[]string{key},
		now.UnixMilli(),
		window.Milliseconds(),
		plan.HourlyRequestLimit,
		uuid.NewString(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("rate limit check failed: unexpected script reply %v", res)
	}

	allowed := vals[0].(int64) == 1
	count := vals[1].(int64)
	retryMs := vals[2].(int64)

	decision := Decision{
		Allowed: allowed,
		Limit:   plan.HourlyRequestLimit,
	}

	if !allowed {
		decision.RetryAfterSeconds = (retryMs + 999) / 1000
		metrics.RateLimitDenials.WithLabelValues(string(plan.Tier)).Inc()
		l.logger.Info("rate limit exceeded",
			zap.String("tenant_id", tenantID.String()),
			zap.String("tier", string(plan.Tier)),
			zap.Int64("limit", plan.HourlyRequestLimit),
			zap.Int64("retry_after_seconds", decision.RetryAfterSeconds),
		)
	} else {
		decision.Remaining = plan.HourlyRequestLimit - count
		if decision.Remaining < 0 {
			decision.Remaining = 0
		}
	}

	// Bursts are measured over attempts, admitted or denied, so a
	// tenant hammering a full window still trips the anomaly signal.
	l.detectBurst(ctx, tenantID, plan, now)
	return decision, nil
}

// detectBurst records this attempt and flags tenants whose trailing
// five minutes of attempts exceed twice the pro-rated hourly limit.
// One event per tenant per five-minute bucket; detection failures are
// logged and never affect admission.
func (l *Limiter) detectBurst(ctx context.Context, tenantID uuid.UUID, plan models.TenantPlan, now time.Time) {
	key := attemptsKey(tenantID)
	cutoff := now.Add(-anomalySpan).UnixMilli()

	pipe := l.cache.Client.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff))
	countCmd := pipe.ZCount(ctx, key, fmt.Sprintf("%d", cutoff), "+inf")
	pipe.PExpire(ctx, key, anomalySpan)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Error("burst detection count failed",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		return
	}
	count := countCmd.Val()

	threshold := 2 * float64(plan.HourlyRequestLimit) * anomalySpan.Minutes() / 60
	if float64(count) <= threshold {
		return
	}

	bucket := now.Unix() / int64(anomalySpan.Seconds())
	dedupeKey := fmt.Sprintf("ratelimit:anomaly:%s:%d", tenantID, bucket)
	created, err := l.cache.SetNX(ctx, dedupeKey, "1", 2*anomalySpan)
	if err != nil {
		l.logger.Error("burst dedupe failed",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		return
	}
	if !created {
		return
	}

	metrics.RateAnomalies.WithLabelValues(string(plan.Tier)).Inc()
	l.bus.Publish(ctx, events.NewEvent(events.EventRateAnomalyDetected, tenantID.String(), map[string]interface{}{
		"window_seconds":  int64(anomalySpan.Seconds()),
		"request_count":   count,
		"burst_threshold": threshold,
		"hourly_limit":    plan.HourlyRequestLimit,
		"tier":            string(plan.Tier),
	}))

	l.logger.Warn("request burst detected",
		zap.String("tenant_id", tenantID.String()),
		zap.String("tier", string(plan.Tier)),
		zap.Int64("requests_in_window", count),
		zap.Float64("threshold", threshold),
	)
}

// Reset clears a tenant's admission window and attempt history.
func (l *Limiter) Reset(ctx context.Context, tenantID uuid.UUID) error {
	return l.cache.Delete(ctx, windowKey(tenantID), attemptsKey(tenantID))
}

func windowKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("ratelimit:window:%s", tenantID)
}

func attemptsKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("ratelimit:attempts:%s", tenantID)
}
