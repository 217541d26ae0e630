package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PlanTier is a named subscription bucket that determines the monthly
// spend cap and the hourly request limit.
type PlanTier string

const (
	TierStarter  PlanTier = "starter"
	TierPro      PlanTier = "pro"
	TierBusiness PlanTier = "business"
)

// TenantPlan is the per-tenant governance contract. It is owned by the
// subscription system; this layer consumes it read-only. Plan changes
// take effect on the next request, never retroactively.
type TenantPlan struct {
	Tier               PlanTier
	MonthlyCostCapUSD  decimal.Decimal
	Unlimited          bool
	HourlyRequestLimit int64
}

var planTable = map[PlanTier]TenantPlan{
	TierStarter: {
		Tier:               TierStarter,
		MonthlyCostCapUSD:  decimal.RequireFromString("10.00"),
		HourlyRequestLimit: 50,
	},
	TierPro: {
		Tier:               TierPro,
		MonthlyCostCapUSD:  decimal.RequireFromString("50.00"),
		HourlyRequestLimit: 200,
	},
	TierBusiness: {
		Tier:               TierBusiness,
		Unlimited:          true,
		HourlyRequestLimit: 600,
	},
}

// PlanForTier resolves a tier name to its plan. Unknown tiers fall back
// to starter, the most restrictive bucket.
func PlanForTier(tier PlanTier) TenantPlan {
	if plan, ok := planTable[tier]; ok {
		return plan
	}
	return planTable[TierStarter]
}

// Tenant represents a billed creator account.
type Tenant struct {
	ID        uuid.UUID
	Name      string
	Tier      PlanTier
	Status    string
	CreatedAt time.Time
}

// UsageRecord is one immutable row per completed AI call. The cost is
// always recomputed from token counts at write time; caller-supplied
// values are discarded.
type UsageRecord struct {
	ID           uuid.UUID       `json:"id"`
	TenantID     uuid.UUID       `json:"tenant_id"`
	Feature      string          `json:"feature"`
	AgentID      string          `json:"agent_id,omitempty"`
	Model        string          `json:"model"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
	CreatedAt    time.Time       `json:"created_at"`
}

// MonthlyAggregate is a materialized rollup keyed by (tenant, month).
// It is a cache, never the source of truth: recomputing it from
// UsageRecords must always yield the same totals.
type MonthlyAggregate struct {
	TenantID          uuid.UUID       `json:"tenant_id"`
	Month             string          `json:"month"` // "2006-01"
	TotalInputTokens  int64           `json:"total_input_tokens"`
	TotalOutputTokens int64           `json:"total_output_tokens"`
	TotalCostUSD      decimal.Decimal `json:"total_cost_usd"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// MonthOf formats a timestamp as a rollup month key.
func MonthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// MonthBounds returns the [start, end) window for a month key.
func MonthBounds(month string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", month)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, start.AddDate(0, 1, 0), nil
}

// Insight is one append-only record of cross-agent memory about a
// tenant. The stored confidence is never mutated; decay is applied at
// read time.
type Insight struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	SourceAgent string    `json:"source_agent"`
	Type        string    `json:"type"`
	Confidence  float64   `json:"confidence"`
	Payload     string    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// RequestKind tags an inbound request with the agent work it needs.
type RequestKind string

const (
	KindFanMessage         RequestKind = "fan_message"
	KindGenerateCaption    RequestKind = "generate_caption"
	KindAnalyzePerformance RequestKind = "analyze_performance"
	KindOptimizeSales      RequestKind = "optimize_sales"
)

// KnownKinds lists the closed set of request kinds.
func KnownKinds() []RequestKind {
	return []RequestKind{KindFanMessage, KindGenerateCaption, KindAnalyzePerformance, KindOptimizeSales}
}

// Request is the inbound unit of work after authentication. The tenant
// identity is trusted; the plan is always re-derived server side.
type Request struct {
	ID       uuid.UUID      `json:"id"`
	TenantID uuid.UUID      `json:"tenant_id"`
	Kind     RequestKind    `json:"kind"`
	Payload  map[string]any `json:"payload"`
}

// CallUsage is the per-call billing metadata surfaced to callers.
type CallUsage struct {
	Model        string          `json:"model"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
}

// ResultStatus distinguishes full, partial and failed outcomes.
type ResultStatus string

const (
	ResultSucceeded ResultStatus = "succeeded"
	ResultPartial   ResultStatus = "partial"
	ResultFailed    ResultStatus = "failed"
)

// AgentOutput is the successful contribution of one agent.
type AgentOutput struct {
	AgentID    string         `json:"agent_id"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Usage      CallUsage      `json:"usage"`
	DurationMs int64          `json:"duration_ms"`
}

// AgentFailure records which agent failed and why, so callers can act
// without reading server logs.
type AgentFailure struct {
	AgentID    string `json:"agent_id"`
	Reason     string `json:"reason"`
	DurationMs int64  `json:"duration_ms"`
}

// Result is the merged orchestration outcome for one request.
type Result struct {
	RequestID uuid.UUID      `json:"request_id"`
	TenantID  uuid.UUID      `json:"tenant_id"`
	Kind      RequestKind    `json:"kind"`
	Status    ResultStatus   `json:"status"`
	Outputs   []AgentOutput  `json:"outputs"`
	Failures  []AgentFailure `json:"failures,omitempty"`
}
