package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/huntaze/ai-governor/internal/knowledge"
	"github.com/huntaze/ai-governor/internal/ledger"
	"github.com/huntaze/ai-governor/internal/provider"
	"github.com/huntaze/ai-governor/pkg/metrics"
	"github.com/huntaze/ai-governor/pkg/models"
	"go.uber.org/zap"
)

// TenantContext identifies the tenant a request runs on behalf of. The
// plan is carried along so agents never re-fetch it mid-request.
type TenantContext struct {
	TenantID uuid.UUID
	Plan     models.TenantPlan
}

// DomainResult is one agent's successful contribution.
type DomainResult struct {
	Content  string
	Metadata map[string]any
	Usage    models.CallUsage
}

// Agent is the one contract all four capability variants implement.
// Handle returns the domain result plus any new insights worth keeping
// for future requests from the same tenant.
type Agent interface {
	ID() string
	Handle(ctx context.Context, tc TenantContext, payload map[string]any) (*DomainResult, []models.Insight, error)
}

// Deps bundles the collaborators every agent variant needs.
type Deps struct {
	Knowledge   *knowledge.Store
	Provider    provider.Client
	Ledger      *ledger.Ledger
	Logger      *zap.Logger
	Model       string
	CallTimeout time.Duration
	MaxAttempts int
	BackoffBase time.Duration
}

// base carries the shared call path: provider call with timeout and
// bounded retry, then a ledger write priced from the provider's own
// token counts. A failed provider call never reaches the ledger.
type base struct {
	id   string
	deps Deps
}

func (b *base) invoke(ctx context.Context, tc TenantContext, feature string, req provider.Request) (*DomainResult, error) {
	if req.Model == "" {
		req.Model = b.deps.Model
	}

	callCtx, cancel := context.WithTimeout(ctx, b.deps.CallTimeout)
	defer cancel()

	completion, retries, err := provider.CompleteWithRetry(callCtx, b.deps.Provider, req, b.deps.MaxAttempts, b.deps.BackoffBase)
	if retries > 0 {
		metrics.ProviderRetries.WithLabelValues(b.id).Add(float64(retries))
	}
	if err != nil {
		return nil, fmt.Errorf("agent %s provider call failed: %w", b.id, err)
	}

	// The record uses the parent context so a call that consumed its
	// whole timeout still gets billed.
	record, err := b.deps.Ledger.Record(ctx, models.UsageRecord{
		TenantID:     tc.TenantID,
		Feature:      feature,
		AgentID:      b.id,
		Model:        completion.Model,
		InputTokens:  completion.InputTokens,
		OutputTokens: completion.OutputTokens,
	})
	if err != nil {
		return nil, err
	}

	return &DomainResult{
		Content: completion.Text,
		Usage: models.CallUsage{
			Model:        record.Model,
			InputTokens:  record.InputTokens,
			OutputTokens: record.OutputTokens,
			CostUSD:      record.CostUSD,
		},
	}, nil
}

// priorContext renders the tenant's top-ranked insights of a type into
// prompt lines. Retrieval failures degrade to an empty context; the
// request is still worth serving without memory.
func (b *base) priorContext(ctx context.Context, tenantID uuid.UUID, insightType string, limit int) string {
	ranked, err := b.deps.Knowledge.Query(ctx, tenantID, insightType, limit)
	if err != nil {
		b.deps.Logger.Warn("knowledge retrieval failed",
			zap.String("agent_id", b.id),
			zap.String("tenant_id", tenantID.String()),
			zap.String("type", insightType),
			zap.Error(err),
		)
		return ""
	}
	if len(ranked) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Known context from past interactions:\n")
	for _, in := range ranked {
		fmt.Fprintf(&sb, "- (confidence %.2f) %s\n", in.EffectiveConfidence, in.Payload)
	}
	return sb.String()
}

func stringField(payload map[string]any, key, fallback string) string {
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
