package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/huntaze/ai-governor/internal/agents"
	"github.com/huntaze/ai-governor/internal/knowledge"
	"github.com/huntaze/ai-governor/internal/quota"
	"github.com/huntaze/ai-governor/pkg/metrics"
	"github.com/huntaze/ai-governor/pkg/models"
	"go.uber.org/zap"
)

// UnknownKindError reports a request kind outside the closed set.
type UnknownKindError struct {
	Kind models.RequestKind
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown request kind %q", e.Kind)
}

// Orchestrator routes each request kind to its agents, tolerates
// per-agent failure, and merges whatever succeeded.
type Orchestrator struct {
	routes    map[models.RequestKind][]agents.Agent
	knowledge *knowledge.Store
	guard     *quota.Guard
	logger    *zap.Logger
}

// New builds the orchestrator with its static kind-to-agent routing
// table. optimize_sales runs analytics first and feeds its output into
// the sales agent.
func New(deps agents.Deps, guard *quota.Guard, logger *zap.Logger) *Orchestrator {
	messaging := agents.NewMessagingAgent(deps)
	caption := agents.NewCaptionAgent(deps)
	analytics := agents.NewAnalyticsAgent(deps)
	sales := agents.NewSalesAgent(deps)

	return &Orchestrator{
		routes: map[models.RequestKind][]agents.Agent{
			models.KindFanMessage:         {messaging},
			models.KindGenerateCaption:    {caption},
			models.KindAnalyzePerformance: {analytics},
			models.KindOptimizeSales:      {analytics, sales},
		},
		knowledge: deps.Knowledge,
		guard:     guard,
		logger:    logger,
	}
}

// ChainLength reports how many agents the given kind routes through,
// or zero for an unknown kind. Callers use it to scale per-request
// cost estimates to the full chain.
func (o *Orchestrator) ChainLength(kind models.RequestKind) int {
	return len(o.routes[kind])
}

// Route invokes the agents for the request's kind in order. A failing
// agent never aborts the sequence: later agents still run, and the
// result flags the failure alongside whatever succeeded.
func (o *Orchestrator) Route(ctx context.Context, req models.Request, plan models.TenantPlan) (models.Result, error) {
	selected, ok := o.routes[req.Kind]
	if !ok {
		return models.Result{}, &UnknownKindError{Kind: req.Kind}
	}

	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}

	tc := agents.TenantContext{TenantID: req.TenantID, Plan: plan}
	result := models.Result{
		RequestID: req.ID,
		TenantID:  req.TenantID,
		Kind:      req.Kind,
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	for _, agent := range selected {
		start := time.Now()
		output, insights, err := agent.Handle(ctx, tc, payload)
		elapsed := time.Since(start)

		if err != nil {
			metrics.ObserveAgent(agent.ID(), "failure", elapsed.Seconds())
			result.Failures = append(result.Failures, models.AgentFailure{
				AgentID:    agent.ID(),
				Reason:     err.Error(),
				DurationMs: elapsed.Milliseconds(),
			})
			o.logRouting(req, agent.ID(), "failure", elapsed)
			continue
		}

		metrics.ObserveAgent(agent.ID(), "success", elapsed.Seconds())
		result.Outputs = append(result.Outputs, models.AgentOutput{
			AgentID:    agent.ID(),
			Content:    output.Content,
			Metadata:   output.Metadata,
			Usage:      output.Usage,
			DurationMs: elapsed.Milliseconds(),
		})
		o.logRouting(req, agent.ID(), "success", elapsed)

		o.persistInsights(ctx, insights)
		o.feedForward(agent.ID(), payload, output)
	}

	switch {
	case len(result.Outputs) == 0:
		result.Status = models.ResultFailed
	case len(result.Failures) > 0:
		result.Status = models.ResultPartial
	default:
		result.Status = models.ResultSucceeded
	}

	if o.guard != nil && len(result.Outputs) > 0 {
		o.guard.AfterRecord(ctx, req.TenantID, plan)
	}

	return result, nil
}

// feedForward makes an earlier agent's output available to later ones
// in the same sequence.
func (o *Orchestrator) feedForward(agentID string, payload map[string]any, output *agents.DomainResult) {
	if agentID == "analytics" {
		payload[agents.PriorAnalysisKey] = output.Content
	}
}

func (o *Orchestrator) persistInsights(ctx context.Context, insights []models.Insight) {
	for _, in := range insights {
		if _, err := o.knowledge.Save(ctx, in); err != nil {
			// Insights are advisory; losing one never fails a request.
			o.logger.Warn("failed to persist insight",
				zap.String("tenant_id", in.TenantID.String()),
				zap.String("type", in.Type),
				zap.Error(err),
			)
		}
	}
}

func (o *Orchestrator) logRouting(req models.Request, agentID, outcome string, elapsed time.Duration) {
	o.logger.Info("routing decision",
		zap.String("request_id", req.ID.String()),
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("kind", string(req.Kind)),
		zap.String("agent_id", agentID),
		zap.String("outcome", outcome),
		zap.Duration("duration", elapsed),
	)
}
