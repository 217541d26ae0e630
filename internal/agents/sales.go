package agents

import (
	"context"

	"github.com/huntaze/ai-governor/internal/provider"
	"github.com/huntaze/ai-governor/pkg/models"
)

const pricingSignalType = "pricing_signal"

// PriorAnalysisKey is the payload key the orchestrator uses to feed a
// preceding agent's output into this one.
const PriorAnalysisKey = "prior_analysis"

// SalesAgent recommends pricing and promotion moves, optionally
// building on a fresh performance analysis fed forward by the
// orchestrator.
type SalesAgent struct {
	base
}

// NewSalesAgent creates the sales-optimization agent.
func NewSalesAgent(deps Deps) *SalesAgent {
	return &SalesAgent{base: base{id: "sales", deps: deps}}
}

func (a *SalesAgent) ID() string { return a.id }

func (a *SalesAgent) Handle(ctx context.Context, tc TenantContext, payload map[string]any) (*DomainResult, []models.Insight, error) {
	goal := stringField(payload, "goal", "increase monthly revenue")
	priorAnalysis := stringField(payload, PriorAnalysisKey, "")

	prior := a.priorContext(ctx, tc.TenantID, pricingSignalType, 5)

	system := "You are a revenue strategist for content creators. Recommend concrete pricing and promotion actions with expected impact."
	if prior != "" {
		system += "\n\n" + prior
	}

	userPrompt := "Goal: " + goal
	if priorAnalysis != "" {
		userPrompt += "\n\nRecent performance analysis:\n" + priorAnalysis
	}

	result, err := a.invoke(ctx, tc, "optimize_sales", provider.Request{
		Model:  stringField(payload, "model", ""),
		System: system,
		Messages: []provider.Message{
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.4,
		MaxTokens:   800,
	})
	if err != nil {
		return nil, nil, err
	}

	result.Metadata = map[string]any{
		"goal":          goal,
		"used_analysis": priorAnalysis != "",
	}

	insights := []models.Insight{{
		TenantID:    tc.TenantID,
		SourceAgent: a.id,
		Type:        pricingSignalType,
		Confidence:  0.7,
		Payload:     string(mustJSON(map[string]string{"goal": goal, "recommendation": excerpt(result.Content, 200)})),
	}}
	return result, insights, nil
}
