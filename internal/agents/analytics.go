package agents

import (
	"context"
	"encoding/json"

	"github.com/huntaze/ai-governor/internal/provider"
	"github.com/huntaze/ai-governor/pkg/models"
)

const performanceTrendType = "performance_trend"

// AnalyticsAgent summarizes a tenant's content performance metrics
// into trends the sales agent can act on.
type AnalyticsAgent struct {
	base
}

// NewAnalyticsAgent creates the performance-analysis agent.
func NewAnalyticsAgent(deps Deps) *AnalyticsAgent {
	return &AnalyticsAgent{base: base{id: "analytics", deps: deps}}
}

func (a *AnalyticsAgent) ID() string { return a.id }

func (a *AnalyticsAgent) Handle(ctx context.Context, tc TenantContext, payload map[string]any) (*DomainResult, []models.Insight, error) {
	period := stringField(payload, "period", "last 30 days")

	metricsJSON := "{}"
	if raw, ok := payload["metrics"]; ok {
		if encoded, err := json.Marshal(raw); err == nil {
			metricsJSON = string(encoded)
		}
	}

	prior := a.priorContext(ctx, tc.TenantID, performanceTrendType, 5)

	system := "You are a content performance analyst. Identify the strongest and weakest trends in the metrics and state them plainly."
	if prior != "" {
		system += "\n\n" + prior
	}

	result, err := a.invoke(ctx, tc, "analyze_performance", provider.Request{
		Model:  stringField(payload, "model", ""),
		System: system,
		Messages: []provider.Message{
			{Role: "user", Content: "Period: " + period + "\nMetrics: " + metricsJSON},
		},
		Temperature: 0.2,
		MaxTokens:   800,
	})
	if err != nil {
		return nil, nil, err
	}

	result.Metadata = map[string]any{"period": period}

	insights := []models.Insight{{
		TenantID:    tc.TenantID,
		SourceAgent: a.id,
		Type:        performanceTrendType,
		Confidence:  0.8,
		Payload:     string(mustJSON(map[string]string{"period": period, "summary": excerpt(result.Content, 200)})),
	}}
	return result, insights, nil
}

func mustJSON(v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return out
}
