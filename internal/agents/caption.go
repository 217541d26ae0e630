package agents

import (
	"context"
	"fmt"

	"github.com/huntaze/ai-governor/internal/provider"
	"github.com/huntaze/ai-governor/pkg/models"
)

const captionStyleType = "caption_style"

// CaptionAgent generates post captions tuned to the target platform.
type CaptionAgent struct {
	base
}

// NewCaptionAgent creates the caption-generation agent.
func NewCaptionAgent(deps Deps) *CaptionAgent {
	return &CaptionAgent{base: base{id: "caption", deps: deps}}
}

func (a *CaptionAgent) ID() string { return a.id }

func (a *CaptionAgent) Handle(ctx context.Context, tc TenantContext, payload map[string]any) (*DomainResult, []models.Insight, error) {
	topic := stringField(payload, "topic", "a new post")
	platform := stringField(payload, "platform", "instagram")

	prior := a.priorContext(ctx, tc.TenantID, captionStyleType, 3)

	system := fmt.Sprintf("You write short, engaging social captions for %s. Include a call to action.", platform)
	if prior != "" {
		system += "\n\n" + prior
	}

	result, err := a.invoke(ctx, tc, "generate_caption", provider.Request{
		Model:  stringField(payload, "model", ""),
		System: system,
		Messages: []provider.Message{
			{Role: "user", Content: fmt.Sprintf("Write a caption about: %s", topic)},
		},
		Temperature: 0.9,
		MaxTokens:   300,
	})
	if err != nil {
		return nil, nil, err
	}

	result.Metadata = map[string]any{"platform": platform}

	insights := []models.Insight{{
		TenantID:    tc.TenantID,
		SourceAgent: a.id,
		Type:        captionStyleType,
		Confidence:  0.5,
		Payload:     fmt.Sprintf(`{"platform":%q,"topic":%q}`, platform, topic),
	}}
	return result, insights, nil
}
