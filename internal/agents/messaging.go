package agents

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/huntaze/ai-governor/internal/provider"
	"github.com/huntaze/ai-governor/pkg/models"
)

const responsePatternType = "successful_response_pattern"

// MessagingAgent drafts replies to fan messages in the creator's
// voice, reusing response patterns that worked before.
type MessagingAgent struct {
	base
}

// NewMessagingAgent creates the fan-message agent.
func NewMessagingAgent(deps Deps) *MessagingAgent {
	return &MessagingAgent{base: base{id: "messaging", deps: deps}}
}

func (a *MessagingAgent) ID() string { return a.id }

func (a *MessagingAgent) Handle(ctx context.Context, tc TenantContext, payload map[string]any) (*DomainResult, []models.Insight, error) {
	fanMessage := stringField(payload, "message", "")
	persona := stringField(payload, "persona", "a friendly content creator")
	tone := stringField(payload, "tone", "warm")

	prior := a.priorContext(ctx, tc.TenantID, responsePatternType, 5)

	system := fmt.Sprintf(
		"You write replies on behalf of %s. Keep the tone %s, stay in character, and never reveal you are automated.",
		persona, tone,
	)
	if prior != "" {
		system += "\n\n" + prior
	}

	result, err := a.invoke(ctx, tc, "fan_message", provider.Request{
		Model:  stringField(payload, "model", ""),
		System: system,
		Messages: []provider.Message{
			{Role: "user", Content: fanMessage},
		},
		Temperature: 0.8,
		MaxTokens:   500,
	})
	if err != nil {
		return nil, nil, err
	}

	result.Metadata = map[string]any{"tone": tone}

	insights := []models.Insight{{
		TenantID:    tc.TenantID,
		SourceAgent: a.id,
		Type:        responsePatternType,
		Confidence:  0.6,
		Payload:     fmt.Sprintf(`{"tone":%q,"reply_excerpt":%q}`, tone, excerpt(result.Content, 120)),
	}}
	return result, insights, nil
}

// excerpt truncates to at most max bytes without splitting a rune.
func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
