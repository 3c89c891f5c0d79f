package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/awsl-project/maxxgate/internal/domain"
)

func TestContextUsageToTokens(t *testing.T) {
	assert.Equal(t, 25000, ContextUsageToTokens(12.5, 200000))
}

func TestContextUsageToTokensDefaultsMaxTokens(t *testing.T) {
	assert.Equal(t, ContextUsageToTokens(12.5, ClaudeDefaultMaxTokens), ContextUsageToTokens(12.5, 0))
}

func TestDocumentCost(t *testing.T) {
	// 100 base64 chars -> 75 decoded bytes -> ceil(75/4) = 19 tokens.
	assert.Equal(t, 19, DocumentCost(string(make([]byte, 100))))
}

func TestCountTokensChargesFlatImageCost(t *testing.T) {
	reqCtx := &domain.RequestContext{
		Messages: []domain.CanonicalMessage{
			{Role: domain.RoleUser, Parts: []domain.CanonicalPart{{Type: domain.PartImage, MediaType: "image/png", Data: "abc"}}},
		},
	}

	total := CountTokens(reqCtx)

	assert.GreaterOrEqual(t, total, FlatImageCost)
}

func TestCountTokensIncludesSystemPromptAndTools(t *testing.T) {
	withoutExtras := CountTokens(&domain.RequestContext{
		Messages: []domain.CanonicalMessage{{Role: domain.RoleUser, Parts: []domain.CanonicalPart{{Type: domain.PartText, Text: "hi"}}}},
	})

	withExtras := CountTokens(&domain.RequestContext{
		SystemPrompt: "you are a helpful assistant",
		Messages:     []domain.CanonicalMessage{{Role: domain.RoleUser, Parts: []domain.CanonicalPart{{Type: domain.PartText, Text: "hi"}}}},
		Tools:        []domain.CanonicalTool{{Name: "search", Description: "search the web"}},
	})

	assert.Greater(t, withExtras, withoutExtras)
}

func TestTextTokensEmpty(t *testing.T) {
	assert.Equal(t, 0, TextTokens(""))
}
