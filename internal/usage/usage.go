// Package usage implements C7: provider-agnostic token counting and the
// context-usage-percentage to input-token mapping the dispatch pipeline
// falls back on when an upstream doesn't report contextUsagePercentage
// itself. Text counting is grounded on tiktoken-go the same way the pack's
// agentflow tokenizer wraps it, since CountTokens must work for any
// canonical request regardless of which adapter will ultimately serve it.
package usage

import (
	"math"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/awsl-project/maxxgate/internal/domain"
	"github.com/awsl-project/maxxgate/internal/jsonutil"
)

// FlatImageCost is the flat per-image token cost used when counting locally,
// per spec.md §4.7 (distinct from the Kiro-specific heuristic adapter.TokenEstimator
// keeps at 1500 for its own CodeWhisperer-shaped estimates).
const FlatImageCost = 1600

// ClaudeDefaultMaxTokens is the context window contextUsagePercentage is
// computed against absent an adapter-specific override.
const ClaudeDefaultMaxTokens = 200000

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
)

// encoding lazily loads the cl100k_base tiktoken encoding, which is close
// enough to every wire dialect's tokenizer for the best-effort counting
// CountTokens promises. It tries the load once; on failure it keeps the error
// in encErr, logs nothing, and returns nil from then on.
func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding("cl100k_base")
	})
	return enc
}

// DocumentCost is the base64-document token cost: decoded byte count
// (len*0.75, since base64 expands bytes by 4/3) divided by the usual
// 4-chars-per-token ratio.
func DocumentCost(base64Data string) int {
	return int(math.Ceil(float64(len(base64Data)) * 0.75 / 4))
}

// TextTokens counts text with tiktoken, falling back to a chars/4 estimate
// if the encoding failed to load (offline/blocked egress).
func TextTokens(text string) int {
	if text == "" {
		return 0
	}
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return int(math.Ceil(float64(len(text)) / 4))
}

// CountTokens is a pure, provider-agnostic estimate of reqCtx's input token
// cost: system prompt, every message part, and tool declarations. It never
// errors; it is the fallback the dispatch pipeline uses when an upstream
// can't or doesn't report its own usage.
func CountTokens(reqCtx *domain.RequestContext) int {
	total := 0

	if reqCtx.SystemPrompt != "" {
		total += TextTokens(reqCtx.SystemPrompt) + 2
	}

	for _, msg := range reqCtx.Messages {
		total += 3 // role-tag overhead, matching the per-message overhead every dialect charges
		for _, part := range msg.Parts {
			total += partCost(part)
		}
	}

	for _, tool := range reqCtx.Tools {
		total += TextTokens(tool.Name) + TextTokens(tool.Description)
		if tool.Parameters != nil {
			total += schemaCost(tool.Parameters)
		}
	}

	return total
}

func partCost(part domain.CanonicalPart) int {
	switch part.Type {
	case domain.PartText:
		return TextTokens(part.Text)
	case domain.PartImage:
		return FlatImageCost
	case domain.PartDocument:
		return DocumentCost(part.Data)
	case domain.PartToolUse:
		cost := TextTokens(part.ToolName) + 8
		if part.ToolInput != nil {
			cost += schemaCost(part.ToolInput)
		}
		return cost
	case domain.PartToolResult:
		return TextTokens(part.ToolResultText)
	default:
		return 0
	}
}

func schemaCost(schema map[string]any) int {
	b, err := jsonutil.Marshal(schema)
	if err != nil {
		return 0
	}
	return int(math.Ceil(float64(len(b)) / 4))
}

// ContextUsageToTokens back-computes an input-token count from the
// percentage-of-context-window an upstream reports, per spec.md §4.4's
// {"contextUsagePercentage":N} event and §8's testable property
// (12.5% of 200000 -> 25000).
func ContextUsageToTokens(percentage float64, maxTokens int) int {
	if maxTokens <= 0 {
		maxTokens = ClaudeDefaultMaxTokens
	}
	return int(math.Round(percentage / 100 * float64(maxTokens)))
}
