package wire

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/awsl-project/maxxgate/internal/converter"
	"github.com/awsl-project/maxxgate/internal/domain"
	"github.com/awsl-project/maxxgate/internal/jsonutil"
)

// EncodeResponse renders a non-streaming canonical result in reqCtx's wire
// dialect.
func EncodeResponse(reqCtx *domain.RequestContext, msg *domain.CanonicalMessage, usage *domain.Usage) ([]byte, error) {
	switch reqCtx.WireFormat {
	case domain.WireFormatOpenAI:
		return jsonutil.Marshal(openAIResponse(reqCtx, msg, usage))
	case domain.WireFormatAnthropic:
		return jsonutil.Marshal(claudeResponse(reqCtx, msg, usage))
	case domain.WireFormatGemini:
		return jsonutil.Marshal(geminiResponse(msg, usage))
	default:
		return nil, &domain.ProtocolError{Detail: fmt.Sprintf("unsupported wire format %q", reqCtx.WireFormat)}
	}
}

func openAIResponse(reqCtx *domain.RequestContext, msg *domain.CanonicalMessage, u *domain.Usage) converter.OpenAIResponse {
	oaiMsg := converter.OpenAIMessage{Role: "assistant"}
	finishReason := "stop"

	for _, part := range msg.Parts {
		switch part.Type {
		case domain.PartText:
			if s, ok := oaiMsg.Content.(string); ok {
				oaiMsg.Content = s + part.Text
			} else {
				oaiMsg.Content = part.Text
			}
		case domain.PartToolUse:
			args, err := jsonutil.Marshal(part.ToolInput)
			if err != nil {
				args = []byte("{}")
			}
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, converter.OpenAIToolCall{
				ID:   part.ToolUseID,
				Type: "function",
				Function: converter.OpenAIFunctionCall{
					Name:      part.ToolName,
					Arguments: string(args),
				},
			})
			finishReason = "tool_calls"
		}
	}

	usage := converter.OpenAIUsage{}
	if u != nil {
		usage = converter.OpenAIUsage{
			PromptTokens:     u.InputTokens,
			CompletionTokens: u.OutputTokens,
			TotalTokens:      u.InputTokens + u.OutputTokens,
		}
	}

	return converter.OpenAIResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Model:   reqCtx.ResponseModel,
		Choices: []converter.OpenAIChoice{{Index: 0, Message: &oaiMsg, FinishReason: finishReason}},
		Usage:   usage,
	}
}

func claudeResponse(reqCtx *domain.RequestContext, msg *domain.CanonicalMessage, u *domain.Usage) converter.ClaudeResponse {
	var blocks []converter.ClaudeContentBlock
	stopReason := "end_turn"

	for _, part := range msg.Parts {
		switch part.Type {
		case domain.PartText:
			blocks = append(blocks, converter.ClaudeContentBlock{Type: "text", Text: part.Text})
		case domain.PartToolUse:
			blocks = append(blocks, converter.ClaudeContentBlock{
				Type:  "tool_use",
				ID:    part.ToolUseID,
				Name:  part.ToolName,
				Input: part.ToolInput,
			})
			stopReason = "tool_use"
		}
	}

	usage := converter.ClaudeUsage{}
	if u != nil {
		usage = converter.ClaudeUsage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens, CacheReadInputTokens: u.CacheRead, CacheCreationInputTokens: u.CacheWrite}
	}

	return converter.ClaudeResponse{
		ID:         "msg_" + uuid.NewString(),
		Type:       "message",
		Role:       "assistant",
		Content:    blocks,
		Model:      reqCtx.ResponseModel,
		StopReason: stopReason,
		Usage:      usage,
	}
}

func geminiResponse(msg *domain.CanonicalMessage, u *domain.Usage) converter.GeminiResponse {
	var parts []converter.GeminiPart
	for _, part := range msg.Parts {
		switch part.Type {
		case domain.PartText:
			parts = append(parts, converter.GeminiPart{Text: part.Text})
		case domain.PartToolUse:
			parts = append(parts, converter.GeminiPart{FunctionCall: &converter.GeminiFunctionCall{Name: part.ToolName, Args: part.ToolInput}})
		}
	}

	var usageMeta *converter.GeminiUsageMetadata
	if u != nil {
		usageMeta = &converter.GeminiUsageMetadata{
			PromptTokenCount:     u.InputTokens,
			CandidatesTokenCount: u.OutputTokens,
			TotalTokenCount:      u.InputTokens + u.OutputTokens,
		}
	}

	return converter.GeminiResponse{
		Candidates: []converter.GeminiCandidate{{
			Content:      converter.GeminiContent{Role: "model", Parts: parts},
			FinishReason: "STOP",
			Index:        0,
		}},
		UsageMetadata: usageMeta,
	}
}
