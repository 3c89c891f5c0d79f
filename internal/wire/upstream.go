package wire

import (
	"fmt"
	"strings"

	"github.com/awsl-project/maxxgate/internal/adapter/provider"
	"github.com/awsl-project/maxxgate/internal/converter"
	"github.com/awsl-project/maxxgate/internal/domain"
	"github.com/awsl-project/maxxgate/internal/jsonutil"
)

// EncodeRequest renders a canonical request as the wire body to send to a
// generic dialect-compatible upstream (the custom/openai-compatible and
// custom/claude-compatible adapters' outbound call) — the mirror image of
// ParseRequest, which decodes an inbound client body into the same
// domain.RequestContext shape.
func EncodeRequest(format domain.WireFormat, reqCtx *domain.RequestContext, model string) ([]byte, error) {
	switch format {
	case domain.WireFormatOpenAI:
		return jsonutil.Marshal(converter.OpenAIRequest{
			Model:    model,
			Messages: canonicalToOpenAIMessages(reqCtx),
			Stream:   reqCtx.Stream,
			Tools:    canonicalToOpenAITools(reqCtx.Tools),
		})
	case domain.WireFormatAnthropic:
		return jsonutil.Marshal(converter.ClaudeRequest{
			Model:     model,
			System:    reqCtx.SystemPrompt,
			Messages:  canonicalToClaudeMessages(reqCtx),
			MaxTokens: 4096,
			Stream:    reqCtx.Stream,
			Tools:     canonicalToClaudeTools(reqCtx.Tools),
		})
	default:
		return nil, &domain.ProtocolError{Detail: fmt.Sprintf("unsupported upstream format %q", format)}
	}
}

func canonicalToOpenAIMessages(reqCtx *domain.RequestContext) []converter.OpenAIMessage {
	var out []converter.OpenAIMessage
	if reqCtx.SystemPrompt != "" {
		out = append(out, converter.OpenAIMessage{Role: "system", Content: reqCtx.SystemPrompt})
	}
	for _, m := range reqCtx.Messages {
		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "assistant"
		}
		var text strings.Builder
		var imageParts []converter.OpenAIContentPart
		var toolCalls []converter.OpenAIToolCall
		for _, p := range m.Parts {
			switch p.Type {
			case domain.PartText:
				text.WriteString(p.Text)
			case domain.PartImage:
				imageParts = append(imageParts, converter.OpenAIContentPart{
					Type:     "image_url",
					ImageURL: &converter.OpenAIImageURL{URL: dataURL(p.MediaType, p.Data)},
				})
			case domain.PartToolUse:
				args := "{}"
				if b, err := jsonutil.Marshal(p.ToolInput); err == nil {
					args = string(b)
				}
				toolCalls = append(toolCalls, converter.OpenAIToolCall{
					ID: p.ToolUseID, Type: "function",
					Function: converter.OpenAIFunctionCall{Name: p.ToolName, Arguments: args},
				})
			case domain.PartToolResult:
				out = append(out, converter.OpenAIMessage{Role: "tool", ToolCallID: p.ToolResultForID, Content: p.ToolResultText})
			}
		}
		if text.Len() == 0 && len(imageParts) == 0 && len(toolCalls) == 0 {
			continue
		}
		msg := converter.OpenAIMessage{Role: role, ToolCalls: toolCalls}
		switch {
		case len(imageParts) > 0:
			parts := append([]converter.OpenAIContentPart{{Type: "text", Text: text.String()}}, imageParts...)
			msg.Content = parts
		case text.Len() > 0:
			msg.Content = text.String()
		}
		out = append(out, msg)
	}
	return out
}

func canonicalToOpenAITools(tools []domain.CanonicalTool) []converter.OpenAITool {
	var out []converter.OpenAITool
	for _, t := range tools {
		out = append(out, converter.OpenAITool{
			Type: "function",
			Function: converter.OpenAIFunction{
				Name: t.Name, Description: t.Description, Parameters: t.Parameters,
			},
		})
	}
	return out
}

func canonicalToClaudeMessages(reqCtx *domain.RequestContext) []converter.ClaudeMessage {
	var out []converter.ClaudeMessage
	for _, m := range reqCtx.Messages {
		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "assistant"
		}
		var blocks []converter.ClaudeContentBlock
		for _, p := range m.Parts {
			switch p.Type {
			case domain.PartText:
				blocks = append(blocks, converter.ClaudeContentBlock{Type: "text", Text: p.Text})
			case domain.PartImage:
				// converter.ClaudeContentBlock has no source field for request-side
				// image blocks (only Input, used for tool_use); the generic
				// passthrough adapters don't forward image attachments upstream.
				continue
			case domain.PartToolUse:
				blocks = append(blocks, converter.ClaudeContentBlock{Type: "tool_use", ID: p.ToolUseID, Name: p.ToolName, Input: p.ToolInput})
			case domain.PartToolResult:
				blocks = append(blocks, converter.ClaudeContentBlock{Type: "tool_result", ToolUseID: p.ToolResultForID, Content: p.ToolResultText})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		out = append(out, converter.ClaudeMessage{Role: role, Content: blocks})
	}
	return out
}

func canonicalToClaudeTools(tools []domain.CanonicalTool) []converter.ClaudeTool {
	var out []converter.ClaudeTool
	for _, t := range tools {
		out = append(out, converter.ClaudeTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return out
}

func dataURL(mediaType, data string) string {
	if mediaType == "" {
		return data
	}
	return "data:" + mediaType + ";base64," + data
}

// ParseResponse decodes a non-streaming upstream reply in format's dialect
// into a canonical message and usage — the mirror of EncodeResponse.
func ParseResponse(format domain.WireFormat, body []byte) (*domain.CanonicalMessage, *domain.Usage, error) {
	switch format {
	case domain.WireFormatOpenAI:
		var resp converter.OpenAIResponse
		if err := jsonutil.Unmarshal(body, &resp); err != nil {
			return nil, nil, &domain.ProtocolError{Detail: "openai response: " + err.Error()}
		}
		if len(resp.Choices) == 0 {
			return &domain.CanonicalMessage{Role: domain.RoleAssistant}, &domain.Usage{}, nil
		}
		msg := openAIMessageToCanonical(derefMessage(resp.Choices[0].Message))
		u := &domain.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
		return &msg, u, nil
	case domain.WireFormatAnthropic:
		var resp converter.ClaudeResponse
		if err := jsonutil.Unmarshal(body, &resp); err != nil {
			return nil, nil, &domain.ProtocolError{Detail: "claude response: " + err.Error()}
		}
		msg := domain.CanonicalMessage{Role: domain.RoleAssistant}
		for _, block := range resp.Content {
			msg.Parts = append(msg.Parts, claudeContentBlockToCanonical(block))
		}
		u := &domain.Usage{
			InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens,
			CacheRead: resp.Usage.CacheReadInputTokens, CacheWrite: resp.Usage.CacheCreationInputTokens,
		}
		return &msg, u, nil
	default:
		return nil, nil, &domain.ProtocolError{Detail: fmt.Sprintf("unsupported upstream format %q", format)}
	}
}

func derefMessage(m *converter.OpenAIMessage) converter.OpenAIMessage {
	if m == nil {
		return converter.OpenAIMessage{Role: "assistant"}
	}
	return *m
}

func claudeContentBlockToCanonical(b converter.ClaudeContentBlock) domain.CanonicalPart {
	switch b.Type {
	case "tool_use":
		part := domain.CanonicalPart{Type: domain.PartToolUse, ToolUseID: b.ID, ToolName: b.Name}
		if in, ok := b.Input.(map[string]any); ok {
			part.ToolInput = in
		}
		return part
	default:
		return domain.CanonicalPart{Type: domain.PartText, Text: b.Text}
	}
}

// UpstreamStreamDecoder turns a generic dialect-compatible upstream's SSE
// events back into provider.StreamEvent, tracking just enough per-block
// state to pair tool-call deltas with the ToolUseStart that opened them —
// the inverse of StreamEncoder, consumed by the custom adapters' streaming
// path instead of the external HTTP surface's.
type UpstreamStreamDecoder struct {
	format domain.WireFormat

	// OpenAI: tool_calls[].index -> whether ToolUseStart has fired yet.
	openaiStarted map[int]bool
}

// NewUpstreamStreamDecoder builds a decoder for format.
func NewUpstreamStreamDecoder(format domain.WireFormat) *UpstreamStreamDecoder {
	return &UpstreamStreamDecoder{format: format, openaiStarted: make(map[int]bool)}
}

// Decode turns one parsed SSE event into zero or more StreamEvents. done is
// true once the upstream has signalled completion (OpenAI's [DONE], or
// Claude's message_stop).
func (d *UpstreamStreamDecoder) Decode(ev converter.SSEEvent) (events []provider.StreamEvent, done bool) {
	switch d.format {
	case domain.WireFormatOpenAI:
		return d.decodeOpenAI(ev)
	case domain.WireFormatAnthropic:
		return d.decodeClaude(ev)
	default:
		return nil, false
	}
}

func (d *UpstreamStreamDecoder) decodeOpenAI(ev converter.SSEEvent) ([]provider.StreamEvent, bool) {
	if ev.Event == "done" {
		return nil, true
	}
	var chunk converter.OpenAIStreamChunk
	if err := jsonutil.Unmarshal(ev.Data, &chunk); err != nil || len(chunk.Choices) == 0 {
		return nil, false
	}
	choice := chunk.Choices[0]
	var out []provider.StreamEvent
	if choice.Delta != nil {
		if s, ok := choice.Delta.Content.(string); ok && s != "" {
			out = append(out, provider.StreamEvent{TextDelta: s})
		}
		for _, tc := range choice.Delta.ToolCalls {
			if !d.openaiStarted[tc.Index] && tc.ID != "" {
				d.openaiStarted[tc.Index] = true
				out = append(out, provider.StreamEvent{ToolUseStart: &domain.CanonicalPart{
					Type: domain.PartToolUse, ToolUseID: tc.ID, ToolName: tc.Function.Name,
				}})
			}
			if tc.Function.Arguments != "" {
				out = append(out, provider.StreamEvent{ToolUseDelta: tc.Function.Arguments})
			}
		}
	}
	if choice.FinishReason != "" {
		var u *domain.Usage
		if chunk.Usage != nil {
			u = &domain.Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		out = append(out, provider.StreamEvent{Done: true, StopReason: choice.FinishReason, Usage: u})
	}
	return out, false
}

func (d *UpstreamStreamDecoder) decodeClaude(ev converter.SSEEvent) ([]provider.StreamEvent, bool) {
	var se converter.ClaudeStreamEvent
	if err := jsonutil.Unmarshal(ev.Data, &se); err != nil {
		return nil, false
	}
	switch se.Type {
	case "content_block_start":
		if se.ContentBlock != nil && se.ContentBlock.Type == "tool_use" {
			return []provider.StreamEvent{{ToolUseStart: &domain.CanonicalPart{
				Type: domain.PartToolUse, ToolUseID: se.ContentBlock.ID, ToolName: se.ContentBlock.Name,
			}}}, false
		}
		return nil, false
	case "content_block_delta":
		if se.Delta == nil {
			return nil, false
		}
		if se.Delta.Text != "" {
			return []provider.StreamEvent{{TextDelta: se.Delta.Text}}, false
		}
		if se.Delta.PartialJSON != "" {
			return []provider.StreamEvent{{ToolUseDelta: se.Delta.PartialJSON}}, false
		}
		return nil, false
	case "content_block_stop":
		return []provider.StreamEvent{{ToolUseStop: true}}, false
	case "message_delta":
		var u *domain.Usage
		stopReason := ""
		if se.Delta != nil {
			stopReason = se.Delta.StopReason
		}
		if se.Usage != nil {
			u = &domain.Usage{InputTokens: se.Usage.InputTokens, OutputTokens: se.Usage.OutputTokens}
		}
		return []provider.StreamEvent{{Done: true, StopReason: stopReason, Usage: u}}, false
	case "message_stop":
		return nil, true
	default:
		return nil, false
	}
}
