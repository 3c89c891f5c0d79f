package wire

import (
	"github.com/google/uuid"

	"github.com/awsl-project/maxxgate/internal/adapter/provider"
	"github.com/awsl-project/maxxgate/internal/converter"
	"github.com/awsl-project/maxxgate/internal/domain"
)

type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockToolUse
)

// StreamEncoder renders provider.StreamEvent values as wire-dialect SSE
// frames, one caller per request (not safe for concurrent use). The
// Anthropic path follows the exact state machine spec.md §4.3 names:
// message_start -> content_block_start(text) -> content_block_delta* ->
// content_block_stop -> (content_block_start(tool_use) -> delta* -> stop)* ->
// message_delta -> message_stop.
type StreamEncoder struct {
	format domain.WireFormat
	model  string

	messageID  string
	openBlock  blockKind
	blockIndex int
	openaiRole bool
}

// NewStreamEncoder builds an encoder for reqCtx's wire dialect.
func NewStreamEncoder(reqCtx *domain.RequestContext) *StreamEncoder {
	return &StreamEncoder{
		format:     reqCtx.WireFormat,
		model:      reqCtx.ResponseModel,
		messageID:  "msg_" + uuid.NewString(),
		openBlock:  blockNone,
		blockIndex: -1,
	}
}

// Begin emits the stream's opening frame(s), if the dialect has one.
func (e *StreamEncoder) Begin(inputTokens int) []byte {
	if e.format != domain.WireFormatAnthropic {
		return nil
	}
	msg := converter.ClaudeResponse{
		ID:    e.messageID,
		Type:  "message",
		Role:  "assistant",
		Model: e.model,
		Usage: converter.ClaudeUsage{InputTokens: inputTokens},
	}
	return converter.FormatSSE("message_start", map[string]any{"type": "message_start", "message": msg})
}

// Event renders one upstream StreamEvent.
func (e *StreamEncoder) Event(ev provider.StreamEvent) []byte {
	switch e.format {
	case domain.WireFormatAnthropic:
		return e.claudeEvent(ev)
	case domain.WireFormatOpenAI:
		return e.openAIEvent(ev)
	case domain.WireFormatGemini:
		return e.geminiEvent(ev)
	default:
		return nil
	}
}

// End emits the stream's closing frame(s) and the transport-level terminator.
func (e *StreamEncoder) End(stopReason string, u *domain.Usage) []byte {
	var out []byte
	switch e.format {
	case domain.WireFormatAnthropic:
		out = append(out, e.closeOpenBlock()...)
		delta := map[string]any{"type": "message_delta", "delta": map[string]any{"stop_reason": claudeStopReason(stopReason)}}
		if u != nil {
			delta["usage"] = converter.ClaudeUsage{OutputTokens: u.OutputTokens}
		}
		out = append(out, converter.FormatSSE("message_delta", delta)...)
		out = append(out, converter.FormatSSE("message_stop", map[string]any{"type": "message_stop"})...)
	case domain.WireFormatOpenAI:
		chunk := converter.OpenAIStreamChunk{
			ID:      e.messageID,
			Object:  "chat.completion.chunk",
			Model:   e.model,
			Choices: []converter.OpenAIChoice{{Index: 0, Delta: &converter.OpenAIMessage{}, FinishReason: openAIFinishReason(stopReason)}},
		}
		if u != nil {
			chunk.Usage = &converter.OpenAIUsage{PromptTokens: u.InputTokens, CompletionTokens: u.OutputTokens, TotalTokens: u.InputTokens + u.OutputTokens}
		}
		out = converter.FormatSSE("", chunk)
		out = append(out, converter.FormatDone()...)
	case domain.WireFormatGemini:
		chunk := converter.GeminiResponse{
			Candidates: []converter.GeminiCandidate{{FinishReason: "STOP", Index: 0}},
		}
		if u != nil {
			chunk.UsageMetadata = &converter.GeminiUsageMetadata{PromptTokenCount: u.InputTokens, CandidatesTokenCount: u.OutputTokens, TotalTokenCount: u.InputTokens + u.OutputTokens}
		}
		out = converter.FormatSSE("", chunk)
	}
	return out
}

func (e *StreamEncoder) closeOpenBlock() []byte {
	if e.openBlock == blockNone {
		return nil
	}
	e.openBlock = blockNone
	return converter.FormatSSE("content_block_stop", map[string]any{"type": "content_block_stop", "index": e.blockIndex})
}

func (e *StreamEncoder) claudeEvent(ev provider.StreamEvent) []byte {
	var out []byte

	switch {
	case ev.TextDelta != "":
		if e.openBlock != blockText {
			out = append(out, e.closeOpenBlock()...)
			e.blockIndex++
			e.openBlock = blockText
			out = append(out, converter.FormatSSE("content_block_start", map[string]any{
				"type": "content_block_start", "index": e.blockIndex,
				"content_block": map[string]any{"type": "text", "text": ""},
			})...)
		}
		out = append(out, converter.FormatSSE("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": e.blockIndex,
			"delta": map[string]any{"type": "text_delta", "text": ev.TextDelta},
		})...)

	case ev.ToolUseStart != nil:
		out = append(out, e.closeOpenBlock()...)
		e.blockIndex++
		e.openBlock = blockToolUse
		out = append(out, converter.FormatSSE("content_block_start", map[string]any{
			"type": "content_block_start", "index": e.blockIndex,
			"content_block": map[string]any{"type": "tool_use", "id": ev.ToolUseStart.ToolUseID, "name": ev.ToolUseStart.ToolName, "input": map[string]any{}},
		})...)

	case ev.ToolUseDelta != "":
		out = append(out, converter.FormatSSE("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": e.blockIndex,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.ToolUseDelta},
		})...)

	case ev.ToolUseStop:
		out = append(out, e.closeOpenBlock()...)
	}

	return out
}

func (e *StreamEncoder) openAIEvent(ev provider.StreamEvent) []byte {
	delta := converter.OpenAIMessage{}
	if !e.openaiRole {
		delta.Role = "assistant"
		e.openaiRole = true
	}

	switch {
	case ev.TextDelta != "":
		delta.Content = ev.TextDelta
	case ev.ToolUseStart != nil:
		e.blockIndex++
		delta.ToolCalls = []converter.OpenAIToolCall{{
			Index: e.blockIndex, ID: ev.ToolUseStart.ToolUseID, Type: "function",
			Function: converter.OpenAIFunctionCall{Name: ev.ToolUseStart.ToolName},
		}}
	case ev.ToolUseDelta != "":
		delta.ToolCalls = []converter.OpenAIToolCall{{
			Index:    e.blockIndex,
			Function: converter.OpenAIFunctionCall{Arguments: ev.ToolUseDelta},
		}}
	case ev.ToolUseStop:
		return nil
	default:
		return nil
	}

	chunk := converter.OpenAIStreamChunk{
		ID:      e.messageID,
		Object:  "chat.completion.chunk",
		Model:   e.model,
		Choices: []converter.OpenAIChoice{{Index: 0, Delta: &delta}},
	}
	return converter.FormatSSE("", chunk)
}

func (e *StreamEncoder) geminiEvent(ev provider.StreamEvent) []byte {
	var part converter.GeminiPart
	switch {
	case ev.TextDelta != "":
		part = converter.GeminiPart{Text: ev.TextDelta}
	case ev.ToolUseStart != nil:
		part = converter.GeminiPart{FunctionCall: &converter.GeminiFunctionCall{Name: ev.ToolUseStart.ToolName, Args: map[string]any{}}}
	default:
		return nil
	}
	chunk := converter.GeminiResponse{
		Candidates: []converter.GeminiCandidate{{Content: converter.GeminiContent{Role: "model", Parts: []converter.GeminiPart{part}}, Index: 0}},
	}
	return converter.FormatSSE("", chunk)
}

func claudeStopReason(reason string) string {
	if reason == "" {
		return "end_turn"
	}
	return reason
}

func openAIFinishReason(reason string) string {
	if reason == "tool_use" {
		return "tool_calls"
	}
	if reason == "" {
		return "stop"
	}
	return reason
}
