package kiro

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/awsl-project/maxxgate/internal/adapter/provider"
	"github.com/awsl-project/maxxgate/internal/domain"
	"github.com/awsl-project/maxxgate/internal/jsonutil"
	"github.com/awsl-project/maxxgate/internal/toolcall"
	"github.com/awsl-project/maxxgate/internal/usage"
)

// streamProcessorContext drives one upstream EventStream response through the
// compliant parser, tracks output-token accounting the same way the Claude
// SSE wire format would, and turns the result into provider.StreamEvent
// values via emit instead of writing SSE bytes directly.
type streamProcessorContext struct {
	emit        func(provider.StreamEvent) error
	inputTokens int

	sseStateManager   *SSEStateManager
	stopReasonManager *StopReasonManager
	tokenEstimator    *TokenEstimator
	compliantParser   *CompliantEventStreamParser

	totalOutputTokens     int
	totalProcessedEvents  int
	toolUseIdByBlockIndex map[int]string
	completedToolUseIds   map[string]bool
	jsonBytesByBlockIndex map[int]int

	// bracketHold buffers text that might be the start of a "[Called ..."
	// inline tool call (spec.md §4.4's bracket-form tool calls); it is only
	// ever a suffix of unemitted text, held until the call closes or the
	// stream ends, since the JSON body can span several deltas.
	bracketHold      string
	bracketCallCount int
}

func newStreamProcessorContext(inputTokens int, emit func(provider.StreamEvent) error) *streamProcessorContext {
	sp := &streamProcessorContext{
		emit:                  emit,
		inputTokens:           inputTokens,
		stopReasonManager:     NewStopReasonManager(),
		tokenEstimator:        NewTokenEstimator(),
		compliantParser:       NewCompliantEventStreamParser(),
		toolUseIdByBlockIndex: make(map[int]string),
		completedToolUseIds:   make(map[string]bool),
		jsonBytesByBlockIndex: make(map[int]int),
	}
	sp.sseStateManager = NewSSEStateManager(sp.handleValidatedEvent, false)
	return sp
}

// processEventStream reads the upstream AWS EventStream body, decodes it into
// Claude-SSE-shaped events via the compliant parser, and emits StreamEvents.
func (sp *streamProcessorContext) processEventStream(ctx context.Context, reader io.Reader) error {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := reader.Read(buf)
		if n > 0 {
			events, _ := sp.compliantParser.ParseStream(buf[:n])
			sp.totalProcessedEvents += len(events)

			for _, event := range events {
				dataMap, ok := event.Data.(map[string]any)
				if !ok {
					continue
				}
				if err := sp.sseStateManager.SendEvent(dataMap); err != nil {
					return err
				}
			}
		}

		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// handleValidatedEvent is the SSEStateManager sink: it receives events already
// ordered/validated to Claude's message_start/content_block_*/message_stop
// sequence and translates each into a StreamEvent.
func (sp *streamProcessorContext) handleValidatedEvent(dataMap map[string]any) error {
	if pct, ok := dataMap["contextUsagePercentage"].(float64); ok {
		sp.handleContextUsage(pct)
		return nil
	}

	eventType, _ := dataMap["type"].(string)

	switch eventType {
	case "content_block_start":
		return sp.handleBlockStart(dataMap)
	case "content_block_delta":
		return sp.handleBlockDelta(dataMap)
	case "content_block_stop":
		return sp.handleBlockStop(dataMap)
	case "exception":
		return sp.handleException(dataMap)
	}
	return nil
}

// handleContextUsage overrides the fixed-at-request-time input token count
// with one derived from the upstream's own context-window accounting, per
// spec.md §4.4 item 5: upstream's percentage is authoritative once it arrives.
func (sp *streamProcessorContext) handleContextUsage(pct float64) {
	sp.inputTokens = usage.ContextUsageToTokens(pct, usage.ClaudeDefaultMaxTokens)
}

func (sp *streamProcessorContext) handleBlockStart(dataMap map[string]any) error {
	cb, ok := dataMap["content_block"].(map[string]any)
	if !ok {
		return nil
	}
	blockType, _ := cb["type"].(string)
	if blockType != "tool_use" {
		return nil
	}

	idx := extractBlockIndex(dataMap)
	id, _ := cb["id"].(string)
	name, _ := cb["name"].(string)
	if idx >= 0 && id != "" {
		sp.toolUseIdByBlockIndex[idx] = id
	}

	sp.totalOutputTokens += 12 + sp.tokenEstimator.EstimateTextTokens(name)

	return sp.emit(provider.StreamEvent{
		ToolUseStart: &domain.CanonicalPart{
			Type:      domain.PartToolUse,
			ToolUseID: id,
			ToolName:  name,
			ToolInput: map[string]any{},
		},
	})
}

func (sp *streamProcessorContext) handleBlockDelta(dataMap map[string]any) error {
	delta, ok := dataMap["delta"].(map[string]any)
	if !ok {
		return nil
	}
	deltaType, _ := delta["type"].(string)

	switch deltaType {
	case "text_delta":
		text, _ := delta["text"].(string)
		if text == "" {
			return nil
		}
		return sp.handleTextDelta(text)

	case "input_json_delta":
		partialJSON, _ := delta["partial_json"].(string)
		idx := extractBlockIndex(dataMap)
		sp.jsonBytesByBlockIndex[idx] += len(partialJSON)
		if partialJSON == "" {
			return nil
		}
		return sp.emit(provider.StreamEvent{ToolUseDelta: partialJSON})
	}
	return nil
}

// handleTextDelta applies the bracket-call gate before emitting a TextDelta:
// any suffix of the accumulated text that could still be an in-progress
// "[Called ..." span is held back rather than shown to the client, since
// the call's JSON body may arrive split across several deltas.
func (sp *streamProcessorContext) handleTextDelta(text string) error {
	combined := sp.bracketHold + text
	sp.bracketHold = ""

	for {
		idx := strings.Index(combined, "[Called ")
		if idx < 0 {
			return sp.emitText(combined)
		}

		if idx > 0 {
			if err := sp.emitText(combined[:idx]); err != nil {
				return err
			}
		}
		combined = combined[idx:]

		call, consumed, ok := toolcall.TryParsePrefix(combined)
		if !ok {
			sp.bracketHold = combined
			return nil
		}

		if err := sp.emitBracketCall(call); err != nil {
			return err
		}
		combined = combined[consumed:]
	}
}

func (sp *streamProcessorContext) emitText(text string) error {
	if text == "" {
		return nil
	}
	sp.totalOutputTokens += sp.tokenEstimator.EstimateTextTokens(text)
	return sp.emit(provider.StreamEvent{TextDelta: text})
}

func (sp *streamProcessorContext) emitBracketCall(call toolcall.Call) error {
	sp.bracketCallCount++
	id := fmt.Sprintf("bracket_%s_%d", call.Name, sp.bracketCallCount)
	sp.totalOutputTokens += 12 + sp.tokenEstimator.EstimateToolUseTokens(call.Name, call.Arguments)

	if err := sp.emit(provider.StreamEvent{
		ToolUseStart: &domain.CanonicalPart{
			Type:      domain.PartToolUse,
			ToolUseID: id,
			ToolName:  call.Name,
			ToolInput: map[string]any{},
		},
	}); err != nil {
		return err
	}

	argsJSON, err := jsonutil.Marshal(call.Arguments)
	if err == nil && len(argsJSON) > 0 {
		if err := sp.emit(provider.StreamEvent{ToolUseDelta: string(argsJSON)}); err != nil {
			return err
		}
	}

	return sp.emit(provider.StreamEvent{ToolUseStop: true})
}

// flushBracketHold emits whatever text the bracket gate is still holding at
// stream end as plain text: an unclosed "[Called ..." was never a real call.
func (sp *streamProcessorContext) flushBracketHold() error {
	if sp.bracketHold == "" {
		return nil
	}
	text := sp.bracketHold
	sp.bracketHold = ""
	return sp.emitText(text)
}

func (sp *streamProcessorContext) handleBlockStop(dataMap map[string]any) error {
	idx := extractBlockIndex(dataMap)
	isTool := false
	if toolID, exists := sp.toolUseIdByBlockIndex[idx]; exists && toolID != "" {
		sp.completedToolUseIds[toolID] = true
		delete(sp.toolUseIdByBlockIndex, idx)
		isTool = true
	}

	if jsonBytes, exists := sp.jsonBytesByBlockIndex[idx]; exists && jsonBytes > 0 {
		sp.totalOutputTokens += (jsonBytes + 3) / 4
		delete(sp.jsonBytesByBlockIndex, idx)
	}

	if !isTool {
		return nil
	}
	return sp.emit(provider.StreamEvent{ToolUseStop: true})
}

func (sp *streamProcessorContext) handleException(dataMap map[string]any) error {
	exceptionType, _ := dataMap["exception_type"].(string)
	if exceptionType != "ContentLengthExceededException" && !strings.Contains(exceptionType, "CONTENT_LENGTH_EXCEEDS") {
		return nil
	}
	return sp.emit(provider.StreamEvent{
		Done:       true,
		StopReason: "max_tokens",
		Usage:      &domain.Usage{InputTokens: sp.inputTokens, OutputTokens: sp.totalOutputTokens},
	})
}

// finalEvent computes the closing StreamEvent once the upstream body is
// exhausted: any still-open block is implicitly closed, then stop_reason and
// usage are derived the same way the full (non-streaming) path does.
func (sp *streamProcessorContext) finalEvent() provider.StreamEvent {
	hasActiveTools := len(sp.toolUseIdByBlockIndex) > 0
	hasCompletedTools := len(sp.completedToolUseIds) > 0
	sp.stopReasonManager.UpdateToolCallStatus(hasActiveTools, hasCompletedTools)

	outputTokens := sp.totalOutputTokens
	if outputTokens < 1 {
		hasContent := hasCompletedTools || hasActiveTools || sp.totalProcessedEvents > 0
		if hasContent {
			outputTokens = 1
		}
	}

	return provider.StreamEvent{
		Done:       true,
		StopReason: sp.stopReasonManager.DetermineStopReason(),
		Usage:      &domain.Usage{InputTokens: sp.inputTokens, OutputTokens: outputTokens},
	}
}

func extractBlockIndex(dataMap map[string]any) int {
	if v, ok := dataMap["index"].(int); ok {
		return v
	}
	if f, ok := dataMap["index"].(float64); ok {
		return int(f)
	}
	return -1
}
