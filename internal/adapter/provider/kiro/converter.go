package kiro

import (
	"fmt"
	"strings"

	"github.com/awsl-project/maxxgate/internal/domain"
)

// recentImageTurns is the window the image-retention rule keeps full image
// bytes in; older turns get a placeholder noting how many were dropped.
const recentImageTurns = 5

// placeholderAssistantText is the trailing "{" the desktop client sometimes
// leaves behind when a tool-call turn was interrupted mid-stream.
const placeholderAssistantText = "{"

// ConvertCanonicalToCodeWhisperer builds a CodeWhisperer generateAssistantResponse
// request from the canonical request context. seed stabilizes the generated
// conversation/agent-continuation ids across retries of the same inbound call.
func ConvertCanonicalToCodeWhisperer(reqCtx *domain.RequestContext, modelMapping map[string]string, seed string) ([]byte, string, error) {
	mappedModel := MapModel(reqCtx.RequestModel, modelMapping)
	if mappedModel == "" {
		return nil, "", fmt.Errorf("unsupported model: %s", reqCtx.RequestModel)
	}

	cwReq := CodeWhispererRequest{}
	cwReq.ConversationState.AgentContinuationId = GenerateStableAgentContinuationID(seed)
	cwReq.ConversationState.AgentTaskType = "vibe"
	cwReq.ConversationState.ChatTriggerType = "MANUAL"
	cwReq.ConversationState.ConversationId = GenerateStableConversationID(seed)

	if len(reqCtx.Messages) == 0 {
		return nil, "", fmt.Errorf("message list is empty")
	}

	messages := reqCtx.Messages
	if n := len(messages); n > 0 && messages[n-1].Role == domain.RoleAssistant && isPlaceholderText(messages[n-1], placeholderAssistantText) {
		messages = messages[:n-1]
	}
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("message list is empty")
	}

	// History tail rule: CodeWhisperer requires the current turn to be a
	// userInputMessage. If the trailing message is assistant, it moves into
	// history and a synthetic "Continue" user turn takes its place.
	historyEnd := len(messages) - 1
	last := messages[len(messages)-1]

	var textContent string
	var images []CodeWhispererImage
	var toolResults []ToolResult
	if last.Role == domain.RoleAssistant {
		historyEnd = len(messages)
		textContent = "Continue"
	} else {
		textContent, images, toolResults = partsToCodeWhisperer(last.Parts, true)
	}

	cwReq.ConversationState.CurrentMessage.UserInputMessage.Content = textContent
	if len(images) > 0 {
		cwReq.ConversationState.CurrentMessage.UserInputMessage.Images = images
	} else {
		cwReq.ConversationState.CurrentMessage.UserInputMessage.Images = []CodeWhispererImage{}
	}
	cwReq.ConversationState.CurrentMessage.UserInputMessage.ModelId = mappedModel
	cwReq.ConversationState.CurrentMessage.UserInputMessage.Origin = "AI_EDITOR"

	if len(toolResults) > 0 {
		cwReq.ConversationState.CurrentMessage.UserInputMessage.UserInputMessageContext.ToolResults = toolResults
		cwReq.ConversationState.CurrentMessage.UserInputMessage.Content = ""
	}

	if len(reqCtx.Tools) > 0 {
		cwReq.ConversationState.CurrentMessage.UserInputMessage.UserInputMessageContext.Tools = convertTools(reqCtx.Tools)
	}

	if reqCtx.SystemPrompt != "" || len(messages) > 1 || len(reqCtx.Tools) > 0 {
		cwReq.ConversationState.History = buildHistory(messages, historyEnd, reqCtx.SystemPrompt, mappedModel)
	}

	if err := validateCodeWhispererRequest(&cwReq); err != nil {
		return nil, "", fmt.Errorf("request validation failed: %w", err)
	}

	result, err := SafeMarshal(cwReq)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode CodeWhisperer request: %w", err)
	}

	return result, mappedModel, nil
}

// isPlaceholderText reports whether msg is a single text part equal to text
// once trimmed.
func isPlaceholderText(msg domain.CanonicalMessage, text string) bool {
	if len(msg.Parts) != 1 || msg.Parts[0].Type != domain.PartText {
		return false
	}
	return strings.TrimSpace(msg.Parts[0].Text) == text
}

func validateCodeWhispererRequest(cwReq *CodeWhispererRequest) error {
	if cwReq.ConversationState.CurrentMessage.UserInputMessage.ModelId == "" {
		return fmt.Errorf("modelId must not be empty")
	}
	if cwReq.ConversationState.ConversationId == "" {
		return fmt.Errorf("conversationId must not be empty")
	}

	msg := &cwReq.ConversationState.CurrentMessage.UserInputMessage
	trimmedContent := strings.TrimSpace(msg.Content)
	hasImages := len(msg.Images) > 0
	hasTools := len(msg.UserInputMessageContext.Tools) > 0
	hasToolResults := len(msg.UserInputMessageContext.ToolResults) > 0

	if hasToolResults {
		return nil
	}

	if trimmedContent == "" && !hasImages && hasTools {
		msg.Content = "Proceed with the requested tool task."
		trimmedContent = msg.Content
	}

	if trimmedContent == "" && !hasImages {
		return fmt.Errorf("user message has neither content nor images")
	}

	return nil
}

// partsToCodeWhisperer reduces one canonical message's parts to CodeWhisperer's
// flat text/images/toolResults shape. keepImages implements the image-retention
// rule: turns outside the last recentImageTurns get a placeholder instead of
// the image bytes. toolResults are deduplicated by ToolUseId within the parts
// of a single message, per the deduplication rule.
func partsToCodeWhisperer(parts []domain.CanonicalPart, keepImages bool) (string, []CodeWhispererImage, []ToolResult) {
	var textParts []string
	var images []CodeWhispererImage
	var toolResults []ToolResult
	seenToolUseIDs := make(map[string]bool)
	droppedImages := 0

	for _, part := range parts {
		switch part.Type {
		case domain.PartText:
			if part.Text != "" {
				textParts = append(textParts, part.Text)
			}
		case domain.PartImage:
			if part.Data == "" {
				continue
			}
			if !keepImages {
				droppedImages++
				continue
			}
			images = append(images, CodeWhispererImage{
				Format: imageFormatFromMediaType(part.MediaType),
				Source: struct {
					Bytes string `json:"bytes"`
				}{Bytes: part.Data},
			})
		case domain.PartToolResult:
			if part.ToolResultForID != "" {
				if seenToolUseIDs[part.ToolResultForID] {
					continue
				}
				seenToolUseIDs[part.ToolResultForID] = true
			}
			toolResults = append(toolResults, ToolResult{
				ToolUseId: part.ToolResultForID,
				Status:    toolResultStatus(part.ToolResultError),
				IsError:   part.ToolResultError,
				Content:   []map[string]any{{"text": part.ToolResultText}},
			})
		}
	}

	text := strings.Join(textParts, "")
	if droppedImages > 0 {
		text = appendImagePlaceholder(text, droppedImages)
	}

	return text, images, toolResults
}

func appendImagePlaceholder(text string, count int) string {
	placeholder := fmt.Sprintf("[... %d image(s) omitted ...]", count)
	if text == "" {
		return placeholder
	}
	return text + "\n" + placeholder
}

func toolResultStatus(isError bool) string {
	if isError {
		return "error"
	}
	return "success"
}

func imageFormatFromMediaType(mediaType string) string {
	switch {
	case strings.Contains(mediaType, "jpeg"), strings.Contains(mediaType, "jpg"):
		return "jpeg"
	case strings.Contains(mediaType, "gif"):
		return "gif"
	case strings.Contains(mediaType, "webp"):
		return "webp"
	default:
		return "png"
	}
}

// convertTools converts canonical tool declarations to CodeWhisperer's shape.
func convertTools(tools []domain.CanonicalTool) []CodeWhispererTool {
	var result []CodeWhispererTool
	for _, tool := range tools {
		if tool.Name == "" || tool.Name == "web_search" || tool.Name == "websearch" {
			continue
		}

		desc := tool.Description
		if len(desc) > MaxToolDescriptionLength {
			desc = desc[:MaxToolDescriptionLength]
		}

		cwTool := CodeWhispererTool{}
		cwTool.ToolSpecification.Name = tool.Name
		cwTool.ToolSpecification.Description = desc
		if tool.Parameters != nil {
			cwTool.ToolSpecification.InputSchema = InputSchema{Json: tool.Parameters}
		}
		result = append(result, cwTool)
	}
	return result
}

// buildHistory turns messages[0:historyEnd] into CodeWhisperer history
// entries. Adjacent same-role messages merge into one history entry each
// (the adjacent same-role merging rule); a trailing unanswered user turn is
// paired with a synthetic "OK" assistant reply the same way the upstream UI
// does, since CodeWhisperer history must end in an assistant turn when the
// current message isn't itself a continuation of it.
func buildHistory(messages []domain.CanonicalMessage, historyEnd int, systemPrompt, modelID string) []any {
	var history []any

	if systemPrompt != "" {
		userMsg := HistoryUserMessage{}
		userMsg.UserInputMessage.Content = systemPrompt
		userMsg.UserInputMessage.ModelId = modelID
		userMsg.UserInputMessage.Origin = "AI_EDITOR"
		history = append(history, userMsg)

		assistantMsg := HistoryAssistantMessage{}
		assistantMsg.AssistantResponseMessage.Content = "OK"
		history = append(history, assistantMsg)
	}

	total := len(messages)
	var userRun, assistantRun []int

	flushUser := func() {
		if len(userRun) == 0 {
			return
		}
		history = append(history, mergeUserMessages(messages, userRun, total, modelID))
		userRun = nil
	}
	flushAssistant := func() {
		if len(assistantRun) == 0 {
			return
		}
		history = append(history, mergeAssistantMessages(messages, assistantRun, total))
		assistantRun = nil
	}

	for i := 0; i < historyEnd; i++ {
		switch messages[i].Role {
		case domain.RoleUser, domain.RoleTool:
			flushAssistant()
			userRun = append(userRun, i)
		case domain.RoleAssistant:
			flushUser()
			assistantRun = append(assistantRun, i)
		}
	}

	if len(userRun) > 0 {
		flushUser()
		assistantMsg := HistoryAssistantMessage{}
		assistantMsg.AssistantResponseMessage.Content = "OK"
		history = append(history, assistantMsg)
	} else {
		flushAssistant()
	}

	return history
}

// mergeUserMessages folds a run of consecutive user/tool turns (indices into
// messages) into one CodeWhisperer history entry, applying image retention
// and toolResult deduplication across the whole run.
func mergeUserMessages(messages []domain.CanonicalMessage, indices []int, total int, modelID string) HistoryUserMessage {
	var contentParts []string
	var allImages []CodeWhispererImage
	var allToolResults []ToolResult
	seenToolUseIDs := make(map[string]bool)

	for _, i := range indices {
		keepImages := total-1-i < recentImageTurns
		text, images, toolResults := partsToCodeWhisperer(messages[i].Parts, keepImages)
		if text != "" {
			contentParts = append(contentParts, text)
		}
		allImages = append(allImages, images...)
		for _, tr := range toolResults {
			if tr.ToolUseId != "" {
				if seenToolUseIDs[tr.ToolUseId] {
					continue
				}
				seenToolUseIDs[tr.ToolUseId] = true
			}
			allToolResults = append(allToolResults, tr)
		}
	}

	userMsg := HistoryUserMessage{}
	userMsg.UserInputMessage.Content = strings.Join(contentParts, "\n")
	userMsg.UserInputMessage.ModelId = modelID
	userMsg.UserInputMessage.Origin = "AI_EDITOR"

	if len(allImages) > 0 {
		userMsg.UserInputMessage.Images = allImages
	}
	if len(allToolResults) > 0 {
		userMsg.UserInputMessage.UserInputMessageContext.ToolResults = allToolResults
		userMsg.UserInputMessage.Content = ""
	}

	return userMsg
}

// mergeAssistantMessages folds a run of consecutive assistant turns into one
// CodeWhisperer history entry, instead of silently dropping every entry past
// the first when no user turn separates them.
func mergeAssistantMessages(messages []domain.CanonicalMessage, indices []int, total int) HistoryAssistantMessage {
	var contentParts []string
	var toolUses []ToolUseEntry

	for _, i := range indices {
		keepImages := total-1-i < recentImageTurns
		text, _, _ := partsToCodeWhisperer(messages[i].Parts, keepImages)
		if text != "" {
			contentParts = append(contentParts, text)
		}
		for _, part := range messages[i].Parts {
			if part.Type != domain.PartToolUse {
				continue
			}
			if part.ToolName == "web_search" || part.ToolName == "websearch" {
				continue
			}
			input := part.ToolInput
			if input == nil {
				input = map[string]any{}
			}
			toolUses = append(toolUses, ToolUseEntry{
				ToolUseId: part.ToolUseID,
				Name:      part.ToolName,
				Input:     input,
			})
		}
	}

	assistantMsg := HistoryAssistantMessage{}
	assistantMsg.AssistantResponseMessage.Content = strings.Join(contentParts, "\n")
	if len(toolUses) > 0 {
		assistantMsg.AssistantResponseMessage.ToolUses = toolUses
	}
	return assistantMsg
}
