// Package wire translates between the three inbound/outbound HTTP dialects
// (OpenAI, Anthropic, Gemini) and the canonical request/message model C3's
// converter core never actually reduces to — converter.go stays a pairwise
// wire-to-wire transform registry grounded on the teacher's dialect structs
// (OpenAIRequest, ClaudeRequest, GeminiRequest, …), and this package reuses
// those same structs as the JSON shape while building domain.RequestContext/
// domain.CanonicalMessage directly, since that's what C4's adapters (the
// Kiro adapter among them) actually consume.
package wire

import (
	"fmt"
	"strings"

	"github.com/awsl-project/maxxgate/internal/converter"
	"github.com/awsl-project/maxxgate/internal/domain"
	"github.com/awsl-project/maxxgate/internal/jsonutil"
)

// ParseRequest decodes body (in format's dialect) into a canonical request
// context. pathModel overrides the body's own model field when non-empty —
// Gemini's REST shape carries the model in the URL path, not the body.
func ParseRequest(format domain.WireFormat, body []byte, pathModel string) (*domain.RequestContext, error) {
	switch format {
	case domain.WireFormatOpenAI:
		return parseOpenAIRequest(body, pathModel)
	case domain.WireFormatAnthropic:
		return parseClaudeRequest(body, pathModel)
	case domain.WireFormatGemini:
		return parseGeminiRequest(body, pathModel)
	default:
		return nil, &domain.ProtocolError{Detail: fmt.Sprintf("unsupported wire format %q", format)}
	}
}

func parseOpenAIRequest(body []byte, pathModel string) (*domain.RequestContext, error) {
	var req converter.OpenAIRequest
	if err := jsonutil.Unmarshal(body, &req); err != nil {
		return nil, &domain.ProtocolError{Detail: "openai request: " + err.Error()}
	}

	reqCtx := &domain.RequestContext{
		WireFormat:   domain.WireFormatOpenAI,
		RequestModel: firstNonEmpty(pathModel, req.Model),
		Stream:       req.Stream,
	}

	var systemParts []string
	for _, m := range req.Messages {
		if m.Role == "system" || m.Role == "developer" {
			systemParts = append(systemParts, textOf(m.Content))
			continue
		}
		reqCtx.Messages = append(reqCtx.Messages, openAIMessageToCanonical(m))
	}
	reqCtx.SystemPrompt = strings.Join(systemParts, "\n\n")

	for _, t := range req.Tools {
		reqCtx.Tools = append(reqCtx.Tools, domain.CanonicalTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  toParamMap(t.Function.Parameters),
		})
	}
	return reqCtx, nil
}

func openAIMessageToCanonical(m converter.OpenAIMessage) domain.CanonicalMessage {
	role := domain.RoleUser
	switch m.Role {
	case "assistant":
		role = domain.RoleAssistant
	case "tool":
		role = domain.RoleTool
	}

	msg := domain.CanonicalMessage{Role: role}

	if m.Role == "tool" {
		msg.Parts = append(msg.Parts, domain.CanonicalPart{
			Type:            domain.PartToolResult,
			ToolResultForID: m.ToolCallID,
			ToolResultText:  textOf(m.Content),
		})
		return msg
	}

	switch v := m.Content.(type) {
	case string:
		if v != "" {
			msg.Parts = append(msg.Parts, domain.CanonicalPart{Type: domain.PartText, Text: v})
		}
	case []any:
		for _, raw := range v {
			partMap, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			msg.Parts = append(msg.Parts, openAIContentPartToCanonical(partMap))
		}
	}

	for _, tc := range m.ToolCalls {
		part := domain.CanonicalPart{
			Type:      domain.PartToolUse,
			ToolUseID: tc.ID,
			ToolName:  tc.Function.Name,
		}
		if args, ok := decodeArguments(tc.Function.Arguments); ok {
			part.ToolInput = args
		} else {
			part.RawArguments = tc.Function.Arguments
		}
		msg.Parts = append(msg.Parts, part)
	}

	return msg
}

func openAIContentPartToCanonical(m map[string]any) domain.CanonicalPart {
	switch fmt.Sprint(m["type"]) {
	case "image_url":
		url := ""
		if iu, ok := m["image_url"].(map[string]any); ok {
			url = fmt.Sprint(iu["url"])
		}
		mediaType, data := splitDataURL(url)
		return domain.CanonicalPart{Type: domain.PartImage, MediaType: mediaType, Data: data}
	default:
		return domain.CanonicalPart{Type: domain.PartText, Text: fmt.Sprint(m["text"])}
	}
}

func parseClaudeRequest(body []byte, pathModel string) (*domain.RequestContext, error) {
	var req converter.ClaudeRequest
	if err := jsonutil.Unmarshal(body, &req); err != nil {
		return nil, &domain.ProtocolError{Detail: "claude request: " + err.Error()}
	}

	reqCtx := &domain.RequestContext{
		WireFormat:   domain.WireFormatAnthropic,
		RequestModel: firstNonEmpty(pathModel, req.Model),
		Stream:       req.Stream,
		SystemPrompt: claudeSystemText(req.System),
	}

	for _, m := range req.Messages {
		reqCtx.Messages = append(reqCtx.Messages, claudeMessageToCanonical(m))
	}

	for _, t := range req.Tools {
		reqCtx.Tools = append(reqCtx.Tools, domain.CanonicalTool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toParamMap(t.InputSchema),
		})
	}
	return reqCtx, nil
}

func claudeSystemText(system any) string {
	switch v := system.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, raw := range v {
			if block, ok := raw.(map[string]any); ok {
				parts = append(parts, fmt.Sprint(block["text"]))
			}
		}
		return strings.Join(parts, "\n\n")
	default:
		return ""
	}
}

func claudeMessageToCanonical(m converter.ClaudeMessage) domain.CanonicalMessage {
	role := domain.RoleUser
	if m.Role == "assistant" {
		role = domain.RoleAssistant
	}
	msg := domain.CanonicalMessage{Role: role}

	switch v := m.Content.(type) {
	case string:
		if v != "" {
			msg.Parts = append(msg.Parts, domain.CanonicalPart{Type: domain.PartText, Text: v})
		}
	case []any:
		for _, raw := range v {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			msg.Parts = append(msg.Parts, claudeBlockToCanonical(block))
		}
	}
	return msg
}

func claudeBlockToCanonical(block map[string]any) domain.CanonicalPart {
	switch fmt.Sprint(block["type"]) {
	case "image":
		mediaType, data := "", ""
		if src, ok := block["source"].(map[string]any); ok {
			mediaType = fmt.Sprint(src["media_type"])
			data = fmt.Sprint(src["data"])
		}
		return domain.CanonicalPart{Type: domain.PartImage, MediaType: mediaType, Data: data}
	case "tool_use":
		part := domain.CanonicalPart{
			Type:      domain.PartToolUse,
			ToolUseID: fmt.Sprint(block["id"]),
			ToolName:  fmt.Sprint(block["name"]),
		}
		if in, ok := block["input"].(map[string]any); ok {
			part.ToolInput = in
		}
		return part
	case "tool_result":
		text := ""
		switch c := block["content"].(type) {
		case string:
			text = c
		case []any:
			var parts []string
			for _, raw := range c {
				if b, ok := raw.(map[string]any); ok {
					parts = append(parts, fmt.Sprint(b["text"]))
				}
			}
			text = strings.Join(parts, "\n")
		}
		isErr, _ := block["is_error"].(bool)
		return domain.CanonicalPart{
			Type:            domain.PartToolResult,
			ToolResultForID: fmt.Sprint(block["tool_use_id"]),
			ToolResultText:  text,
			ToolResultError: isErr,
		}
	default:
		return domain.CanonicalPart{Type: domain.PartText, Text: fmt.Sprint(block["text"])}
	}
}

func parseGeminiRequest(body []byte, pathModel string) (*domain.RequestContext, error) {
	var req converter.GeminiRequest
	if err := jsonutil.Unmarshal(body, &req); err != nil {
		return nil, &domain.ProtocolError{Detail: "gemini request: " + err.Error()}
	}

	reqCtx := &domain.RequestContext{
		WireFormat:   domain.WireFormatGemini,
		RequestModel: pathModel,
	}

	if req.SystemInstruction != nil {
		reqCtx.SystemPrompt = geminiPartsText(req.SystemInstruction.Parts)
	}

	for _, c := range req.Contents {
		reqCtx.Messages = append(reqCtx.Messages, geminiContentToCanonical(c))
	}

	for _, t := range req.Tools {
		for _, fn := range t.FunctionDeclarations {
			reqCtx.Tools = append(reqCtx.Tools, domain.CanonicalTool{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  toParamMap(fn.Parameters),
			})
		}
	}
	return reqCtx, nil
}

func geminiPartsText(parts []converter.GeminiPart) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func geminiContentToCanonical(c converter.GeminiContent) domain.CanonicalMessage {
	role := domain.RoleUser
	if c.Role == "model" {
		role = domain.RoleAssistant
	}
	msg := domain.CanonicalMessage{Role: role}
	for _, p := range c.Parts {
		switch {
		case p.FunctionCall != nil:
			msg.Parts = append(msg.Parts, domain.CanonicalPart{
				Type:      domain.PartToolUse,
				ToolUseID: p.FunctionCall.Name,
				ToolName:  p.FunctionCall.Name,
				ToolInput: p.FunctionCall.Args,
			})
		case p.FunctionResponse != nil:
			text := ""
			if b, err := jsonutil.Marshal(p.FunctionResponse.Response); err == nil {
				text = string(b)
			}
			msg.Parts = append(msg.Parts, domain.CanonicalPart{
				Type:            domain.PartToolResult,
				ToolResultForID: p.FunctionResponse.Name,
				ToolResultText:  text,
			})
		case p.InlineData != nil:
			msg.Parts = append(msg.Parts, domain.CanonicalPart{
				Type:      domain.PartImage,
				MediaType: p.InlineData.MimeType,
				Data:      p.InlineData.Data,
			})
		default:
			if p.Text != "" {
				msg.Parts = append(msg.Parts, domain.CanonicalPart{Type: domain.PartText, Text: p.Text})
			}
		}
	}
	return msg
}

func textOf(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, raw := range v {
			if m, ok := raw.(map[string]any); ok {
				parts = append(parts, fmt.Sprint(m["text"]))
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

// splitDataURL splits a "data:<mediaType>;base64,<data>" URL into its parts.
// A plain remote URL is returned as-is in Data with an empty MediaType — no
// adapter in this pack fetches remote images.
func splitDataURL(url string) (mediaType, data string) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return "", url
	}
	rest := url[len(prefix):]
	semi := strings.IndexByte(rest, ';')
	comma := strings.IndexByte(rest, ',')
	if semi < 0 || comma < 0 || comma < semi {
		return "", url
	}
	return rest[:semi], rest[comma+1:]
}

func decodeArguments(raw string) (map[string]any, bool) {
	if raw == "" {
		return map[string]any{}, true
	}
	var out map[string]any
	if err := jsonutil.Unmarshal([]byte(raw), &out); err != nil {
		return nil, false
	}
	return out, true
}

func toParamMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	if v == nil {
		return nil
	}
	b, err := jsonutil.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := jsonutil.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
