package kiro

import (
	"math"
	"strings"

	"github.com/awsl-project/maxxgate/internal/domain"
)

// TokenEstimator is a local, heuristic token counter used when a provider
// offers no exact token count of its own.
type TokenEstimator struct{}

// NewTokenEstimator creates a token estimator instance.
func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{}
}

// EstimateInputTokens estimates the input token count for a request.
func (e *TokenEstimator) EstimateInputTokens(reqCtx *domain.RequestContext) int {
	totalTokens := 0

	if reqCtx.SystemPrompt != "" {
		totalTokens += e.EstimateTextTokens(reqCtx.SystemPrompt)
		totalTokens += 2
	}

	for _, msg := range reqCtx.Messages {
		totalTokens += 3 // role-tag overhead
		for _, part := range msg.Parts {
			totalTokens += e.estimateCanonicalPart(part)
		}
	}

	toolCount := len(reqCtx.Tools)
	if toolCount > 0 {
		var baseToolsOverhead int
		var perToolOverhead int

		if toolCount == 1 {
			baseToolsOverhead = 0
			perToolOverhead = 320
		} else if toolCount <= 5 {
			baseToolsOverhead = 100
			perToolOverhead = 120
		} else {
			baseToolsOverhead = 180
			perToolOverhead = 60
		}

		totalTokens += baseToolsOverhead

		for _, tool := range reqCtx.Tools {
			nameTokens := e.estimateToolName(tool.Name)
			totalTokens += nameTokens

			totalTokens += e.EstimateTextTokens(tool.Description)

			if tool.Parameters != nil {
				if jsonBytes, err := FastMarshal(tool.Parameters); err == nil {
					// Schema 编码密度：根据工具数量自适应
					var schemaCharsPerToken float64
					if toolCount == 1 {
						schemaCharsPerToken = 1.9
					} else if toolCount <= 5 {
						schemaCharsPerToken = 2.2
					} else {
						schemaCharsPerToken = 2.5
					}

					schemaLen := len(jsonBytes)
					schemaTokens := int(math.Ceil(float64(schemaLen) / schemaCharsPerToken))

					// $schema 字段 URL 开销
					if strings.Contains(string(jsonBytes), "$schema") {
						if toolCount == 1 {
							schemaTokens += 10
						} else {
							schemaTokens += 5
						}
					}

					// 最小 schema 开销
					minSchemaTokens := 50
					if toolCount > 5 {
						minSchemaTokens = 30
					}
					if schemaTokens < minSchemaTokens {
						schemaTokens = minSchemaTokens
					}

					totalTokens += schemaTokens
				}
			}

			totalTokens += perToolOverhead
		}
	}

	// 4. 基础请求开销
	totalTokens += 4

	return totalTokens
}

// EstimateTextTokens 估算纯文本的 token 数量
// 匹配 kiro2api/utils/token_estimator.go:EstimateTextTokens
func (e *TokenEstimator) EstimateTextTokens(text string) int {
	if text == "" {
		return 0
	}

	runes := []rune(text)
	runeCount := len(runes)

	if runeCount == 0 {
		return 0
	}

	// 统计中文字符数
	chineseChars := 0
	for _, r := range runes {
		if r >= 0x4E00 && r <= 0x9FFF {
			chineseChars++
		}
	}

	nonChineseChars := runeCount - chineseChars
	isPureChinese := (nonChineseChars == 0)

	// 中文 token 计算
	chineseTokens := 0
	if chineseChars > 0 {
		if isPureChinese {
			chineseTokens = 1 + chineseChars
		} else {
			chineseTokens = chineseChars
		}
	}

	// 英文/数字字符
	nonChineseTokens := 0
	if nonChineseChars > 0 {
		var charsPerToken float64
		if nonChineseChars < 50 {
			charsPerToken = 2.8
		} else if nonChineseChars < 100 {
			charsPerToken = 2.6
		} else {
			charsPerToken = 2.5
		}

		nonChineseTokens = int(math.Ceil(float64(nonChineseChars) / charsPerToken))
		if nonChineseTokens < 1 {
			nonChineseTokens = 1
		}
	}

	tokens := chineseTokens + nonChineseTokens

	// 长文本压缩系数
	if runeCount >= 1000 {
		tokens = int(float64(tokens) * 0.60)
	} else if runeCount >= 500 {
		tokens = int(float64(tokens) * 0.70)
	} else if runeCount >= 300 {
		tokens = int(float64(tokens) * 0.80)
	} else if runeCount >= 200 {
		tokens = int(float64(tokens) * 0.85)
	} else if runeCount >= 100 {
		tokens = int(float64(tokens) * 0.90)
	} else if runeCount >= 50 {
		tokens = int(float64(tokens) * 0.95)
	}

	if tokens < 1 {
		tokens = 1
	}

	return tokens
}

// estimateToolName 估算工具名称的 token 数量
func (e *TokenEstimator) estimateToolName(name string) int {
	if name == "" {
		return 0
	}

	baseTokens := (len(name) + 1) / 2

	underscoreCount := strings.Count(name, "_")
	underscorePenalty := underscoreCount

	camelCaseCount := 0
	for _, r := range name {
		if r >= 'A' && r <= 'Z' {
			camelCaseCount++
		}
	}
	camelCasePenalty := camelCaseCount / 2

	totalTokens := baseTokens + underscorePenalty + camelCasePenalty
	if totalTokens < 2 {
		totalTokens = 2
	}

	return totalTokens
}

// estimateCanonicalPart estimates the token cost of a single canonical part.
func (e *TokenEstimator) estimateCanonicalPart(part domain.CanonicalPart) int {
	switch part.Type {
	case domain.PartText:
		return e.EstimateTextTokens(part.Text)
	case domain.PartImage:
		return 1500
	case domain.PartDocument:
		// ceil(len*0.75/4): base64 expands data by 4/3, so decoded-byte count
		// is len*0.75; divide by the usual 4-chars-per-token ratio.
		return int(math.Ceil(float64(len(part.Data)) * 0.75 / 4))
	case domain.PartToolUse:
		return e.EstimateToolUseTokens(part.ToolName, part.ToolInput)
	case domain.PartToolResult:
		return e.EstimateTextTokens(part.ToolResultText)
	default:
		return 10
	}
}

// EstimateToolUseTokens 精确估算工具调用的 token 数量
// 匹配 kiro2api/utils/token_estimator.go:EstimateToolUseTokens
func (e *TokenEstimator) EstimateToolUseTokens(toolName string, toolInput map[string]any) int {
	totalTokens := 0

	// 1. JSON 结构字段开销
	// "type": "tool_use" ≈ 3 tokens
	totalTokens += 3

	// "id": "toolu_01A09q90qw90lq917835lq9" ≈ 8 tokens
	totalTokens += 8

	// "name" 关键字 ≈ 1 token
	totalTokens += 1

	// 2. 工具名称（使用与输入侧相同的精确方法）
	nameTokens := e.estimateToolName(toolName)
	totalTokens += nameTokens

	// 3. "input" 关键字 ≈ 1 token
	totalTokens += 1

	// 4. 参数内容（JSON 序列化）
	// 匹配 kiro2api: 使用标准的 4 字符/token 比率
	if len(toolInput) > 0 {
		if jsonBytes, err := FastMarshal(toolInput); err == nil {
			inputTokens := len(jsonBytes) / 4
			totalTokens += inputTokens
		}
	} else {
		// 空参数对象 {} ≈ 1 token
		totalTokens += 1
	}

	return totalTokens
}
