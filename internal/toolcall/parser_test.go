package toolcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractSpecExample(t *testing.T) {
	text := `[Called foo with args: {"a":1, "b":["]"]}]`

	calls, cleaned := Extract(text)

	require.Len(t, calls, 1)
	assert.Equal(t, "foo", calls[0].Name)
	assert.Equal(t, float64(1), calls[0].Arguments["a"])
	assert.Equal(t, []any{"]"}, calls[0].Arguments["b"])
	assert.Equal(t, "", cleaned)
}

func TestExtractInlineWithSurroundingText(t *testing.T) {
	text := `ok [Called search with args: {"q":"x"}] done`

	calls, cleaned := Extract(text)

	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].Name)
	assert.Equal(t, "x", calls[0].Arguments["q"])
	assert.Equal(t, "ok  done", cleaned)
}

func TestExtractNoMatch(t *testing.T) {
	text := "just some plain text, nothing bracketed here"

	calls, cleaned := Extract(text)

	assert.Empty(t, calls)
	assert.Equal(t, text, cleaned)
}

func TestExtractMultipleCalls(t *testing.T) {
	text := `[Called a with args: {"x":1}] and [Called b with args: {"y":2}]`

	calls, cleaned := Extract(text)

	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].Name)
	assert.Equal(t, "b", calls[1].Name)
	assert.Equal(t, " and ", cleaned)
}

func TestExtractDeduplicatesRepeatedCalls(t *testing.T) {
	text := `[Called a with args: {"x":1}] [Called a with args: {"x":1}]`

	calls, _ := Extract(text)

	assert.Len(t, calls, 1)
}

func TestExtractKeepsCallsWithDifferentArguments(t *testing.T) {
	text := `[Called a with args: {"x":1}] [Called a with args: {"x":2}]`

	calls, _ := Extract(text)

	assert.Len(t, calls, 2)
}

func TestExtractRepairsTrailingCommaAndBareTokens(t *testing.T) {
	text := `[Called tool with args: {name: value, flag: true,}]`

	calls, cleaned := Extract(text)

	require.Len(t, calls, 1)
	assert.Equal(t, "value", calls[0].Arguments["name"])
	assert.Equal(t, true, calls[0].Arguments["flag"])
	assert.Equal(t, "", cleaned)
}

func TestExtractIgnoresUnterminatedCall(t *testing.T) {
	text := `[Called a with args: {"x":1}`

	calls, cleaned := Extract(text)

	assert.Empty(t, calls)
	assert.Equal(t, text, cleaned)
}

func TestTryParsePrefixIncomplete(t *testing.T) {
	_, _, ok := TryParsePrefix(`[Called a with args: {"x"`)
	assert.False(t, ok)
}

func TestTryParsePrefixComplete(t *testing.T) {
	input := `[Called a with args: {"x":1}] trailing`
	call, consumed, ok := TryParsePrefix(input)

	require.True(t, ok)
	assert.Equal(t, "a", call.Name)
	assert.Equal(t, float64(1), call.Arguments["x"])
	assert.Equal(t, `[Called a with args: {"x":1}]`, input[:consumed])
}
