// Package toolcall implements the bracket tool-call notation some upstreams
// inline directly into response text: "[Called name with args: {json}]".
// The scanner tracks brace depth, string literals and backslash escapes over
// a plain text buffer to find where each argument object ends.
package toolcall

import (
	"strconv"
	"strings"

	"github.com/awsl-project/maxxgate/internal/jsonutil"
)

const (
	prefix   = "[Called "
	sep      = " with args: "
	closeTag = "]"
)

// Call is one extracted bracket-notation tool invocation.
type Call struct {
	Name      string
	Arguments map[string]any
}

// Extract scans text for bracket-notation tool calls, repairs and parses
// each one's JSON argument body, and returns the calls alongside text with
// every matched bracket span removed.
func Extract(text string) ([]Call, string) {
	var calls []Call
	var b strings.Builder
	last := 0

	for i := 0; i < len(text); {
		idx := strings.Index(text[i:], prefix)
		if idx < 0 {
			break
		}
		start := i + idx

		call, end, ok := parseOne(text, start)
		if !ok {
			i = start + len(prefix)
			continue
		}
		calls = append(calls, call)

		b.WriteString(text[last:start])
		last = end
		i = end
	}
	b.WriteString(text[last:])

	return dedup(calls), b.String()
}

// TryParsePrefix attempts to parse a complete bracket call starting at index
// 0 of text (which must already begin with the "[Called " marker). It
// reports the call and how many leading bytes of text it consumed, or
// ok=false if text doesn't yet hold a complete, well-formed call — the
// caller (an incremental streaming consumer) should wait for more bytes
// rather than treat that as a permanent failure.
func TryParsePrefix(text string) (Call, int, bool) {
	if !strings.HasPrefix(text, prefix) {
		return Call{}, 0, false
	}
	call, end, ok := parseOne(text, 0)
	if !ok {
		return Call{}, 0, false
	}
	return call, end, true
}

// parseOne attempts to parse a single "[Called name with args: {...}]" span
// starting at start (the index of the leading "["). It returns the call, the
// index one past the closing "]", and whether a well-formed span was found.
func parseOne(text string, start int) (Call, int, bool) {
	rest := text[start+len(prefix):]

	sepIdx := strings.Index(rest, sep)
	if sepIdx < 0 {
		return Call{}, 0, false
	}
	name := strings.TrimSpace(rest[:sepIdx])
	if name == "" {
		return Call{}, 0, false
	}

	jsonStart := start + len(prefix) + sepIdx + len(sep)
	if jsonStart >= len(text) || text[jsonStart] != '{' {
		return Call{}, 0, false
	}

	jsonEnd, ok := matchBrace(text, jsonStart)
	if !ok {
		return Call{}, 0, false
	}

	after := jsonEnd + 1
	if after >= len(text) || text[after] != ']' {
		return Call{}, 0, false
	}

	raw := text[jsonStart : jsonEnd+1]
	args, ok := parseArguments(raw)
	if !ok {
		return Call{}, 0, false
	}

	return Call{Name: name, Arguments: args}, after + 1, true
}

// matchBrace returns the index of the "}" matching the "{" at open,
// tracking string/escape state so braces and brackets inside JSON string
// literals (such as the "]" in the spec's worked example `"b":["]"]`) and
// escaped quotes inside them never confuse the depth count.
func matchBrace(text string, open int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := open; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// parseArguments decodes raw as a JSON object, repairing the common
// malformed shapes upstreams emit (trailing commas, unquoted keys, bareword
// values) before giving up.
func parseArguments(raw string) (map[string]any, bool) {
	if args, ok := decodeObject(raw); ok {
		return args, true
	}
	if args, ok := decodeObject(repair(raw)); ok {
		return args, true
	}
	return nil, false
}

func decodeObject(raw string) (map[string]any, bool) {
	var out map[string]any
	if err := jsonutil.Unmarshal([]byte(raw), &out); err != nil {
		return nil, false
	}
	return out, true
}

// dedup drops later calls whose (name, arguments) pair repeats an earlier
// one, per spec.md's "Deduplicate tool calls by (name, arguments)" rule.
func dedup(calls []Call) []Call {
	if len(calls) < 2 {
		return calls
	}
	seen := make(map[string]bool, len(calls))
	out := make([]Call, 0, len(calls))
	for _, c := range calls {
		key := c.Name + "\x00" + canonicalJSON(c.Arguments)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func canonicalJSON(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(toString(args[k]))
		b.WriteByte(';')
	}
	return b.String()
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return "null"
	default:
		b, _ := jsonutil.Marshal(v)
		return string(b)
	}
}
