package toolcall

import "strings"

// repair applies the tolerant fixups spec.md calls for on malformed bracket
// JSON: strip trailing commas, quote unquoted object keys, and quote bare
// identifier values. It is a best-effort single pass, not a general JSON5
// parser — run only as the fallback after a strict decode has failed.
func repair(raw string) string {
	s := quoteBareTokens(raw)
	s = stripTrailingCommas(s)
	return s
}

// stripTrailingCommas removes a "," that appears (ignoring whitespace)
// immediately before a closing "}" or "]", outside of string literals.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	inString := false
	escaped := false
	runes := []rune(s)

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if inString {
			b.WriteRune(c)
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

		if c == '"' {
			inString = true
			b.WriteRune(c)
			continue
		}

		if c == ',' {
			j := i + 1
			for j < len(runes) && (runes[j] == ' ' || runes[j] == '\t' || runes[j] == '\n' || runes[j] == '\r') {
				j++
			}
			if j < len(runes) && (runes[j] == '}' || runes[j] == ']') {
				continue // drop the comma
			}
		}
		b.WriteRune(c)
	}
	return b.String()
}

// quoteBareTokens quotes unquoted object keys ("key:" -> "\"key\":") and
// bareword values (": word" -> ": \"word\"") for identifiers that aren't
// JSON literals (true/false/null) or numbers, outside of string literals.
func quoteBareTokens(s string) string {
	var b strings.Builder
	inString := false
	escaped := false
	n := len(s)

	for i := 0; i < n; i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
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

		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}

		if isIdentStart(c) {
			j := i
			for j < n && isIdentPart(s[j]) {
				j++
			}
			token := s[i:j]

			k := j
			for k < n && (s[k] == ' ' || s[k] == '\t' || s[k] == '\n' || s[k] == '\r') {
				k++
			}
			followedByColon := k < n && s[k] == ':'

			switch {
			case followedByColon:
				b.WriteByte('"')
				b.WriteString(token)
				b.WriteByte('"')
			case token == "true" || token == "false" || token == "null":
				b.WriteString(token)
			default:
				b.WriteByte('"')
				b.WriteString(token)
				b.WriteByte('"')
			}
			i = j - 1
			continue
		}

		b.WriteByte(c)
	}
	return b.String()
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
