package util

import "strings"

// Fragments returns every balanced top-level JSON object or array embedded in s,
// in order of appearance. Brackets inside string literals are ignored.
func Fragments(s string) []string {
	var out []string
	for i := 0; i < len(s); i++ {
		var closeChar byte
		switch s[i] {
		case '{':
			closeChar = '}'
		case '[':
			closeChar = ']'
		default:
			continue
		}
		end := findMatchingBracket(s, i, s[i], closeChar)
		if end == -1 {
			continue
		}
		out = append(out, s[i:end+1])
		i = end
	}
	return out
}

// findMatchingBracket finds the matching closing bracket for an opening bracket,
// skipping brackets inside strings. Returns -1 if none is found.
func findMatchingBracket(s string, startPos int, openChar, closeChar byte) int {
	count := 0
	inString := false
	escaped := false

	for i := startPos; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}

		if !inString {
			if ch == openChar {
				count++
			} else if ch == closeChar {
				count--
				if count == 0 {
					return i
				}
			}
		}
	}

	return -1
}

// SanitizeJSON fixes common JSON issues from LLM responses.
// Specifically handles unescaped newlines in string values.
func SanitizeJSON(s string) string {
	var result strings.Builder
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			result.WriteByte(ch)
			escaped = false
			continue
		}

		if ch == '\\' {
			result.WriteByte(ch)
			escaped = true
			continue
		}

		if ch == '"' {
			result.WriteByte(ch)
			inString = !inString
			continue
		}

		// Replace literal newlines in strings with \n
		if inString && (ch == '\n' || ch == '\r') {
			result.WriteString("\\n")
			if ch == '\r' && i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			continue
		}

		result.WriteByte(ch)
	}

	return result.String()
}
