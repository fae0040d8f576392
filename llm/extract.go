package llm

import "strings"

// Model output rarely arrives as clean JSON: fenced code blocks, leading
// prose, line comments, and trailing commas all show up. The extractors
// dig the payload out of a completion and normalize it enough for
// encoding/json. Classification decisions and tier executor outputs both
// pass through here.

// ExtractJSON returns the first JSON object in a completion, or "" when
// none is found.
func ExtractJSON(content string) string {
	return extractDelimited(content, '{', '}')
}

// ExtractJSONArray is ExtractJSON for top-level arrays.
func ExtractJSONArray(content string) string {
	return extractDelimited(content, '[', ']')
}

func extractDelimited(content string, open, close byte) string {
	if inner, ok := fencedBlock(content); ok {
		content = inner
	}
	start := strings.IndexByte(content, open)
	if start < 0 {
		return ""
	}
	end := strings.LastIndexByte(content, close)
	if end <= start {
		return ""
	}
	return normalizeJSON(content[start : end+1])
}

// fencedBlock returns the inside of the first ``` fence, with an optional
// "json" language tag stripped.
func fencedBlock(content string) (string, bool) {
	start := strings.Index(content, "```")
	if start < 0 {
		return "", false
	}
	rest := strings.TrimPrefix(content[start+3:], "json")
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// normalizeJSON strips // comments and trailing commas in one pass,
// leaving string values untouched.
func normalizeJSON(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			b.WriteByte(ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch {
		case ch == '"':
			inString = true
			b.WriteByte(ch)
		case ch == '/' && i+1 < len(raw) && raw[i+1] == '/':
			for i < len(raw) && raw[i] != '\n' {
				i++
			}
			i-- // keep the newline for the outer loop
		case ch == ',':
			// Drop the comma when the next significant byte closes a
			// container.
			if j := skipInsignificant(raw, i+1); j < len(raw) && (raw[j] == '}' || raw[j] == ']') {
				continue
			}
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// skipInsignificant advances past whitespace and // comments.
func skipInsignificant(s string, i int) int {
	for i < len(s) {
		switch {
		case s[i] == ' ' || s[i] == '\t' || s[i] == '\r' || s[i] == '\n':
			i++
		case s[i] == '/' && i+1 < len(s) && s[i+1] == '/':
			for i < len(s) && s[i] != '\n' {
				i++
			}
		default:
			return i
		}
	}
	return i
}
