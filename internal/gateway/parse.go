package gateway

import (
	"encoding/json"
	"errors"
	"strings"
)

var errNoStructuredData = errors.New("no structured data found")

// Parsed is the outcome of ParseResult.
type Parsed struct {
	Value json.RawMessage
	// Repaired is set when the raw text needed cleanup before it parsed.
	Repaired bool
}

// ParseResult parses raw as a JSON object or array. If that fails it makes
// one repair pass: strip markdown fences, then fall back to the largest
// balanced object or array in the text. Bare scalars never count.
func ParseResult(raw string) (Parsed, error) {
	trimmed := strings.TrimSpace(raw)
	if isDocument(trimmed) {
		return Parsed{Value: json.RawMessage(trimmed)}, nil
	}

	if v, ok := repair(trimmed); ok {
		return Parsed{Value: json.RawMessage(v), Repaired: true}, nil
	}
	return Parsed{}, errNoStructuredData
}

func repair(s string) (string, bool) {
	unfenced := stripFences(s)
	if isDocument(unfenced) {
		return unfenced, true
	}
	return largestBalanced(unfenced)
}

func isDocument(s string) bool {
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return false
	}
	return json.Valid([]byte(s))
}

// stripFences removes a ```lang ... ``` wrapper if one encloses the text.
func stripFences(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	body := s[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		// Drop the info string ("json", "JSON5", ...).
		if !strings.ContainsAny(body[:nl], "{[") {
			body = body[nl+1:]
		}
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// largestBalanced returns the longest substring that opens with { or [,
// closes at matching depth and is valid JSON. Brackets inside string
// literals are ignored.
func largestBalanced(s string) (string, bool) {
	best := ""
	for i := 0; i < len(s); i++ {
		if s[i] != '{' && s[i] != '[' {
			continue
		}
		end, ok := matchClose(s, i)
		if !ok {
			continue
		}
		candidate := s[i : end+1]
		if len(candidate) > len(best) && json.Valid([]byte(candidate)) {
			best = candidate
			// Anything starting inside this span is shorter.
			i = end
		}
	}
	return best, best != ""
}

func matchClose(s string, start int) (int, bool) {
	stack := make([]byte, 0, 8)
	inString, escaped := false, false

	for i := start; i < len(s); i++ {
		c := s[i]
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
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return 0, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
