package intent

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned when a model reply holds no well-formed JSON value.
var ErrNoJSON = errors.New("no JSON found in response")

// ExtractJSON returns the first well-formed JSON array or object embedded in
// text. Models wrap answers in prose or code fences despite instructions, so
// every '[' or '{' is tried as a start until one balances and parses.
func ExtractJSON(text string) (string, error) {
	for start := 0; start < len(text); start++ {
		if text[start] != '[' && text[start] != '{' {
			continue
		}
		end := matchingEnd(text, start)
		if end < 0 {
			continue
		}
		candidate := text[start : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}
	return "", ErrNoJSON
}

// matchingEnd returns the index closing the bracket at start, honoring string
// literals, or -1.
func matchingEnd(text string, start int) int {
	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
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
		case '[':
			stack = append(stack, ']')
		case '{':
			stack = append(stack, '}')
		case ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}

// decodeFlags accepts either a bare array or an object wrapping one.
func decodeFlags(raw string) ([]llmFlag, error) {
	raw = strings.TrimSpace(raw)
	var flags []llmFlag
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &flags); err != nil {
			return nil, err
		}
		return flags, nil
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
		return nil, err
	}
	for _, v := range wrapper {
		if err := json.Unmarshal(v, &flags); err == nil {
			return flags, nil
		}
	}
	var single llmFlag
	if err := json.Unmarshal([]byte(raw), &single); err == nil && single.Confidence != "" {
		return []llmFlag{single}, nil
	}
	return nil, ErrNoJSON
}
