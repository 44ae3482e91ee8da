package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON returns the single JSON object contained in a reply,
// unwrapping Markdown code fences and surrounding prose.
func ExtractJSON(reply string) (string, error) {
	s := strings.TrimSpace(reply)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		// Drop the language tag on the opening fence.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		s = strings.TrimSpace(rest)
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return "", fmt.Errorf("%w: no JSON object in reply", ErrMalformedReply)
	}
	return s[start : end+1], nil
}

// ParseReply decodes the JSON object of a reply into T.
func ParseReply[T any](reply string) (T, error) {
	var v T
	raw, err := ExtractJSON(reply)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}
	return v, nil
}
