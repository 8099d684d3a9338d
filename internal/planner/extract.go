package planner

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSONArray is returned when no well-formed JSON array could be
// extracted from the model's response.
var ErrNoJSONArray = errors.New("planner: no well-formed JSON array in response")

// ExtractJSONArray tolerates wrapping whitespace, Markdown code
// fences, and trailing commentary, extracting the first well-formed
// JSON array of RawPlan objects — spec.md §4.6.
func ExtractJSONArray(body string) ([]RawPlan, error) {
	text := stripCodeFence(strings.TrimSpace(body))

	start := strings.IndexByte(text, '[')
	if start < 0 {
		return nil, ErrNoJSONArray
	}

	depth := 0
	inString := false
	escaped := false
	end := -1
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
			depth++
		case ']':
			depth--
			if depth == 0 {
				end = i
			}
		}
		if end != -1 {
			break
		}
	}
	if end == -1 {
		return nil, ErrNoJSONArray
	}

	var raw []RawPlan
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, errors.Join(ErrNoJSONArray, err)
	}
	return raw, nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.SplitN(s, "\n", 2)
	if len(lines) < 2 {
		return s
	}
	rest := lines[1]
	if idx := strings.LastIndex(rest, "```"); idx >= 0 {
		rest = rest[:idx]
	}
	return strings.TrimSpace(rest)
}
