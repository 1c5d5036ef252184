package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencedRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// DecodeObject decodes model output into v, which must expect a JSON object.
// It tries the raw text, then a ```-fenced block, then the first balanced
// {...} span. Model replies routinely wrap JSON in prose; callers treat a
// failure as a recoverable LLM error.
func DecodeObject(text string, v any) error {
	return decodeTolerant(text, v, '{', '}')
}

// DecodeArray is DecodeObject for a top-level JSON array.
func DecodeArray(text string, v any) error {
	return decodeTolerant(text, v, '[', ']')
}

func decodeTolerant(text string, v any, open, cls byte) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("empty response")
	}
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}
	if m := fencedRe.FindStringSubmatch(text); m != nil {
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), v); err == nil {
			return nil
		}
	}
	if span := firstBalanced(text, open, cls); span != "" {
		if err := json.Unmarshal([]byte(span), v); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no decodable JSON in response")
}

// firstBalanced returns the first balanced open…close span, respecting
// string literals and escapes.
func firstBalanced(s string, open, cls byte) string {
	depth := 0
	start := -1
	inStr := false
	esc := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inStr = true
			}
		case open:
			if depth == 0 {
				start = i
			}
			depth++
		case cls:
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
