// internal/llmutil/parser.go
package llmutil

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var (
	// Backticks are written as \x60 because raw strings cannot contain them.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	jsonArrayRegex  = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")

	// codeBlockRegex matches a fenced block with an optional language tag.
	codeBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z0-9_+-]*[ \\t]*\\n?(.*?)\\s*\x60\x60\x60")
)

// ExtractJSON isolates the JSON value in a model response: it unwraps
// markdown fences and trims conversational text around the outermost
// object or array.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)
	isObject := strings.Contains(response, "{")
	isArray := strings.Contains(response, "[")

	if strings.HasPrefix(response, "```") {
		var matches []string
		if isObject {
			matches = jsonObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && isArray {
			matches = jsonArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			return matches[1]
		}
		return response
	}

	if strings.HasPrefix(response, "{") || strings.HasPrefix(response, "[") {
		return response
	}

	if isObject {
		fb, lb := strings.Index(response, "{"), strings.LastIndex(response, "}")
		if fb != -1 && lb > fb {
			return response[fb : lb+1]
		}
	}
	if isArray {
		fb, lb := strings.Index(response, "["), strings.LastIndex(response, "]")
		if fb != -1 && lb > fb {
			return response[fb : lb+1]
		}
	}
	return response
}

// ParseJSONResponse decodes a model response into T. When the extracted
// text is not valid JSON (trailing commas, single quotes, truncated
// output) it is passed through jsonrepair before giving up.
func ParseJSONResponse[T any](response string) (*T, error) {
	raw := ExtractJSON(response)

	var result T
	err := json.Unmarshal([]byte(raw), &result)
	if err == nil {
		return &result, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(raw)
	if repairErr != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, Truncate(raw, 500))
	}
	var fixed T
	if err2 := json.Unmarshal([]byte(repaired), &fixed); err2 != nil {
		return nil, fmt.Errorf("failed to unmarshal repaired LLM JSON response: %w. Extracted JSON (truncated): %s", err2, Truncate(raw, 500))
	}
	return &fixed, nil
}

// CleanCodeOutput strips a markdown fence (```python and friends) from a
// code response. Content without a fence is returned trimmed.
func CleanCodeOutput(content string) string {
	content = strings.TrimSpace(content)
	if !strings.Contains(content, "```") {
		return content
	}
	if m := codeBlockRegex.FindStringSubmatch(content); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	// An unterminated fence: drop the opening line.
	if strings.HasPrefix(content, "```") {
		if i := strings.IndexByte(content, '\n'); i != -1 {
			return strings.TrimSpace(content[i+1:])
		}
	}
	return content
}

// Truncate shortens s to at most maxLen bytes, appending "..." when cut.
// The cut is moved back to a rune boundary.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
