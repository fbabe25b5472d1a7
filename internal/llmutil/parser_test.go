package llmutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type planPayload struct {
	Actions []string `json:"actions"`
}

func TestParseJSONResponse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"bare object", `{"actions": ["a", "b"]}`, []string{"a", "b"}},
		{"fenced object", "```json\n{\"actions\": [\"a\"]}\n```", []string{"a"}},
		{"fence without tag", "```\n{\"actions\": [\"x\"]}\n```", []string{"x"}},
		{"conversational wrapper", "Sure! Here is the plan:\n{\"actions\": [\"go\"]}\nLet me know.", []string{"go"}},
		{"trailing comma repaired", `{"actions": ["a", "b",]}`, []string{"a", "b"}},
		{"single quotes repaired", `{'actions': ['a']}`, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSONResponse[planPayload](tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Actions)
		})
	}

	t.Run("array payload", func(t *testing.T) {
		got, err := ParseJSONResponse[[]string]("```json\n[\"one\", \"two\"]\n```")
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "two"}, *got)
	})

	t.Run("type mismatch is an error", func(t *testing.T) {
		_, err := ParseJSONResponse[planPayload](`{"actions": 42}`)
		assert.Error(t, err)
	})
}

func TestCleanCodeOutput(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"python fence", "```python\nawait page.click('#a')\n```", "await page.click('#a')"},
		{"plain fence", "```\nawait page.fill('#u', 'x')\n```", "await page.fill('#u', 'x')"},
		{"no fence", "  await page.goto('https://x')  ", "await page.goto('https://x')"},
		{"unterminated fence", "```python\nawait page.click('#b')", "await page.click('#b')"},
		{"prose around fence", "Here you go:\n```py\nawait page.click('#c')\n```\nDone.", "await page.click('#c')"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanCodeOutput(tt.in))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab...", Truncate("abcdef", 2))
	assert.Equal(t, "", Truncate("abc", 0))
	// "验" is three bytes; cutting inside it backs up to the boundary.
	assert.Equal(t, "a...", Truncate("a验证", 2))
}
