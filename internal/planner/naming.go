package planner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/llmutil"
)

const maxTestNameLen = 64

var (
	nonIdent   = regexp.MustCompile(`[^a-z0-9_]+`)
	underscore = regexp.MustCompile(`_+`)
)

// TestName asks the model for a test function name and sanitizes it. A
// failed call or an unusable answer falls back to a name derived from the
// query.
func (p *Planner) TestName(ctx context.Context, query string, plan *schemas.ActionPlan) string {
	var head []string
	if plan != nil {
		head = plan.Descriptions()
		if len(head) > 3 {
			head = head[:3]
		}
	}
	raw, err := p.llm.Generate(ctx, schemas.GenerationRequest{
		UserPrompt: fmt.Sprintf(testNamePromptTemplate, query, strings.Join(head, ", ")),
		Tier:       schemas.TierText,
		Options:    schemas.GenerationOptions{Temperature: 0, MaxTokens: 64},
	})
	if err != nil {
		p.logger.Debug("Test naming failed; deriving from query.", zap.Error(err))
		return FallbackTestName(query)
	}
	if name := SanitizeTestName(raw); name != "" {
		return name
	}
	return FallbackTestName(query)
}

// SanitizeTestName turns free text into a snake_case Python identifier with
// a test_ prefix, or "" if nothing usable remains.
func SanitizeTestName(raw string) string {
	raw = llmutil.CleanCodeOutput(raw)
	if i := strings.IndexByte(raw, '\n'); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.Trim(raw, "`'\" ")
	raw = strings.TrimSuffix(raw, "()")
	s := nonIdent.ReplaceAllString(strings.ToLower(raw), "_")
	s = strings.Trim(underscore.ReplaceAllString(s, "_"), "_")
	s = strings.TrimPrefix(s, "def_")
	if s == "" || s == "test" {
		return ""
	}
	if !strings.HasPrefix(s, "test_") {
		s = "test_" + s
	}
	if len(s) > maxTestNameLen {
		s = strings.TrimRight(s[:maxTestNameLen], "_")
	}
	return s
}

// FallbackTestName derives a stable name from the query. Queries with no
// ASCII words (for example Chinese text) get a name keyed on a hash of the
// query so that reruns keep the same name.
func FallbackTestName(query string) string {
	if name := SanitizeTestName(query); name != "" {
		return name
	}
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(query))
	return "test_case_" + strings.ReplaceAll(id.String(), "-", "")[:8]
}
