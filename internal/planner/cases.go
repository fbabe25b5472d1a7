package planner

import (
	"context"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/llmutil"
)

// Strategy selects how many case variants a scenario expands into.
type Strategy string

const (
	StrategyHappyPath     Strategy = "happy_path"
	StrategyBasic         Strategy = "basic"
	StrategyComprehensive Strategy = "comprehensive"
)

// ParseStrategy maps a flag value to a Strategy, defaulting to basic.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyHappyPath:
		return StrategyHappyPath, nil
	case StrategyBasic, "":
		return StrategyBasic, nil
	case StrategyComprehensive:
		return StrategyComprehensive, nil
	}
	return "", fmt.Errorf("unknown case strategy %q (want happy_path, basic or comprehensive)", s)
}

// CaseSpec is one generated test case variant of a scenario.
type CaseSpec struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Query          string         `json:"user_query"`
	TestData       map[string]any `json:"test_data"`
	ExpectedResult any            `json:"expected_result"`
	Priority       string         `json:"priority"`
	CaseType       string         `json:"case_type"`
}

// Intent turns a case into a synthesis input against url.
func (c CaseSpec) Intent(url string, mode schemas.SynthesisMode) schemas.Intent {
	return schemas.Intent{Name: c.Name, Query: c.Query, TargetURL: url, Mode: mode}
}

// ExpandCases designs case variants for a scenario. It never fails: an
// unusable answer yields the fixed cases of the strategy.
func (p *Planner) ExpandCases(ctx context.Context, query, url string, strategy Strategy, analysis *schemas.PageAnalysis) []CaseSpec {
	if analysis == nil {
		analysis = &schemas.PageAnalysis{PageType: "unknown"}
	}
	requirements := basicRequirements
	switch strategy {
	case StrategyHappyPath:
		requirements = happyPathRequirements
	case StrategyComprehensive:
		requirements = comprehensiveRequirements
	}
	forms, _ := json.MarshalToString(analysis.Forms)
	buttons, _ := json.MarshalToString(analysis.Buttons)
	suggestions, _ := json.MarshalToString(analysis.TestSuggestions)

	raw, err := p.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: casesSystemPrompt,
		UserPrompt:   fmt.Sprintf(casesPromptTemplate, query, url, analysis.PageType, forms, buttons, suggestions, requirements),
		Tier:         schemas.TierText,
		Options:      schemas.GenerationOptions{Temperature: 0, ForceJSONFormat: true},
	})
	if err != nil {
		p.logger.Warn("Case expansion failed; using fixed cases.", zap.Error(err))
		return FallbackCases(query, strategy)
	}

	cases := parseCases(raw)
	kept := cases[:0]
	for _, c := range cases {
		if strings.TrimSpace(c.Name) == "" && strings.TrimSpace(c.Query) == "" {
			continue
		}
		if strings.TrimSpace(c.Query) == "" {
			c.Query = query
		}
		if c.Name == "" {
			c.Name = c.Query
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		p.logger.Warn("Case expansion returned no usable cases; using fixed cases.", zap.String("response", llmutil.Truncate(raw, 300)))
		return FallbackCases(query, strategy)
	}
	if strategy == StrategyHappyPath && len(kept) > 1 {
		kept = kept[:1]
	}
	return kept
}

// parseCases accepts an array of cases, an object wrapping one under
// "cases", or a single case object.
func parseCases(raw string) []CaseSpec {
	if list, err := llmutil.ParseJSONResponse[[]CaseSpec](raw); err == nil {
		return *list
	}
	if wrapped, err := llmutil.ParseJSONResponse[struct {
		Cases []CaseSpec `json:"cases"`
	}](raw); err == nil && len(wrapped.Cases) > 0 {
		return wrapped.Cases
	}
	if one, err := llmutil.ParseJSONResponse[CaseSpec](raw); err == nil {
		return []CaseSpec{*one}
	}
	return nil
}

// FallbackCases are the fixed variants used when the model is unavailable.
func FallbackCases(query string, strategy Strategy) []CaseSpec {
	positive := CaseSpec{Name: "Positive flow", Description: "Core flow with valid data", Query: query,
		TestData: map[string]any{}, ExpectedResult: "The flow completes successfully", Priority: "P0", CaseType: "positive"}
	negative := CaseSpec{Name: "Negative flow", Description: "Invalid input is rejected", Query: query + ", using invalid data",
		TestData: map[string]any{}, ExpectedResult: "An error message is shown", Priority: "P1", CaseType: "negative"}
	boundary := CaseSpec{Name: "Boundary values", Description: "Inputs at their length and value limits", Query: query + ", using boundary values",
		TestData: map[string]any{}, ExpectedResult: "The flow succeeds or a boundary error is shown", Priority: "P2", CaseType: "boundary"}
	exception := CaseSpec{Name: "Special characters", Description: "Special characters and empty values", Query: query + ", using special characters and empty values",
		TestData: map[string]any{}, ExpectedResult: "A validation error is shown", Priority: "P2", CaseType: "exception"}

	switch strategy {
	case StrategyHappyPath:
		return []CaseSpec{positive}
	case StrategyComprehensive:
		return []CaseSpec{positive, negative, boundary, exception}
	default:
		return []CaseSpec{positive, negative}
	}
}
