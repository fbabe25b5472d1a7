package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/mocks"
)

var loginIntent = schemas.Intent{
	Query:     "Log in with username 'admin' and password 'X' and verify the dashboard",
	TargetURL: "https://example.com/login",
}

func tier(t schemas.ModelTier) any {
	return mock.MatchedBy(func(req schemas.GenerationRequest) bool { return req.Tier == t })
}

func setupPlanner(t *testing.T) (*Planner, *mocks.MockLLMClient, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	llm := mocks.NewMockLLMClient()
	return New(llm, zap.New(core)), llm, logs
}

func TestPlan(t *testing.T) {
	t.Run("parses and classifies", func(t *testing.T) {
		p, llm, _ := setupPlanner(t)
		llm.On("Generate", mock.Anything, tier(schemas.TierText)).Return("```json\n"+`{"actions": [
			"Navigate to the login page by URL",
			"Fill 'admin' into the username input",
			"Fill 'X' into the password input",
			"Click the 'Login' button",
			"Dashboard heading is shown"
		]}`+"\n```", nil)

		plan := p.Plan(context.Background(), loginIntent, nil)
		require.NoError(t, plan.Validate())
		assert.False(t, plan.Fallback)
		require.Len(t, plan.Actions, 5)
		assert.Equal(t, schemas.KindNavigation, plan.Actions[0].Kind)
		assert.Equal(t, schemas.KindInteraction, plan.Actions[1].Kind)
		assert.Equal(t, schemas.KindVerification, plan.Actions[4].Kind, "last action is always the verification")
		assert.Contains(t, plan.Actions[1].Description, "'admin'")
	})

	t.Run("prompt carries literals and analysis", func(t *testing.T) {
		p, llm, _ := setupPlanner(t)
		llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
			return req.Options.ForceJSONFormat &&
				req.Options.Temperature == 0 &&
				strings.Contains(req.UserPrompt, loginIntent.Query) &&
				strings.Contains(req.UserPrompt, loginIntent.TargetURL) &&
				strings.Contains(req.UserPrompt, `"has_captcha":true`)
		})).Return(`{"actions": ["Open https://example.com/login", "Verify the login form is visible"]}`, nil).Once()

		plan := p.Plan(context.Background(), loginIntent, &schemas.PageAnalysis{PageType: "login", HasCaptcha: true})
		require.NoError(t, plan.Validate())
		llm.AssertExpectations(t)
	})

	t.Run("malformed output degrades to fallback", func(t *testing.T) {
		p, llm, logs := setupPlanner(t)
		llm.On("Generate", mock.Anything, mock.Anything).Return("Sorry, I cannot help with that.", nil)

		plan := p.Plan(context.Background(), loginIntent, nil)
		assert.Equal(t, FallbackPlan(loginIntent), plan)
		assert.Equal(t, 1, logs.FilterMessageSnippet("fallback plan").Len())
	})

	t.Run("grounding error degrades to fallback", func(t *testing.T) {
		p, llm, _ := setupPlanner(t)
		llm.On("Generate", mock.Anything, mock.Anything).Return("", context.DeadlineExceeded)

		plan := p.Plan(context.Background(), loginIntent, nil)
		assert.True(t, plan.Fallback)
		assert.Equal(t, []string{"Navigate to https://example.com/login", loginIntent.Query, FallbackVerification}, plan.Descriptions())
	})

	t.Run("empty action list degrades to fallback", func(t *testing.T) {
		p, llm, _ := setupPlanner(t)
		llm.On("Generate", mock.Anything, mock.Anything).Return(`{"actions": ["  ", ""]}`, nil)
		assert.True(t, p.Plan(context.Background(), loginIntent, nil).Fallback)
	})
}

func TestNormalize(t *testing.T) {
	t.Run("prepends navigation", func(t *testing.T) {
		plan := Normalize([]string{"Click 'Add to Cart'", "Expect the cart badge to show 1"}, loginIntent, nil)
		require.NoError(t, plan.Validate())
		assert.Equal(t, "Navigate to https://example.com/login", plan.Actions[0].Description)
		assert.Len(t, plan.Actions, 3)
	})

	t.Run("navigation only gains a verification", func(t *testing.T) {
		plan := Normalize([]string{"导航到登录页"}, loginIntent, nil)
		require.NoError(t, plan.Validate())
		assert.Equal(t, FallbackVerification, plan.Actions[1].Description)
	})

	t.Run("intermediate checks are verifications", func(t *testing.T) {
		plan := Normalize([]string{"Navigate to the page", "检查 the banner", "Click next", "Done"}, loginIntent, nil)
		assert.Equal(t, schemas.KindVerification, plan.Actions[1].Kind)
		assert.Equal(t, schemas.KindInteraction, plan.Actions[2].Kind)
		assert.Equal(t, schemas.KindVerification, plan.Actions[3].Kind)
	})

	t.Run("captcha steps go before submission", func(t *testing.T) {
		plan := Normalize([]string{
			"Navigate to the login page",
			"Fill 'admin' into the username input",
			"Fill 'X' into the password input",
			"Click the submit button",
			"Verify the dashboard is visible",
		}, loginIntent, &schemas.PageAnalysis{HasCaptcha: true})
		require.NoError(t, plan.Validate())
		descs := plan.Descriptions()
		require.Len(t, descs, 7)
		assert.Equal(t, captchaCaptureStep, descs[3])
		assert.Equal(t, captchaFillStep, descs[4])
		assert.Equal(t, "Click the submit button", descs[5])
	})

	t.Run("existing captcha steps are kept as is", func(t *testing.T) {
		raw := []string{"Navigate to the page", "Recognize the 验证码", "Click login", "Verify home"}
		plan := Normalize(raw, loginIntent, &schemas.PageAnalysis{HasCaptcha: true})
		assert.Equal(t, raw, plan.Descriptions())
	})
}

func TestIsVerification(t *testing.T) {
	tests := []struct {
		desc string
		want bool
	}{
		{"Check the 'Remember me' checkbox", false},
		{"Check the terms radio button", false},
		{"Click the checkbox labelled Newsletter", false},
		{"Fill 'checker' into the username input", false},
		{"Click the 'Should I stay' link", false},
		{"Check that the dashboard is shown", true},
		{"Check whether the checkbox is ticked", true},
		{"Verify the checkbox is checked", true},
		{"Expect the cart badge to show 1", true},
		{"The welcome banner should appear", true},
		{"Error message is visible", true},
		{"检查 the banner", true},
		{"确认登录成功", true},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			assert.Equal(t, tt.want, IsVerification(tt.desc))
		})
	}

	plan := Normalize([]string{"Navigate to the login page", "Check the 'Remember me' checkbox", "Click login", "Verify home"}, loginIntent, nil)
	assert.Equal(t, schemas.KindInteraction, plan.Actions[1].Kind)
}

// Whatever garbage the model returns, planning yields the fixed fallback.
func TestPlanNeverFailsOnGarbage(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		garbage := rapid.StringMatching(`[a-zA-Z0-9 .,:;!?'"\n-]{0,80}`).Draw(rt, "response")
		llm := mocks.NewMockLLMClient()
		llm.On("Generate", mock.Anything, mock.Anything).Return(garbage, nil)
		p := New(llm, zap.NewNop())

		plan := p.Plan(context.Background(), loginIntent, nil)
		if !plan.Fallback || len(plan.Actions) != 3 {
			rt.Fatalf("response %q produced %+v", garbage, plan)
		}
	})
}

func TestAnalyze(t *testing.T) {
	html := `<html><body><h1>Login</h1>
		<form><input name="username" required><input type="password" name="password">
		<input name="captcha_code"><img src="/captcha.png"><input type="hidden" name="csrf">
		<button type="submit">Sign in</button></form>
		<input placeholder="Search"></body></html>`

	t.Run("markup heuristics without screenshot", func(t *testing.T) {
		p, llm, _ := setupPlanner(t)
		a := p.Analyze(context.Background(), &schemas.PageSnapshot{HTML: html}, "log in")
		llm.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)

		assert.Equal(t, "login", a.PageType)
		assert.True(t, a.HasCaptcha)
		require.Len(t, a.Forms, 2)
		assert.Equal(t, []schemas.FormField{
			{Name: "username", Type: "text", Required: true},
			{Name: "password", Type: "password"},
			{Name: "captcha_code", Type: "text"},
		}, a.Forms[0].Fields)
		assert.Equal(t, "Search", a.Forms[1].Fields[0].Name)
		assert.Equal(t, []schemas.ButtonInfo{{Text: "Sign in", Type: "submit"}}, a.Buttons)
	})

	t.Run("vision analysis with markup captcha", func(t *testing.T) {
		p, llm, _ := setupPlanner(t)
		llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
			return req.Tier == schemas.TierVision && len(req.Images) == 1 && req.Images[0].MIMEType == "image/png"
		})).Return(`{"page_type": "login page", "forms": [], "buttons": [{"text": "Sign in", "type": "submit"}], "test_suggestions": ["valid login"]}`, nil)

		a := p.Analyze(context.Background(), &schemas.PageSnapshot{HTML: html, Screenshot: []byte("png")}, "log in")
		assert.Equal(t, "login page", a.PageType)
		assert.True(t, a.HasCaptcha, "captcha markup is always consulted")
		assert.Equal(t, []string{"valid login"}, a.TestSuggestions)
	})

	t.Run("vision failure falls back to markup", func(t *testing.T) {
		p, llm, logs := setupPlanner(t)
		llm.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("quota"))
		a := p.Analyze(context.Background(), &schemas.PageSnapshot{HTML: html, Screenshot: []byte("png")}, "log in")
		assert.Equal(t, "login", a.PageType)
		assert.Equal(t, 1, logs.FilterMessageSnippet("markup heuristics").Len())
	})
}

func TestTestName(t *testing.T) {
	p, llm, _ := setupPlanner(t)
	llm.On("Generate", mock.Anything, mock.Anything).Return("```\nTest-Login With Admin()\n```", nil).Once()
	plan := FallbackPlan(loginIntent)
	assert.Equal(t, "test_login_with_admin", p.TestName(context.Background(), loginIntent.Query, plan))

	llm.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("down")).Once()
	assert.Equal(t, "test_checkout_flow", p.TestName(context.Background(), "checkout flow", plan))
}

func TestSanitizeTestName(t *testing.T) {
	tests := map[string]string{
		"test_login":              "test_login",
		"def verify_login():":     "test_verify_login",
		"  `Login Flow`  ":        "test_login_flow",
		"123 start":               "test_123_start",
		"验证登录":                    "",
		"test":                    "",
		strings.Repeat("a", 100): "test_" + strings.Repeat("a", maxTestNameLen-5),
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeTestName(in), in)
	}
}

func TestFallbackTestName(t *testing.T) {
	a := FallbackTestName("验证用户登录")
	assert.Regexp(t, `^test_case_[0-9a-f]{8}$`, a)
	assert.Equal(t, a, FallbackTestName("验证用户登录"), "stable across calls")
	assert.NotEqual(t, a, FallbackTestName("验证用户注册"))
}

func TestExpandCases(t *testing.T) {
	t.Run("array answer", func(t *testing.T) {
		p, llm, _ := setupPlanner(t)
		llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
			return strings.Contains(req.UserPrompt, "boundary case (P2)")
		})).Return(`[{"name": "valid login", "user_query": "log in as admin", "priority": "P0", "case_type": "positive", "test_data": {"username": "admin"}},
			{"name": "empty password", "priority": "P1", "case_type": "negative"}]`, nil)

		cases := p.ExpandCases(context.Background(), "log in", "https://a.test", StrategyBasic, nil)
		require.Len(t, cases, 2)
		assert.Equal(t, "admin", cases[0].TestData["username"])
		assert.Equal(t, "log in", cases[1].Query, "missing query inherits the scenario")

		in := cases[0].Intent("https://a.test", schemas.ModeSelector)
		assert.Equal(t, schemas.Intent{Name: "valid login", Query: "log in as admin", TargetURL: "https://a.test", Mode: schemas.ModeSelector}, in)
	})

	t.Run("happy path takes a single object", func(t *testing.T) {
		p, llm, _ := setupPlanner(t)
		llm.On("Generate", mock.Anything, mock.Anything).Return(`{"name": "main flow", "user_query": "buy a book"}`, nil)
		cases := p.ExpandCases(context.Background(), "buy", "https://a.test", StrategyHappyPath, nil)
		require.Len(t, cases, 1)
		assert.Equal(t, "buy a book", cases[0].Query)
	})

	t.Run("fallbacks per strategy", func(t *testing.T) {
		p, llm, _ := setupPlanner(t)
		llm.On("Generate", mock.Anything, mock.Anything).Return("nope", nil)
		assert.Len(t, p.ExpandCases(context.Background(), "q", "u", StrategyHappyPath, nil), 1)
		assert.Len(t, p.ExpandCases(context.Background(), "q", "u", StrategyBasic, nil), 2)
		assert.Len(t, p.ExpandCases(context.Background(), "q", "u", StrategyComprehensive, nil), 4)
	})
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy(" Comprehensive ")
	require.NoError(t, err)
	assert.Equal(t, StrategyComprehensive, s)
	s, err = ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyBasic, s)
	_, err = ParseStrategy("everything")
	assert.Error(t, err)
}

func TestNewNamesLogger(t *testing.T) {
	p := New(mocks.NewMockLLMClient(), zaptest.NewLogger(t))
	assert.NotNil(t, p.logger)
}
