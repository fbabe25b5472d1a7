// Package planner decomposes a test intent into an ordered plan of atomic
// actions, and derives the page analysis, test name and case variants that
// steer that decomposition.
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

// FallbackVerification is the closing step of the fallback plan.
const FallbackVerification = "Verify the test completed successfully"

const (
	captchaCaptureStep = "Capture the captcha image and recognize it"
	captchaFillStep    = "Fill the recognized captcha into the captcha input"
)

var (
	navigationKeywords = []string{"navigate", "go to", "open ", "visit", "load ", "导航", "打开", "访问", "进入"}
	// An intermediate action asserts rather than interacts when it opens
	// with a verification verb or states an expected condition.
	verificationVerbs   = []string{"verify", "assert", "check", "validate", "confirm", "expect", "ensure", "验证", "断言", "检查", "确认"}
	verificationPhrases = []string{" should ", " is visible", " are visible", " is displayed", " is shown", " appears", " exists"}
	// toggleNouns turn a leading "check" into a click on a control.
	toggleNouns = []string{"checkbox", "check box", "radio", "toggle", "switch", "复选框", "勾选"}
	captchaKeywords = []string{"captcha", "验证码"}
	submitKeywords  = []string{"submit", "log in", "login", "sign in", "signin", "register", "sign up", "登录", "登 录", "提交", "注册"}
)

// Planner turns intents into action plans through the text model.
type Planner struct {
	llm    schemas.LLMClient
	logger *zap.Logger
}

// New creates a Planner.
func New(llm schemas.LLMClient, logger *zap.Logger) *Planner {
	return &Planner{llm: llm, logger: logger.Named("planner")}
}

type planResponse struct {
	Actions []string `json:"actions"`
}

// Plan asks the model for an action plan. It never fails: any grounding or
// parse error degrades to the three step fallback plan.
func (p *Planner) Plan(ctx context.Context, intent schemas.Intent, analysis *schemas.PageAnalysis) *schemas.ActionPlan {
	req := schemas.GenerationRequest{
		SystemPrompt: planSystemPrompt,
		UserPrompt:   fmt.Sprintf(planPromptTemplate, intent.TargetURL, intent.Query, analysisSection(analysis)),
		Tier:         schemas.TierText,
		Options:      schemas.GenerationOptions{Temperature: 0, ForceJSONFormat: true},
	}

	raw, err := p.llm.Generate(ctx, req)
	if err != nil {
		p.logger.Warn("Planning call failed; using fallback plan.", zap.Error(err))
		return FallbackPlan(intent)
	}
	parsed, err := llmutil.ParseJSONResponse[planResponse](raw)
	if err != nil {
		p.logger.Warn("Plan response was not valid JSON; using fallback plan.",
			zap.Error(err), zap.String("response", llmutil.Truncate(raw, 300)))
		return FallbackPlan(intent)
	}

	plan := Normalize(parsed.Actions, intent, analysis)
	if err := plan.Validate(); err != nil {
		p.logger.Warn("Normalized plan is invalid; using fallback plan.", zap.Error(err))
		return FallbackPlan(intent)
	}
	p.logger.Info("Action plan ready",
		zap.Int("actions", len(plan.Actions)),
		zap.Bool("fallback", plan.Fallback),
	)
	return plan
}

func analysisSection(a *schemas.PageAnalysis) string {
	if a == nil {
		return ""
	}
	b, err := json.Marshal(a)
	if err != nil {
		return ""
	}
	return "Page analysis: " + string(b) + "\n"
}

// FallbackPlan is {navigate, the raw query, verify}.
func FallbackPlan(intent schemas.Intent) *schemas.ActionPlan {
	return &schemas.ActionPlan{
		Fallback: true,
		Actions: []schemas.Action{
			{Index: 0, Description: "Navigate to " + intent.TargetURL, Kind: schemas.KindNavigation},
			{Index: 1, Description: intent.Query, Kind: schemas.KindInteraction},
			{Index: 2, Description: FallbackVerification, Kind: schemas.KindVerification},
		},
	}
}

// Normalize turns raw action strings into a well-formed plan: blanks are
// dropped, a navigation step is prepended when missing, captcha steps are
// inserted when the page needs them and the last action becomes the
// verification. An empty list yields the fallback plan.
func Normalize(raw []string, intent schemas.Intent, analysis *schemas.PageAnalysis) *schemas.ActionPlan {
	descs := make([]string, 0, len(raw)+3)
	for _, r := range raw {
		if s := strings.TrimSpace(r); s != "" {
			descs = append(descs, s)
		}
	}
	if len(descs) == 0 {
		return FallbackPlan(intent)
	}
	if !IsNavigation(descs[0]) {
		descs = append([]string{"Navigate to " + intent.TargetURL}, descs...)
	}
	if analysis != nil && analysis.HasCaptcha {
		descs = insertCaptchaSteps(descs)
	}
	if len(descs) == 1 {
		descs = append(descs, FallbackVerification)
	}

	plan := &schemas.ActionPlan{Actions: make([]schemas.Action, len(descs))}
	last := len(descs) - 1
	for i, d := range descs {
		kind := schemas.KindInteraction
		switch {
		case i == 0:
			kind = schemas.KindNavigation
		case i == last || IsVerification(d):
			kind = schemas.KindVerification
		}
		plan.Actions[i] = schemas.Action{Index: i, Description: d, Kind: kind}
	}
	return plan
}

// insertCaptchaSteps adds the capture/fill pair before the submission step
// unless the plan already mentions the captcha.
func insertCaptchaSteps(descs []string) []string {
	for _, d := range descs {
		if IsCaptchaStep(d) {
			return descs
		}
	}
	at := len(descs) - 1
	for i := 1; i < len(descs)-1; i++ {
		if containsAny(descs[i], submitKeywords) && !IsVerification(descs[i]) {
			at = i
			break
		}
	}
	if at < 1 {
		at = 1
	}
	out := make([]string, 0, len(descs)+2)
	out = append(out, descs[:at]...)
	out = append(out, captchaCaptureStep, captchaFillStep)
	return append(out, descs[at:]...)
}

// IsNavigation reports whether a description opens a page.
func IsNavigation(desc string) bool { return containsAny(desc, navigationKeywords) }

// IsVerification reports whether a description asserts an outcome. Keywords
// only count as the leading verb, so "Check the 'Remember me' checkbox" stays
// an interaction while "Check that the dashboard is shown" does not.
func IsVerification(desc string) bool {
	lower := strings.ToLower(strings.TrimSpace(desc))
	for _, v := range verificationVerbs {
		if !strings.HasPrefix(lower, v) {
			continue
		}
		rest := lower[len(v):]
		if rest != "" && isWordByte(v[len(v)-1]) && isWordByte(rest[0]) {
			continue
		}
		if v == "check" && containsAny(rest, toggleNouns) && !startsWithAny(strings.TrimSpace(rest), "that", "if", "whether") {
			return false
		}
		return true
	}
	return containsAny(" "+lower+" ", verificationPhrases)
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}

func startsWithAny(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p+" ") {
			return true
		}
	}
	return false
}

// IsCaptchaStep reports whether a description deals with a captcha.
func IsCaptchaStep(desc string) bool { return containsAny(desc, captchaKeywords) }

func containsAny(s string, keywords []string) bool {
	lower := strings.ToLower(s)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
