// Package selector grounds each planned action as a Playwright code
// fragment written by the text model against the page's DOM.
package selector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/collector"
	"github.com/xkilldash9x/e2eforge/internal/config"
	"github.com/xkilldash9x/e2eforge/internal/grounding"
	"github.com/xkilldash9x/e2eforge/internal/llmutil"
	"github.com/xkilldash9x/e2eforge/internal/planner"
	"github.com/xkilldash9x/e2eforge/internal/script"
	"github.com/xkilldash9x/e2eforge/internal/validate"
)

// ScriptRunner executes a probe script; *sandbox.Sandbox satisfies it.
type ScriptRunner interface {
	Run(ctx context.Context, script string) (exitCode int, stdout, stderr string, err error)
}

const defaultMaxDOM = 60000

// Strategy is the selector grounding strategy.
type Strategy struct {
	llm      schemas.LLMClient
	runner   ScriptRunner
	domMode  config.DOMMode
	onReject config.RejectMode
	maxDOM   int
	logger   *zap.Logger
}

// New creates a Strategy. runner is only used in rederive mode and may be
// nil in blind mode.
func New(llm schemas.LLMClient, runner ScriptRunner, cfg config.SynthesisConfig, logger *zap.Logger) *Strategy {
	s := &Strategy{
		llm:      llm,
		runner:   runner,
		domMode:  cfg.DOMMode,
		onReject: cfg.OnReject,
		maxDOM:   cfg.MaxDOM,
		logger:   logger.Named("selector"),
	}
	if s.domMode == "" {
		s.domMode = config.DOMRederive
	}
	if s.maxDOM <= 0 {
		s.maxDOM = defaultMaxDOM
	}
	return s
}

// Result is the outcome of grounding a plan.
type Result struct {
	Draft       *schemas.ScriptDraft
	Diagnostics []string
}

// Ground turns every action after the navigation into a code block, in plan
// order. onReject is used when the strategy was built without a policy, and
// skip applies when neither sets one. In skip mode it always returns a
// complete draft and a nil error. In abort mode the first rejected fragment
// stops grounding and the partial draft is returned alongside an
// ErrRejected error.
//
// With sk.Captcha set, captcha steps become calls to the script's
// solve_captcha helper instead of model-written fragments.
func (s *Strategy) Ground(ctx context.Context, plan *schemas.ActionPlan, snap *schemas.PageSnapshot, sk script.Skeleton, onReject config.RejectMode) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("grounding plan: %w", err)
	}
	if s.onReject != "" {
		onReject = s.onReject
	}
	if onReject == "" {
		onReject = config.RejectSkip
	}
	res := &Result{Draft: &schemas.ScriptDraft{}}
	if err := res.Draft.Append(script.NavigationBlock(plan.Actions[0])); err != nil {
		return nil, err
	}

	dom := ""
	if snap != nil {
		dom = snap.HTML
	}
	dom = llmutil.Truncate(dom, s.maxDOM)

	for _, action := range plan.Actions[1:] {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		isLast := grounding.IsLast(plan, action.Index)
		logger := s.logger.With(zap.Int("action", action.Index))

		if sk.Captcha && planner.IsCaptchaStep(action.Description) {
			logger.Debug("Captcha step delegated to solve_captcha.")
			if err := res.Draft.Append(script.CaptchaBlock(action)); err != nil {
				return res, err
			}
			continue
		}

		lines, err := s.groundAction(ctx, action, dom, res.Draft.Code(), isLast)
		if err != nil {
			diag := fmt.Sprintf("action %d: %v", action.Index, err)
			res.Diagnostics = append(res.Diagnostics, diag)
			if onReject == config.RejectAbort {
				logger.Warn("Fragment rejected; aborting synthesis.", zap.Error(err))
				return res, fmt.Errorf("%w: %s", grounding.ErrRejected, diag)
			}
			logger.Warn("Fragment rejected; step will be skipped.", zap.Error(err))
			if err := res.Draft.Append(script.RejectedBlock(action, err.Error())); err != nil {
				return res, err
			}
			continue
		}

		block := schemas.CodeBlock{
			ActionIndex: action.Index,
			Description: action.Description,
			StepType:    script.StepTypeOf(action),
			Status:      schemas.BlockGenerated,
			Lines:       lines,
		}
		if err := res.Draft.Append(block); err != nil {
			return res, err
		}
		logger.Debug("Fragment accepted", zap.Int("lines", len(lines)))

		if s.domMode == config.DOMRederive && !isLast {
			dom = s.rederive(ctx, res.Draft, sk, dom)
		}
	}
	return res, nil
}

// groundAction asks for and validates one fragment.
func (s *Strategy) groundAction(ctx context.Context, action schemas.Action, dom, previous string, isLast bool) ([]string, error) {
	rule := ""
	if isLast {
		rule = lastActionRule
	}
	if strings.TrimSpace(previous) == "" {
		previous = "(none)"
	}
	raw, err := s.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   fmt.Sprintf(promptTemplate, rule, previous, action.Description, dom),
		Tier:         schemas.TierText,
		Options:      schemas.GenerationOptions{Temperature: 0},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", grounding.ErrGrounding, err)
	}

	code := validate.Dedent(llmutil.CleanCodeOutput(raw))
	if err := validate.Fragment(ctx, code); err != nil {
		return nil, err
	}
	if _, err := schemas.NewSelectorResult(code); err != nil {
		return nil, err
	}
	return strings.Split(strings.TrimRight(code, "\n"), "\n"), nil
}

// errNoDOMState means the probe ran but printed no dom_state line.
var errNoDOMState = errors.New("probe printed no dom_state")

// rederive replays the partial draft in the sandbox and returns the
// sanitized DOM it ends on. Any failure keeps the previous DOM.
func (s *Strategy) rederive(ctx context.Context, draft *schemas.ScriptDraft, sk script.Skeleton, previous string) string {
	if s.runner == nil {
		return previous
	}
	probe, err := script.LowerDOMProbe(draft.Clone(), sk)
	if err != nil {
		s.logger.Warn("Could not render DOM probe; keeping previous DOM.", zap.Error(err))
		return previous
	}
	code, stdout, stderr, err := s.runner.Run(ctx, probe)
	if err == nil && code != 0 {
		err = fmt.Errorf("probe exited with code %d: %s", code, llmutil.Truncate(strings.TrimSpace(stderr), 200))
	}
	var dom string
	if err == nil {
		dom, err = ParseDOMState(stdout)
	}
	if err != nil {
		s.logger.Warn("DOM re-derivation failed; keeping previous DOM.", zap.Error(err))
		return previous
	}
	return llmutil.Truncate(collector.Sanitize(dom), s.maxDOM)
}

// ParseDOMState returns the last {"dom_state": ...} object printed by a
// probe script.
func ParseDOMState(stdout string) (string, error) {
	var (
		state string
		found bool
	)
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") || !strings.Contains(line, `"dom_state"`) {
			continue
		}
		var out struct {
			DOMState *string `json:"dom_state"`
		}
		if err := json.UnmarshalFromString(line, &out); err != nil || out.DOMState == nil {
			continue
		}
		state, found = *out.DOMState, true
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("reading probe output: %w", err)
	}
	if !found {
		return "", errNoDOMState
	}
	return state, nil
}
