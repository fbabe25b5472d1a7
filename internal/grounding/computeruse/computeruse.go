// Package computeruse grounds actions by looking at screenshots: the vision
// model returns viewport coordinates, the action is performed on a live
// page so the next screenshot reflects it, and the result is lowered to
// coordinate-based script code.
package computeruse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/grounding"
	"github.com/xkilldash9x/e2eforge/internal/llmutil"
	"github.com/xkilldash9x/e2eforge/internal/planner"
	"github.com/xkilldash9x/e2eforge/internal/script"
	"github.com/xkilldash9x/e2eforge/internal/storage"
)

// Task is everything the grounding loop needs. It crosses process
// boundaries as JSON, so it carries no live objects.
type Task struct {
	TargetURL       string              `json:"target_url"`
	Actions         []schemas.Action    `json:"actions"`
	Headless        bool                `json:"headless"`
	Viewport        schemas.Viewport    `json:"viewport"`
	CaptchaHandling bool                `json:"captcha_handling"`
	LoadStorage     bool                `json:"load_storage"`
	StoragePaths    script.StoragePaths `json:"storage_paths"`
	StepDelay       time.Duration       `json:"step_delay"`
}

// TaskResult is the grounded draft, one block per retained action.
type TaskResult struct {
	Blocks      []schemas.CodeBlock `json:"blocks"`
	Diagnostics []string            `json:"diagnostics,omitempty"`
}

// CaptchaSolver fills in a captcha on a live page; *captcha.Handler
// satisfies it.
type CaptchaSolver interface {
	Solve(ctx context.Context, page schemas.Page) bool
}

const captchaSettle = time.Second

// Grounder runs the coordinate grounding loop. A Grounder may run several
// tasks, but each task owns its browser and runs strictly sequentially.
type Grounder struct {
	launcher schemas.BrowserLauncher
	llm      schemas.LLMClient
	captcha  CaptchaSolver
	logger   *zap.Logger
}

// New creates a Grounder. solver may be nil when captcha handling is never
// requested.
func New(launcher schemas.BrowserLauncher, llm schemas.LLMClient, solver CaptchaSolver, logger *zap.Logger) *Grounder {
	return &Grounder{launcher: launcher, llm: llm, captcha: solver, logger: logger.Named("computer_use")}
}

// Run grounds task.Actions. Block 0 is always the navigation. Failing to
// open the target page is an error; every per-action failure becomes a
// placeholder block and a diagnostic instead.
func (g *Grounder) Run(ctx context.Context, task Task) (*TaskResult, error) {
	if len(task.Actions) == 0 {
		return nil, errors.New("task has no actions")
	}
	delay := task.StepDelay
	if delay <= 0 {
		delay = script.DefaultStepDelay
	}

	page, err := g.launcher.Launch(ctx, schemas.LaunchOptions{Headless: task.Headless, Viewport: task.Viewport})
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			g.logger.Debug("Closing browser failed", zap.Error(err))
		}
	}()

	if err := page.Navigate(ctx, task.TargetURL); err != nil {
		return nil, fmt.Errorf("opening %s: %w", task.TargetURL, err)
	}
	if task.LoadStorage {
		if err := storage.Apply(ctx, page, task.StoragePaths, g.logger); err != nil {
			g.logger.Warn("Session restore failed; continuing without it.", zap.Error(err))
		}
	}
	if err := page.Sleep(ctx, delay); err != nil {
		return nil, err
	}

	res := &TaskResult{Blocks: []schemas.CodeBlock{script.NavigationBlock(task.Actions[0])}}
	last := len(task.Actions) - 1
	for i, action := range task.Actions[1:] {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		isLast := i+1 == last
		logger := g.logger.With(zap.Int("action", action.Index))

		if task.CaptchaHandling && planner.IsCaptchaStep(action.Description) {
			logger.Info("Captcha step delegated to solve_captcha.")
			if g.captcha != nil && g.captcha.Solve(ctx, page) {
				_ = page.Sleep(ctx, captchaSettle)
			}
			res.Blocks = append(res.Blocks, script.CaptchaBlock(action))
			continue
		}

		if action.Kind == schemas.KindVerification {
			verdict := g.verify(ctx, page, action)
			res.Blocks = append(res.Blocks, schemas.CodeBlock{
				ActionIndex: action.Index,
				Description: action.Description,
				StepType:    schemas.StepTypeVerify,
				Status:      schemas.BlockGenerated,
				Lines:       script.VerificationLines(action, verdict),
			})
			continue
		}

		if task.CaptchaHandling && g.captcha != nil {
			if g.captcha.Solve(ctx, page) {
				_ = page.Sleep(ctx, captchaSettle)
			}
		}

		ca, err := g.locate(ctx, page, action)
		if err != nil || !ca.Found {
			reason := ca.Reasoning
			if err != nil {
				reason = err.Error()
			}
			logger.Warn("Element not found; emitting placeholder.", zap.String("reason", reason))
			diag := fmt.Sprintf("%v: %s", grounding.ErrElementNotFound, reason)
			res.Blocks = append(res.Blocks, script.PlaceholderBlock(action, diag))
			res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("action %d: %s", action.Index, diag))
			continue
		}

		text := ca.TextToFill
		if ca.Action == schemas.CoordFill && text == "" {
			text = schemas.FillTextFromDescription(action.Description)
		}
		if err := execute(ctx, page, ca, text, delay); err != nil {
			logger.Warn("Live execution failed; later screenshots may be stale.", zap.Error(err))
			res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("action %d: live execution: %v", action.Index, err))
		}
		res.Blocks = append(res.Blocks, schemas.CodeBlock{
			ActionIndex: action.Index,
			Description: action.Description,
			StepType:    schemas.StepTypeAction,
			Status:      schemas.BlockGenerated,
			Lines:       script.CoordinateLines(ca, text, isLast, delay),
		})
		logger.Debug("Action grounded",
			zap.String("type", string(ca.Action)),
			zap.Float64("x", ca.Coordinates.X),
			zap.Float64("y", ca.Coordinates.Y),
			zap.Float64("confidence", ca.Confidence),
		)
	}
	return res, nil
}

// locate asks the vision model where the action's element is. Any failure
// is returned as an error and treated as not found by the caller.
func (g *Grounder) locate(ctx context.Context, page schemas.Page, action schemas.Action) (schemas.CoordinateAction, error) {
	shot, err := page.Screenshot(ctx, true)
	if err != nil {
		return schemas.CoordinateAction{}, fmt.Errorf("screenshot: %w", err)
	}
	vp, err := page.Viewport(ctx)
	if err != nil {
		return schemas.CoordinateAction{}, fmt.Errorf("viewport: %w", err)
	}
	raw, err := g.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: locateSystemPrompt,
		UserPrompt:   fmt.Sprintf(locatePromptTemplate, action.Description, vp.Width, vp.Height),
		Images:       []schemas.ImagePart{{MIMEType: "image/png", Data: shot}},
		Tier:         schemas.TierVision,
		Options:      schemas.GenerationOptions{Temperature: 0, ForceJSONFormat: true, MaxTokens: 500},
	})
	if err != nil {
		return schemas.CoordinateAction{}, fmt.Errorf("%w: %v", grounding.ErrGrounding, err)
	}
	return ParseCoordinateAction(raw)
}

// ParseCoordinateAction decodes and validates the vision model's answer.
// A found element with no action defaults to a click.
func ParseCoordinateAction(raw string) (schemas.CoordinateAction, error) {
	ca, err := llmutil.ParseJSONResponse[schemas.CoordinateAction](raw)
	if err != nil {
		return schemas.CoordinateAction{}, fmt.Errorf("%w: %v", grounding.ErrGrounding, err)
	}
	if ca.Found && ca.Action == "" {
		ca.Action = schemas.CoordClick
	}
	ca.Action = schemas.CoordinateActionType(strings.ToLower(string(ca.Action)))
	result, err := schemas.NewCoordinateResult(*ca)
	if err != nil {
		return schemas.CoordinateAction{}, err
	}
	return *result.Coordinate, nil
}

// verify asks the vision model for a verdict on the current page. A failed
// call yields a failing verdict; the script re-checks at run time anyway.
func (g *Grounder) verify(ctx context.Context, page schemas.Page, action schemas.Action) schemas.VerificationVerdict {
	shot, err := page.Screenshot(ctx, false)
	if err != nil {
		return schemas.VerificationVerdict{Rationale: "screenshot failed: " + err.Error()}
	}
	raw, err := g.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: verifySystemPrompt,
		UserPrompt:   fmt.Sprintf(verifyPromptTemplate, action.Description),
		Images:       []schemas.ImagePart{{MIMEType: "image/png", Data: shot}},
		Tier:         schemas.TierVision,
		Options:      schemas.GenerationOptions{Temperature: 0, ForceJSONFormat: true, MaxTokens: 200},
	})
	if err != nil {
		g.logger.Warn("Verification call failed.", zap.Int("action", action.Index), zap.Error(err))
		return schemas.VerificationVerdict{Rationale: "vision unavailable during synthesis"}
	}
	return ParseVerdict(raw)
}

// ParseVerdict reads a verdict, accepting a bare yes/no when the model
// ignores the JSON instruction.
func ParseVerdict(raw string) schemas.VerificationVerdict {
	if strings.Contains(raw, "{") {
		if v, err := llmutil.ParseJSONResponse[schemas.VerificationVerdict](raw); err == nil {
			return *v
		}
	}
	text := strings.TrimSpace(raw)
	lower := strings.ToLower(text)
	return schemas.VerificationVerdict{
		Passed:    strings.HasPrefix(lower, "yes") || strings.HasPrefix(text, "是"),
		Rationale: llmutil.Truncate(text, 200),
	}
}

// execute performs ca on the live page so later screenshots see its effect.
func execute(ctx context.Context, page schemas.Page, ca schemas.CoordinateAction, text string, delay time.Duration) error {
	x, y := ca.Coordinates.X, ca.Coordinates.Y
	switch ca.Action {
	case schemas.CoordClick:
		if err := page.MouseClick(ctx, x, y); err != nil {
			return err
		}
	case schemas.CoordFill:
		if err := page.MouseClick(ctx, x, y); err != nil {
			return err
		}
		if err := page.ClearFocused(ctx); err != nil {
			return err
		}
		if text != "" {
			if err := page.TypeText(ctx, text); err != nil {
				return err
			}
		}
	case schemas.CoordScroll:
		if err := page.Wheel(ctx, x, y, script.ScrollDelta); err != nil {
			return err
		}
	case schemas.CoordWait:
		return page.Sleep(ctx, 2*time.Second)
	}
	return page.Sleep(ctx, delay)
}
