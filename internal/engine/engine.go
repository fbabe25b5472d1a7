// Package engine drives a test intent through collection, planning,
// grounding, assembly and execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/config"
	"github.com/xkilldash9x/e2eforge/internal/grounding/computeruse"
	"github.com/xkilldash9x/e2eforge/internal/grounding/selector"
	"github.com/xkilldash9x/e2eforge/internal/isolation"
	"github.com/xkilldash9x/e2eforge/internal/planner"
	"github.com/xkilldash9x/e2eforge/internal/sandbox"
	"github.com/xkilldash9x/e2eforge/internal/script"
)

// -- Interfaces for Dependency Inversion --

// Collector loads a page and snapshots it.
type Collector interface {
	Collect(ctx context.Context, target string) (*schemas.PageSnapshot, error)
}

// Planner analyzes pages, plans actions and names tests. *planner.Planner
// satisfies it.
type Planner interface {
	Analyze(ctx context.Context, snap *schemas.PageSnapshot, query string) *schemas.PageAnalysis
	Plan(ctx context.Context, intent schemas.Intent, analysis *schemas.PageAnalysis) *schemas.ActionPlan
	TestName(ctx context.Context, query string, plan *schemas.ActionPlan) string
}

// SelectorStrategy grounds a plan against the DOM.
type SelectorStrategy interface {
	Ground(ctx context.Context, plan *schemas.ActionPlan, snap *schemas.PageSnapshot, sk script.Skeleton, onReject config.RejectMode) (*selector.Result, error)
}

// Executor runs a finished script.
type Executor interface {
	Execute(ctx context.Context, script string, meta sandbox.Meta) *schemas.ExecutionResult
}

// Sessions scopes session artifacts to a run. *storage.Store satisfies it.
type Sessions interface {
	SharedPaths() script.StoragePaths
	Stage(runID string) (script.StoragePaths, error)
	Commit(runID string) error
	Release(runID string) error
}

// ReportSink persists execution results. *store.Store satisfies it.
type ReportSink interface {
	SaveExecution(ctx context.Context, caseName string, res *schemas.ExecutionResult) (string, error)
}

// Deps are the collaborators of an Engine. Selector and Coordinate are only
// required for the modes that use them, and Sink is optional.
type Deps struct {
	Collector  Collector
	Planner    Planner
	Selector   SelectorStrategy
	Coordinate isolation.Runner
	Executor   Executor
	Sessions   Sessions
	Sink       ReportSink
}

// CaseResult is everything one run produced.
type CaseResult struct {
	Name      string                   `json:"name"`
	Synthesis *schemas.SynthesisResult `json:"synthesis"`
	Execution *schemas.ExecutionResult `json:"execution"`
	ReportID  string                   `json:"report_id,omitempty"`
}

const persistTimeout = 30 * time.Second

// ErrStrategyUnavailable is returned when the requested mode has no strategy.
var ErrStrategyUnavailable = errors.New("grounding strategy not configured")

// Engine turns intents into scripts and runs them.
type Engine struct {
	cfg    config.Interface
	deps   Deps
	logger *zap.Logger
}

// New creates an Engine.
func New(cfg config.Interface, deps Deps, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if deps.Collector == nil {
		return nil, errors.New("collector cannot be nil")
	}
	if deps.Planner == nil {
		return nil, errors.New("planner cannot be nil")
	}
	if deps.Executor == nil {
		return nil, errors.New("executor cannot be nil")
	}
	if deps.Sessions == nil {
		return nil, errors.New("session store cannot be nil")
	}
	return &Engine{cfg: cfg, deps: deps, logger: logger.Named("engine")}, nil
}

// Synthesize produces a script for intent against the shared session
// artifacts. It never returns nil; failures are reported in Err alongside
// whatever script could be assembled.
func (e *Engine) Synthesize(ctx context.Context, intent schemas.Intent) *schemas.SynthesisResult {
	return e.synthesize(ctx, intent, e.deps.Sessions.SharedPaths(), false)
}

// rejectMode is the configured synthesis.on_reject or, when unset, abort
// for a single case and skip inside a batch.
func (e *Engine) rejectMode(batch bool) config.RejectMode {
	if m := e.cfg.Synthesis().OnReject; m != "" {
		return m
	}
	if batch {
		return config.RejectSkip
	}
	return config.RejectAbort
}

func (e *Engine) captchaHandling(intent schemas.Intent) bool {
	return intent.CaptchaHandling || e.cfg.Captcha().Enabled
}

func (e *Engine) mode(intent schemas.Intent) schemas.SynthesisMode {
	if intent.Mode != "" {
		return intent.Mode
	}
	if m := schemas.SynthesisMode(e.cfg.Synthesis().Mode); m != "" {
		return m
	}
	return schemas.ModeSelector
}

func (e *Engine) skeleton(intent schemas.Intent, paths script.StoragePaths) script.Skeleton {
	b := e.cfg.Browser()
	sk := script.Skeleton{
		TestName:  planner.FallbackTestName(intent.Query),
		TargetURL: intent.TargetURL,
		Headless:  b.Headless,
		Viewport:  schemas.Viewport{Width: b.Viewport.Width, Height: b.Viewport.Height},
		Captcha:   e.captchaHandling(intent),
	}
	if intent.LoadStorage {
		restore := paths
		sk.Restore = &restore
	}
	if intent.PersistStorage {
		persist := paths
		sk.Persist = &persist
	}
	return sk
}

func (e *Engine) synthesize(ctx context.Context, intent schemas.Intent, paths script.StoragePaths, batch bool) *schemas.SynthesisResult {
	res := &schemas.SynthesisResult{Intent: intent}
	if err := intent.Validate(); err != nil {
		res.Err = fmt.Errorf("invalid intent: %w", err)
		return res
	}
	mode := e.mode(intent)
	res.Intent.Mode = mode
	logger := e.logger.With(zap.String("url", intent.TargetURL), zap.String("mode", string(mode)))

	snap, err := e.deps.Collector.Collect(ctx, intent.TargetURL)
	if err != nil {
		logger.Error("Page collection failed", zap.Error(err))
		res.Err = err
		return res
	}
	res.Analysis = e.deps.Planner.Analyze(ctx, snap, intent.Query)
	res.Plan = e.deps.Planner.Plan(ctx, intent, res.Analysis)
	logger.Info("Plan ready", zap.Int("actions", len(res.Plan.Actions)), zap.Bool("fallback", res.Plan.Fallback))

	sk := e.skeleton(intent, paths)
	var groundErr error
	switch mode {
	case schemas.ModeComputerUse:
		res.Draft, res.Diagnostics, groundErr = e.groundCoordinates(ctx, intent, res.Plan, paths)
	default:
		res.Draft, res.Diagnostics, groundErr = e.groundSelectors(ctx, res.Plan, snap, sk, e.rejectMode(batch))
	}
	if groundErr != nil {
		logger.Warn("Grounding stopped early; keeping the partial draft.", zap.Error(groundErr))
	}

	sk.TestName = e.deps.Planner.TestName(ctx, intent.Query, res.Plan)
	res.TestName = sk.TestName

	code, lowerErr := script.Lower(res.Draft, sk)
	res.Script = code
	res.Err = errors.Join(groundErr, lowerErr)
	logger.Info("Script synthesized",
		zap.String("test_name", res.TestName),
		zap.Int("blocks", len(res.Draft.Blocks)),
		zap.Int("diagnostics", len(res.Diagnostics)),
		zap.Bool("complete", res.Err == nil),
	)
	return res
}

func (e *Engine) groundSelectors(ctx context.Context, plan *schemas.ActionPlan, snap *schemas.PageSnapshot, sk script.Skeleton, onReject config.RejectMode) (*schemas.ScriptDraft, []string, error) {
	if e.deps.Selector == nil {
		return navigationOnly(plan), nil, fmt.Errorf("%w: selector", ErrStrategyUnavailable)
	}
	out, err := e.deps.Selector.Ground(ctx, plan, snap, sk, onReject)
	if out == nil || out.Draft == nil {
		return navigationOnly(plan), nil, err
	}
	return out.Draft, out.Diagnostics, err
}

func (e *Engine) groundCoordinates(ctx context.Context, intent schemas.Intent, plan *schemas.ActionPlan, paths script.StoragePaths) (*schemas.ScriptDraft, []string, error) {
	if e.deps.Coordinate == nil {
		return navigationOnly(plan), nil, fmt.Errorf("%w: computer_use", ErrStrategyUnavailable)
	}
	b := e.cfg.Browser()
	task := computeruse.Task{
		TargetURL:       intent.TargetURL,
		Actions:         plan.Actions,
		Headless:        b.Headless,
		Viewport:        schemas.Viewport{Width: b.Viewport.Width, Height: b.Viewport.Height},
		CaptchaHandling: e.captchaHandling(intent),
		LoadStorage:     intent.LoadStorage,
		StoragePaths:    paths,
		StepDelay:       e.cfg.Synthesis().StepDelay,
	}
	out, err := e.deps.Coordinate.Run(ctx, task)
	if out == nil {
		return navigationOnly(plan), nil, err
	}
	draft := &schemas.ScriptDraft{}
	for _, blk := range out.Blocks {
		if appendErr := draft.Append(blk); appendErr != nil {
			return draft, out.Diagnostics, errors.Join(err, appendErr)
		}
	}
	if len(draft.Blocks) == 0 {
		draft = navigationOnly(plan)
	}
	return draft, out.Diagnostics, err
}

// navigationOnly is the smallest draft that still lowers to a runnable script.
func navigationOnly(plan *schemas.ActionPlan) *schemas.ScriptDraft {
	draft := &schemas.ScriptDraft{}
	if plan != nil && len(plan.Actions) > 0 {
		_ = draft.Append(script.NavigationBlock(plan.Actions[0]))
	}
	return draft
}

// Run synthesizes and executes intent, returning the execution result.
func (e *Engine) Run(ctx context.Context, intent schemas.Intent) *schemas.ExecutionResult {
	return e.RunCase(ctx, intent).Execution
}

// RunCase synthesizes and executes intent inside its own session scope.
// Scripts from a failed synthesis are kept on the result but not executed.
func (e *Engine) RunCase(ctx context.Context, intent schemas.Intent) *CaseResult {
	return e.runCase(ctx, intent, false)
}

func (e *Engine) runCase(ctx context.Context, intent schemas.Intent, batch bool) *CaseResult {
	runID := uuid.NewString()
	logger := e.logger.With(zap.String("run_id", runID))
	out := &CaseResult{Name: intent.Name}

	if timeout := e.cfg.Engine().CaseTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	paths := e.deps.Sessions.SharedPaths()
	if intent.LoadStorage || intent.PersistStorage {
		staged, err := e.deps.Sessions.Stage(runID)
		if err != nil {
			logger.Error("Failed to stage session artifacts", zap.Error(err))
			out.Execution = errorResult(runID, "", fmt.Errorf("staging session: %w", err))
			return out
		}
		paths = staged
		defer func() {
			if err := e.deps.Sessions.Release(runID); err != nil {
				logger.Warn("Failed to release staged session", zap.Error(err))
			}
		}()
	}

	syn := e.synthesize(ctx, intent, paths, batch)
	out.Synthesis = syn
	if out.Name == "" {
		out.Name = syn.TestName
	}
	if syn.Err != nil {
		out.Execution = errorResult(runID, syn.Script, fmt.Errorf("synthesis failed: %w", syn.Err))
		out.ReportID = e.persist(out.Name, out.Execution, logger)
		return out
	}

	out.Execution = e.deps.Executor.Execute(ctx, syn.Script, sandbox.Meta{RunID: runID, TestName: syn.TestName, Plan: syn.Plan})
	if intent.PersistStorage && out.Execution.Status == schemas.ExecSuccess {
		if err := e.deps.Sessions.Commit(runID); err != nil {
			logger.Warn("Failed to publish session artifacts", zap.Error(err))
		}
	}
	out.ReportID = e.persist(out.Name, out.Execution, logger)
	return out
}

// persist hands res to the sink, if any. It uses its own context so results
// are saved even when the run's context was cancelled.
func (e *Engine) persist(name string, res *schemas.ExecutionResult, logger *zap.Logger) string {
	if e.deps.Sink == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	id, err := e.deps.Sink.SaveExecution(ctx, name, res)
	if err != nil {
		logger.Error("Failed to persist execution report", zap.Error(err))
		return ""
	}
	logger.Info("Execution report persisted", zap.String("report_id", id))
	return id
}

func errorResult(runID, code string, err error) *schemas.ExecutionResult {
	return &schemas.ExecutionResult{
		RunID:    runID,
		Status:   schemas.ExecError,
		Script:   code,
		ExitCode: -1,
		Error:    err.Error(),
		Report:   "Execution skipped: " + err.Error(),
	}
}
