package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/config"
	"github.com/xkilldash9x/e2eforge/internal/engine"
	"github.com/xkilldash9x/e2eforge/internal/grounding"
	"github.com/xkilldash9x/e2eforge/internal/grounding/computeruse"
	"github.com/xkilldash9x/e2eforge/internal/grounding/selector"
	"github.com/xkilldash9x/e2eforge/internal/observability"
	"github.com/xkilldash9x/e2eforge/internal/planner"
	"github.com/xkilldash9x/e2eforge/internal/sandbox"
	"github.com/xkilldash9x/e2eforge/internal/script"
	"github.com/xkilldash9x/e2eforge/internal/storage"
	"github.com/xkilldash9x/e2eforge/internal/store"
)

// -- Fakes standing in for browsers, models and the interpreter --

type stubCollector struct{}

func (stubCollector) Collect(_ context.Context, target string) (*schemas.PageSnapshot, error) {
	return &schemas.PageSnapshot{
		URL:        target,
		Title:      "Sign in",
		HTML:       `<form><input name="username"><input type="password" name="password"><button>Login</button></form>`,
		Screenshot: []byte("\x89PNG fake"),
		CapturedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

type stubPlanner struct{}

func (stubPlanner) Analyze(_ context.Context, snap *schemas.PageSnapshot, _ string) *schemas.PageAnalysis {
	return planner.AnalyzeHTML(snap.HTML)
}

func (stubPlanner) Plan(_ context.Context, intent schemas.Intent, _ *schemas.PageAnalysis) *schemas.ActionPlan {
	return &schemas.ActionPlan{Actions: []schemas.Action{
		{Index: 0, Description: "Navigate to " + intent.TargetURL, Kind: schemas.KindNavigation},
		{Index: 1, Description: "Click the Login button", Kind: schemas.KindInteraction},
	}}
}

func (stubPlanner) TestName(_ context.Context, _ string, _ *schemas.ActionPlan) string {
	return "test_sign_in"
}

func (stubPlanner) ExpandCases(_ context.Context, query, _ string, _ planner.Strategy, _ *schemas.PageAnalysis) []planner.CaseSpec {
	return []planner.CaseSpec{
		{Name: "valid login", Query: query},
		{Name: "wrong password", Query: query + " with a wrong password"},
	}
}

type stubSelector struct {
	reject bool
	modes  *[]config.RejectMode
}

func (s stubSelector) Ground(_ context.Context, plan *schemas.ActionPlan, _ *schemas.PageSnapshot, _ script.Skeleton, onReject config.RejectMode) (*selector.Result, error) {
	if s.modes != nil {
		*s.modes = append(*s.modes, onReject)
	}
	res := &selector.Result{Draft: &schemas.ScriptDraft{}}
	_ = res.Draft.Append(script.NavigationBlock(plan.Actions[0]))
	if s.reject {
		return res, fmt.Errorf("%w: action 1", grounding.ErrRejected)
	}
	for _, a := range plan.Actions[1:] {
		_ = res.Draft.Append(schemas.CodeBlock{
			ActionIndex: a.Index,
			Description: a.Description,
			StepType:    schemas.StepTypeAction,
			Status:      schemas.BlockGenerated,
			Lines:       []string{`await page.get_by_role("button", name="Login").click()`},
		})
	}
	return res, nil
}

type stubExecutor struct{ status schemas.ExecutionStatus }

func (s stubExecutor) Execute(_ context.Context, code string, meta sandbox.Meta) *schemas.ExecutionResult {
	status := s.status
	if status == "" {
		status = schemas.ExecSuccess
	}
	return &schemas.ExecutionResult{
		RunID:  meta.RunID,
		Status: status,
		Script: code,
		Report: fmt.Sprintf("%s: %s", meta.TestName, status),
	}
}

type echoGrounder struct{}

func (echoGrounder) Run(_ context.Context, task computeruse.Task) (*computeruse.TaskResult, error) {
	res := &computeruse.TaskResult{}
	for _, a := range task.Actions {
		res.Blocks = append(res.Blocks, schemas.CodeBlock{ActionIndex: a.Index, Description: a.Description, Status: schemas.BlockGenerated})
	}
	return res, nil
}

type fakeReportStore struct {
	mu    sync.Mutex
	saved []string
	rows  []store.ReportSummary
}

func (f *fakeReportStore) SaveExecution(_ context.Context, name string, _ *schemas.ExecutionResult) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, name)
	return fmt.Sprintf("report-%d", len(f.saved)), nil
}

func (f *fakeReportStore) RecentReports(_ context.Context, limit int) ([]store.ReportSummary, error) {
	if limit < len(f.rows) {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}

// fakeFactory records what commands asked for and hands out fakes.
type fakeFactory struct {
	t        *testing.T
	selector stubSelector
	executor stubExecutor
	reports  *fakeReportStore

	cfg  *config.Config
	opts []buildOptions
}

func (f *fakeFactory) Build(_ context.Context, cfg *config.Config, logger *zap.Logger, opts buildOptions) (*components, error) {
	f.cfg = cfg
	f.opts = append(f.opts, opts)
	deps := engine.Deps{
		Collector:  stubCollector{},
		Planner:    stubPlanner{},
		Selector:   f.selector,
		Coordinate: echoGrounder{},
		Executor:   f.executor,
		Sessions:   storage.New(config.StorageConfig{Dir: f.t.TempDir()}, logger),
	}
	if opts.WithReports && f.reports != nil {
		deps.Sink = f.reports
	}
	return &components{Deps: deps, Cases: stubPlanner{}, Grounder: echoGrounder{}}, nil
}

func (f *fakeFactory) Store(_ context.Context, cfg config.Interface, _ *zap.Logger) (reportStore, func(), error) {
	if f.reports == nil {
		return nil, nil, fmt.Errorf("database URL is not configured (E2EFORGE_DATABASE_URL)")
	}
	return f.reports, func() {}, nil
}

// -- Harness --

// resetForTest silences the global logger and keeps the developer's own
// config out of the way.
func resetForTest(t *testing.T) {
	t.Helper()
	observability.ResetForTest()
	observability.Initialize(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"}, zapcore.AddSync(io.Discard))
	t.Cleanup(observability.ResetForTest)
	t.Setenv(configEnvVar, "")
	t.Setenv("E2EFORGE_STORAGE_DIR", t.TempDir())
}

type cmdOutput struct {
	stdout string
	stderr string
}

func executeCommand(t *testing.T, factory componentFactory, stdin string, args ...string) (cmdOutput, error) {
	t.Helper()
	resetForTest(t)
	root := newRootCmd(factory)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(bytes.NewBufferString(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return cmdOutput{stdout: out.String(), stderr: errOut.String()}, err
}

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
