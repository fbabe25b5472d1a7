// Package sandbox runs assembled scripts in a child process and turns their
// output into an ExecutionResult.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/config"
)

// ErrTimeout is returned by Run when the script outlives its ceiling.
var ErrTimeout = errors.New("script execution timed out")

// DefaultTimeout is the wall-clock ceiling of one script run.
const DefaultTimeout = 300 * time.Second

// Function variables so tests can substitute the child process.
var (
	execCommandContext = exec.CommandContext
	osCreateTemp       = os.CreateTemp
)

// Sandbox executes scripts with a hard timeout.
type Sandbox struct {
	interpreter string
	timeout     time.Duration
	workDir     string
	keepScript  bool
	env         []string
	logger      *zap.Logger
}

// New creates a Sandbox. env is appended to the parent environment of every
// child; it carries the runtime vision endpoint for screenshot assertions.
func New(cfg config.SandboxConfig, env []string, logger *zap.Logger) *Sandbox {
	s := &Sandbox{
		interpreter: cfg.Interpreter,
		timeout:     cfg.Timeout,
		workDir:     cfg.WorkDir,
		keepScript:  cfg.KeepScript,
		env:         env,
		logger:      logger.Named("sandbox"),
	}
	if s.interpreter == "" {
		s.interpreter = "python3"
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	return s
}

// Run writes script to a temporary file and executes it. A non-zero exit is
// not an error; err is set only when the script could not be run, when it
// timed out (ErrTimeout) or when ctx ended first. The captured output so far
// is returned in every case.
func (s *Sandbox) Run(ctx context.Context, script string) (exitCode int, stdout, stderr string, err error) {
	f, err := osCreateTemp(s.workDir, "e2eforge-*.py")
	if err != nil {
		return -1, "", "", fmt.Errorf("creating script file: %w", err)
	}
	path := f.Name()
	if !s.keepScript {
		defer os.Remove(path)
	}
	if _, err := f.WriteString(script); err != nil {
		f.Close()
		return -1, "", "", fmt.Errorf("writing script file: %w", err)
	}
	if err := f.Close(); err != nil {
		return -1, "", "", fmt.Errorf("closing script file: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var outBuf, errBuf bytes.Buffer
	cmd := execCommandContext(runCtx, s.interpreter, path)
	cmd.Dir = filepath.Dir(path)
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Env = append(cmd.Env, "PYTHONUNBUFFERED=1", "PYTHONIOENCODING=utf-8")
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	// Browsers spawned by the script may keep the pipes open after a kill.
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()
	s.logger.Debug("Script finished",
		zap.String("script", path),
		zap.Duration("duration", time.Since(start)),
		zap.Error(runErr),
	)

	if runErr == nil {
		return 0, stdout, stderr, nil
	}
	// The caller's own deadline or cancellation is not a script timeout.
	if err := ctx.Err(); err != nil {
		return -1, stdout, stderr, fmt.Errorf("interrupted before the script finished: %w", err)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return -1, stdout, stderr, fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode(), stdout, stderr, nil
	}
	return -1, stdout, stderr, fmt.Errorf("running %s: %w", s.interpreter, runErr)
}

// Meta describes the run for the report.
type Meta struct {
	RunID    string
	TestName string
	Plan     *schemas.ActionPlan
}

// Execute runs script and interprets its telemetry. It never returns an
// error: every failure is folded into the result's status.
func (s *Sandbox) Execute(ctx context.Context, script string, meta Meta) *schemas.ExecutionResult {
	if meta.RunID == "" {
		meta.RunID = uuid.NewString()
	}
	start := time.Now()
	code, stdout, stderr, err := s.Run(ctx, script)

	timeline := ParseEvents(stdout)
	res := &schemas.ExecutionResult{
		RunID:     meta.RunID,
		Script:    script,
		Steps:     timeline.Steps,
		RawOutput: stdout,
		Stderr:    stderr,
		ExitCode:  code,
		Duration:  time.Since(start),
	}

	switch {
	case errors.Is(err, ErrTimeout):
		res.Status = schemas.ExecError
		res.Error = fmt.Sprintf("execution timed out after %s", s.timeout)
	case err != nil:
		res.Status = schemas.ExecError
		res.Error = err.Error()
	case timeline.Failed:
		res.Status = schemas.ExecFailed
		res.Error = timeline.FailureError
	case code != 0 && len(timeline.Steps) == 0:
		res.Status = schemas.ExecError
		res.Error = fmt.Sprintf("script exited with code %d before reporting any step", code)
	case code != 0:
		res.Status = schemas.ExecFailed
		res.Error = fmt.Sprintf("script exited with code %d", code)
	default:
		res.Status = schemas.ExecSuccess
	}
	if n, ok := firstDangling(res.Steps); ok && res.Status == schemas.ExecSuccess {
		res.Status = schemas.ExecFailed
		res.Error = fmt.Sprintf("step %d did not report an end", n)
	}
	closeDangling(res.Steps, res.Error)
	res.Report = Report(res, meta)

	s.logger.Info("Script executed",
		zap.String("run_id", res.RunID),
		zap.String("status", string(res.Status)),
		zap.Int("exit_code", code),
		zap.Int("steps", len(res.Steps)),
		zap.Duration("duration", res.Duration),
	)
	return res
}

func firstDangling(steps []schemas.StepResult) (int, bool) {
	for _, st := range steps {
		if st.Status == schemas.StepRunning {
			return st.StepNumber, true
		}
	}
	return 0, false
}

// closeDangling marks steps that started but never reported an end.
func closeDangling(steps []schemas.StepResult, reason string) {
	for i := range steps {
		if steps[i].Status == schemas.StepRunning {
			steps[i].Status = schemas.StepFailed
			if steps[i].Error == "" {
				steps[i].Error = reason
			}
		}
	}
}
