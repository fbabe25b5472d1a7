// Package isolation runs the coordinate grounding loop away from the
// caller: either on a dedicated goroutine with its own browser, or in a
// child process that re-executes the current binary as a worker. Either
// way the exchange is one task in and one result out.
package isolation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime/debug"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/internal/config"
	"github.com/xkilldash9x/e2eforge/internal/grounding/computeruse"
	"github.com/xkilldash9x/e2eforge/internal/llmutil"
)

// ErrWorkerPanic is returned when the grounding loop panics.
var ErrWorkerPanic = errors.New("grounding worker panicked")

// WorkerArgs is the subcommand the child process is started with.
var WorkerArgs = []string{"worker", "computer-use"}

// Function variables so tests can substitute the child process.
var (
	osExecutable       = os.Executable
	execCommandContext = exec.CommandContext
)

// drainTimeout bounds how long a cancelled Run waits for the worker's
// partial result. A worker process gets the same grace after SIGINT.
var drainTimeout = 5 * time.Second

// Reply is the worker's answer on stdout. Result holds whatever was grounded
// before a failure, which Error then describes.
type Reply struct {
	Result *computeruse.TaskResult `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

// Runner executes one coordinate grounding task. *computeruse.Grounder is
// the unisolated implementation the runners here wrap.
type Runner interface {
	Run(ctx context.Context, task computeruse.Task) (*computeruse.TaskResult, error)
}

// New selects a Runner for mode. grounder is only used in-process.
func New(mode config.IsolationMode, grounder Runner, env []string, logger *zap.Logger) Runner {
	if mode == config.IsolationSubprocess {
		return NewSubprocess(env, logger)
	}
	return NewInProcess(grounder, logger)
}

// -- In-process --

type outcome struct {
	res *computeruse.TaskResult
	err error
}

// InProcess runs each task on a goroutine of its own.
type InProcess struct {
	grounder Runner
	logger   *zap.Logger
}

func NewInProcess(grounder Runner, logger *zap.Logger) *InProcess {
	return &InProcess{grounder: grounder, logger: logger.Named("isolation")}
}

// Run hands task to a fresh worker goroutine and waits for its result. The
// worker observes the same ctx; once ctx ends Run waits up to drainTimeout
// for the blocks grounded so far and returns them with ctx's error.
func (p *InProcess) Run(ctx context.Context, task computeruse.Task) (*computeruse.TaskResult, error) {
	tasks := make(chan computeruse.Task, 1)
	results := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Grounding worker panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				results <- outcome{err: fmt.Errorf("%w: %v", ErrWorkerPanic, r)}
			}
		}()
		t := <-tasks
		res, err := p.grounder.Run(ctx, t)
		results <- outcome{res: res, err: err}
	}()

	tasks <- task
	select {
	case out := <-results:
		return out.res, out.err
	case <-ctx.Done():
	}

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case out := <-results:
		return out.res, ctx.Err()
	case <-timer.C:
		p.logger.Warn("Grounding worker did not stop in time; dropping its result.", zap.Duration("waited", drainTimeout))
		return nil, ctx.Err()
	}
}

// -- Subprocess --

// Subprocess runs each task in a re-executed copy of the current binary.
type Subprocess struct {
	env    []string
	logger *zap.Logger
}

// NewSubprocess creates a Subprocess runner. env is appended to the
// parent environment of the worker.
func NewSubprocess(env []string, logger *zap.Logger) *Subprocess {
	return &Subprocess{env: env, logger: logger.Named("isolation")}
}

// Run writes task as JSON to the worker's stdin and decodes its Reply from
// stdout. On cancellation the worker is interrupted rather than killed so it
// can still report the blocks grounded so far. The worker logs to stderr,
// which is surfaced when it fails without a Reply.
func (s *Subprocess) Run(ctx context.Context, task computeruse.Task) (*computeruse.TaskResult, error) {
	executable, err := osExecutable()
	if err != nil {
		return nil, fmt.Errorf("failed to find executable path: %w", err)
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encoding task: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := execCommandContext(ctx, executable, WorkerArgs...)
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = drainTimeout

	s.logger.Debug("Starting grounding worker", zap.String("executable", executable), zap.Int("actions", len(task.Actions)))
	runErr := cmd.Run()

	var reply Reply
	decodeErr := json.Unmarshal(stdout.Bytes(), &reply)
	switch {
	case ctx.Err() != nil:
		return reply.Result, ctx.Err()
	case runErr != nil && decodeErr == nil && reply.Error != "":
		return reply.Result, fmt.Errorf("grounding worker failed: %s", reply.Error)
	case runErr != nil:
		return nil, fmt.Errorf("grounding worker failed: %w: %s", runErr, llmutil.Truncate(strings.TrimSpace(stderr.String()), 2000))
	case decodeErr != nil:
		return nil, fmt.Errorf("decoding worker result: %w", decodeErr)
	case reply.Error != "":
		return reply.Result, errors.New(reply.Error)
	case reply.Result == nil:
		return nil, errors.New("decoding worker result: reply carries no result")
	}
	return reply.Result, nil
}

// Serve is the worker side of Subprocess: it reads one task from in, runs
// it and writes a Reply to out. A failed run still writes its partial
// result, and the run's error is returned after it.
func Serve(ctx context.Context, in io.Reader, out io.Writer, runner Runner) error {
	var task computeruse.Task
	if err := json.NewDecoder(in).Decode(&task); err != nil {
		return fmt.Errorf("decoding task: %w", err)
	}
	res, runErr := runner.Run(ctx, task)
	reply := Reply{Result: res}
	if runErr != nil {
		reply.Error = runErr.Error()
	}
	if err := json.NewEncoder(out).Encode(reply); err != nil {
		return errors.Join(runErr, fmt.Errorf("encoding result: %w", err))
	}
	return runErr
}
