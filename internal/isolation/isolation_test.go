package isolation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/config"
	"github.com/xkilldash9x/e2eforge/internal/grounding/computeruse"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var task = computeruse.Task{
	TargetURL: "https://example.com",
	Actions: []schemas.Action{
		{Index: 0, Description: "Navigate to https://example.com", Kind: schemas.KindNavigation},
		{Index: 1, Description: "Verify the page loads", Kind: schemas.KindVerification},
	},
	StepDelay: time.Second,
}

// echoRunner answers with one block per action. With partial set, a failed
// or cancelled run still returns the navigation block.
type echoRunner struct {
	delay   time.Duration
	panic   bool
	err     error
	partial bool
}

func (e echoRunner) Run(ctx context.Context, t computeruse.Task) (*computeruse.TaskResult, error) {
	if e.panic {
		panic("boom")
	}
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return e.sofar(t), ctx.Err()
		}
	}
	if e.err != nil {
		return e.sofar(t), e.err
	}
	res := &computeruse.TaskResult{Diagnostics: []string{t.TargetURL}}
	for _, a := range t.Actions {
		res.Blocks = append(res.Blocks, schemas.CodeBlock{ActionIndex: a.Index, Description: a.Description, Status: schemas.BlockGenerated})
	}
	return res, nil
}

func (e echoRunner) sofar(t computeruse.Task) *computeruse.TaskResult {
	if !e.partial {
		return nil
	}
	a := t.Actions[0]
	return &computeruse.TaskResult{Blocks: []schemas.CodeBlock{{ActionIndex: a.Index, Description: a.Description, Status: schemas.BlockGenerated}}}
}

func TestInProcess(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("result comes back", func(t *testing.T) {
		res, err := NewInProcess(echoRunner{}, logger).Run(context.Background(), task)
		require.NoError(t, err)
		assert.Len(t, res.Blocks, 2)
		assert.Equal(t, []string{"https://example.com"}, res.Diagnostics)
	})

	t.Run("errors pass through", func(t *testing.T) {
		_, err := NewInProcess(echoRunner{err: errors.New("launch failed")}, logger).Run(context.Background(), task)
		assert.EqualError(t, err, "launch failed")
	})

	t.Run("panics are contained", func(t *testing.T) {
		_, err := NewInProcess(echoRunner{panic: true}, logger).Run(context.Background(), task)
		assert.ErrorIs(t, err, ErrWorkerPanic)
	})

	t.Run("cancellation", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := NewInProcess(echoRunner{delay: 10 * time.Second}, logger).Run(ctx, task)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("cancellation keeps the partial result", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		res, err := NewInProcess(echoRunner{delay: 10 * time.Second, partial: true}, logger).Run(ctx, task)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		require.NotNil(t, res)
		require.Len(t, res.Blocks, 1)
		assert.Equal(t, 0, res.Blocks[0].ActionIndex)
	})

	t.Run("a stuck worker is abandoned after the drain timeout", func(t *testing.T) {
		drainTimeout = 30 * time.Millisecond
		t.Cleanup(func() { drainTimeout = 5 * time.Second })
		release := make(chan struct{})
		defer close(release)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		res, err := NewInProcess(stuckRunner{release: release}, logger).Run(ctx, task)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Nil(t, res)
	})
}

// stuckRunner ignores ctx until released.
type stuckRunner struct{ release chan struct{} }

func (s stuckRunner) Run(context.Context, computeruse.Task) (*computeruse.TaskResult, error) {
	<-s.release
	return &computeruse.TaskResult{}, nil
}

func TestNewSelectsMode(t *testing.T) {
	assert.IsType(t, &Subprocess{}, New(config.IsolationSubprocess, nil, nil, zap.NewNop()))
	assert.IsType(t, &InProcess{}, New(config.IsolationInProcess, echoRunner{}, nil, zap.NewNop()))
	assert.IsType(t, &InProcess{}, New("", echoRunner{}, nil, zap.NewNop()))
}

func TestServe(t *testing.T) {
	const input = `{"target_url": "https://example.com", "actions": [{"index": 0, "description": "go"}, {"index": 1, "description": "click"}]}`

	t.Run("result", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, Serve(context.Background(), strings.NewReader(input), &out, echoRunner{}))
		var reply Reply
		require.NoError(t, json.Unmarshal(out.Bytes(), &reply))
		assert.Empty(t, reply.Error)
		require.NotNil(t, reply.Result)
		assert.Len(t, reply.Result.Blocks, 2)
	})

	t.Run("failure still writes the partial result", func(t *testing.T) {
		var out bytes.Buffer
		err := Serve(context.Background(), strings.NewReader(input), &out, echoRunner{err: errors.New("browser disconnected"), partial: true})
		assert.EqualError(t, err, "browser disconnected")
		var reply Reply
		require.NoError(t, json.Unmarshal(out.Bytes(), &reply))
		assert.Equal(t, "browser disconnected", reply.Error)
		require.NotNil(t, reply.Result)
		assert.Len(t, reply.Result.Blocks, 1)
	})

	t.Run("bad task", func(t *testing.T) {
		var out bytes.Buffer
		err := Serve(context.Background(), strings.NewReader("not json"), &out, echoRunner{})
		assert.ErrorContains(t, err, "decoding task")
		assert.Empty(t, out.String())
	})
}

func helperWorker(t *testing.T, mode string) {
	t.Helper()
	testExecutable := os.Args[0]
	osExecutable = func() (string, error) { return testExecutable, nil }
	execCommandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
		cmd := exec.CommandContext(ctx, name, cs...)
		return cmd
	}
	t.Cleanup(func() {
		osExecutable = os.Executable
		execCommandContext = exec.CommandContext
	})
	t.Setenv("HELPER_MODE", mode)
}

func TestSubprocess(t *testing.T) {
	env := []string{"GO_WANT_HELPER_PROCESS=1"}

	t.Run("round trip", func(t *testing.T) {
		helperWorker(t, "serve")
		res, err := NewSubprocess(env, zaptest.NewLogger(t)).Run(context.Background(), task)
		require.NoError(t, err)
		require.Len(t, res.Blocks, 2)
		assert.Equal(t, "Verify the page loads", res.Blocks[1].Description)
	})

	t.Run("worker failure surfaces stderr", func(t *testing.T) {
		helperWorker(t, "fail")
		_, err := NewSubprocess(env, zaptest.NewLogger(t)).Run(context.Background(), task)
		assert.ErrorContains(t, err, "chrome crashed")
	})

	t.Run("failed run returns the partial result", func(t *testing.T) {
		helperWorker(t, "partial")
		res, err := NewSubprocess(env, zaptest.NewLogger(t)).Run(context.Background(), task)
		assert.ErrorContains(t, err, "browser disconnected")
		require.NotNil(t, res)
		require.Len(t, res.Blocks, 1)
		assert.Equal(t, "Navigate to https://example.com", res.Blocks[0].Description)
	})

	t.Run("garbage output", func(t *testing.T) {
		helperWorker(t, "garbage")
		_, err := NewSubprocess(env, zaptest.NewLogger(t)).Run(context.Background(), task)
		assert.ErrorContains(t, err, "decoding worker result")
	})

	t.Run("executable lookup failure", func(t *testing.T) {
		osExecutable = func() (string, error) { return "", errors.New("no proc") }
		t.Cleanup(func() { osExecutable = os.Executable })
		_, err := NewSubprocess(env, zap.NewNop()).Run(context.Background(), task)
		assert.ErrorContains(t, err, "no proc")
	})
}

// TestHelperProcess plays the worker subcommand for TestSubprocess.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("HELPER_MODE") {
	case "serve":
		if err := Serve(context.Background(), os.Stdin, os.Stdout, echoRunner{}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "partial":
		if err := Serve(context.Background(), os.Stdin, os.Stdout, echoRunner{err: errors.New("browser disconnected"), partial: true}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "fail":
		fmt.Fprintln(os.Stderr, "chrome crashed")
		os.Exit(1)
	case "garbage":
		fmt.Println("not a result")
	}
	os.Exit(0)
}
