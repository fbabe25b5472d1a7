package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/e2eforge/cmd"
	"github.com/xkilldash9x/e2eforge/internal/observability"
)

const panicLogFile = "panic.log"

// Function variables so tests can observe the crash path.
var (
	osWriteFile = os.WriteFile
	osExit      = os.Exit
)

func main() {
	defer handlePanic()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		// Interrupted by the user; partial output was already written.
		osExit(130)
	default:
		osExit(1)
	}
}

// handlePanic flushes logs and records the panic with its stack in
// panic.log before exiting.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(panicMessage), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
		osExit(2)
		return
	}
	fmt.Fprintf(os.Stderr, "e2eforge crashed: %v\nDetails logged to %s\n", r, panicLogFile)
	osExit(2)
}
