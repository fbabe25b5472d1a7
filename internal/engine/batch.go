package engine

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/e2eforge/api/schemas"
)

// RunBatch runs intents with at most concurrency cases in flight. Results
// are returned in input order. A failing or panicking case never stops the
// rest of the batch.
func (e *Engine) RunBatch(ctx context.Context, intents []schemas.Intent, concurrency int) []*CaseResult {
	if concurrency <= 0 {
		concurrency = e.cfg.Engine().BatchConcurrency
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	e.logger.Info("Starting batch", zap.Int("cases", len(intents)), zap.Int("concurrency", concurrency))

	results := make([]*CaseResult, len(intents))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, intent := range intents {
		g.Go(func() error {
			results[i] = e.runSafely(ctx, intent)
			return nil
		})
	}
	_ = g.Wait()

	passed := 0
	for _, r := range results {
		if r.Execution != nil && r.Execution.Status == schemas.ExecSuccess {
			passed++
		}
	}
	e.logger.Info("Batch finished", zap.Int("cases", len(results)), zap.Int("passed", passed))
	return results
}

func (e *Engine) runSafely(ctx context.Context, intent schemas.Intent) (res *CaseResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Case panicked", zap.String("case", intent.Name), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			res = &CaseResult{
				Name:      intent.Name,
				Execution: errorResult("", "", fmt.Errorf("case panicked: %v", r)),
			}
		}
	}()
	if err := ctx.Err(); err != nil {
		return &CaseResult{Name: intent.Name, Execution: errorResult("", "", err)}
	}
	return e.runCase(ctx, intent, true)
}
