package llmclient

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/llmutil"
)

// RateLimitedClient throttles calls to the wrapped client with a token bucket.
// Batch runs share one instance so concurrent cases do not trip provider quotas.
type RateLimitedClient struct {
	next    schemas.LLMClient
	limiter *rate.Limiter
}

// NewRateLimitedClient wraps next. A non-positive rps disables limiting.
func NewRateLimitedClient(next schemas.LLMClient, rps float64, burst int) *RateLimitedClient {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedClient{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (c *RateLimitedClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	return c.next.Generate(ctx, req)
}

func (c *RateLimitedClient) Close() error { return c.next.Close() }

// InteractionLogger records every request and response on a dedicated
// logger so prompt regressions can be diagnosed after the fact.
type InteractionLogger struct {
	next   schemas.LLMClient
	logger *zap.Logger
	// previewLen bounds how much of each prompt and response is logged.
	previewLen int
}

// NewInteractionLogger wraps next.
func NewInteractionLogger(next schemas.LLMClient, logger *zap.Logger) *InteractionLogger {
	return &InteractionLogger{next: next, logger: logger.Named("llm_interactions"), previewLen: 2000}
}

func (c *InteractionLogger) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	imageBytes := 0
	for _, img := range req.Images {
		imageBytes += len(img.Data)
	}
	c.logger.Debug("LLM request",
		zap.String("tier", string(req.Tier)),
		zap.Int("images", len(req.Images)),
		zap.Int("image_bytes", imageBytes),
		zap.Int("estimated_prompt_tokens", EstimateTokens(req.SystemPrompt)+EstimateTokens(req.UserPrompt)),
		zap.String("user_prompt", llmutil.Truncate(req.UserPrompt, c.previewLen)),
	)

	start := time.Now()
	resp, err := c.next.Generate(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		c.logger.Warn("LLM request failed",
			zap.String("tier", string(req.Tier)),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return "", err
	}
	c.logger.Debug("LLM response",
		zap.String("tier", string(req.Tier)),
		zap.Duration("duration", elapsed),
		zap.Int("estimated_completion_tokens", EstimateTokens(resp)),
		zap.String("response", llmutil.Truncate(resp, c.previewLen)),
	)
	return resp, nil
}

func (c *InteractionLogger) Close() error { return c.next.Close() }

// EstimateTokens gives a rough token count: about four bytes per token for
// ASCII text and one token per rune for CJK-heavy text.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	runes := utf8.RuneCountInString(s)
	if runes*2 < len(s) {
		return runes
	}
	return (len(s) + 3) / 4
}
