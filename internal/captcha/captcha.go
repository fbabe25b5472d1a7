// Package captcha recognises image captchas on a live page with the vision
// model and types the answer into the captcha input.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/config"
	"github.com/xkilldash9x/e2eforge/internal/llmutil"
)

// NotFound is the answer the model gives when the image holds no captcha.
const NotFound = "CAPTCHA_NOT_FOUND"

const maxAttempts = 3

var (
	errNoImage    = errors.New("no visible captcha image")
	errNoInput    = errors.New("no visible captcha input")
	errUnreadable = errors.New("captcha not recognised")
)

// ImageSelectors are tried in order; the first visible match is read.
var ImageSelectors = []string{
	`img[src*="captcha"]`,
	`img[id*="captcha"]`,
	`img[class*="captcha"]`,
	`.captcha img`,
	`img[alt*="验证码"]`,
	`img[src*="verify"]`,
	`canvas[id*="captcha"]`,
}

// InputSelectors are tried in order; the first visible match is filled.
var InputSelectors = []string{
	`input[name*="captcha"]`,
	`input[id*="captcha"]`,
	`input[placeholder*="验证码"]`,
	`input[placeholder*="captcha" i]`,
	`input[name*="verify"]`,
	`input[name*="code"]`,
}

const (
	// SystemPrompt instructs the vision model, during synthesis and from the
	// generated script alike.
	SystemPrompt = "You read captcha images. If the image shows an arithmetic problem such as 2+3=?, compute it and answer with the result. " +
		"Otherwise answer with the characters exactly as shown. Reply with the value only, no explanation. " +
		"If the image contains no captcha, reply " + NotFound + "."
	// UserPrompt accompanies the captcha image.
	UserPrompt = "What is the captcha value in this image?"
)

// Handler solves captchas on a page.
type Handler struct {
	llm     schemas.LLMClient
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Handler bounded by cfg.Timeout.
func New(llm schemas.LLMClient, cfg config.CaptchaConfig, logger *zap.Logger) *Handler {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{llm: llm, timeout: timeout, logger: logger.Named("captcha")}
}

// Solve looks for a captcha, recognises it and fills the answer in. It
// reports whether an answer was typed. Every failure, including running out
// of time, is logged and swallowed so the caller can carry on.
func (h *Handler) Solve(ctx context.Context, page schemas.Page) bool {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		answer, err := h.attempt(ctx, page)
		if err == nil {
			h.logger.Info("Captcha filled", zap.Int("attempt", attempt), zap.Int("length", len(answer)))
			return true
		}
		lastErr = err
		if errors.Is(err, errNoImage) || ctx.Err() != nil {
			break
		}
		h.logger.Debug("Captcha attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	switch {
	case errors.Is(lastErr, errNoImage):
		h.logger.Debug("No captcha on page.")
	case ctx.Err() != nil:
		h.logger.Warn("Captcha handling timed out; continuing without it.", zap.Duration("timeout", h.timeout), zap.Error(lastErr))
	default:
		h.logger.Warn("Captcha handling failed; continuing without it.", zap.Error(lastErr))
	}
	return false
}

func (h *Handler) attempt(ctx context.Context, page schemas.Page) (string, error) {
	img, err := firstVisible(ctx, page, ImageSelectors)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errNoImage, err)
	}
	shot, err := page.ElementScreenshot(ctx, img)
	if err != nil {
		return "", fmt.Errorf("capturing %s: %w", img, err)
	}
	answer, err := h.Recognize(ctx, shot)
	if err != nil {
		return "", err
	}
	input, err := firstVisible(ctx, page, InputSelectors)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errNoInput, err)
	}
	if err := page.Fill(ctx, input, answer); err != nil {
		return "", fmt.Errorf("filling %s: %w", input, err)
	}
	return answer, nil
}

// Recognize asks the vision model for the value shown in a captcha image.
func (h *Handler) Recognize(ctx context.Context, image []byte) (string, error) {
	raw, err := h.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: SystemPrompt,
		UserPrompt:   UserPrompt,
		Images:       []schemas.ImagePart{{MIMEType: "image/png", Data: image}},
		Tier:         schemas.TierVision,
		Options:      schemas.GenerationOptions{Temperature: 0, MaxTokens: 50},
	})
	if err != nil {
		return "", fmt.Errorf("recognising captcha: %w", err)
	}
	answer := cleanAnswer(raw)
	if answer == "" || strings.EqualFold(answer, NotFound) {
		return "", errUnreadable
	}
	return answer, nil
}

func cleanAnswer(raw string) string {
	s := llmutil.CleanCodeOutput(raw)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.Trim(strings.TrimSpace(s), "`'\"。.")
}

func firstVisible(ctx context.Context, page schemas.Page, selectors []string) (string, error) {
	var lastErr error
	for _, sel := range selectors {
		visible, err := page.IsVisible(ctx, sel)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		if visible {
			return sel, nil
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", errors.New("none matched")
}
