// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/config"
)

// contentGenerator is the slice of the genai SDK the client uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient implements schemas.LLMClient on the Gemini API through the
// genai SDK. Images in the request are sent as inline parts.
type GeminiClient struct {
	models         contentGenerator
	logger         *zap.Logger
	config         config.LLMModelConfig
	backoffFactory backoffFactory
}

// NewGeminiClient initializes the SDK client for one model.
func NewGeminiClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Gemini API Key is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" || cfg.APITimeout > 0 {
		opts := genai.HTTPOptions{BaseURL: cfg.Endpoint}
		if cfg.APITimeout > 0 {
			timeout := cfg.APITimeout
			opts.Timeout = &timeout
		}
		cc.HTTPOptions = opts
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return newGeminiClient(client.Models, cfg, logger), nil
}

func newGeminiClient(models contentGenerator, cfg config.LLMModelConfig, logger *zap.Logger) *GeminiClient {
	return &GeminiClient{
		models:         models,
		logger:         logger.Named("llm_client.gemini"),
		config:         cfg,
		backoffFactory: defaultBackoff,
	}
}

// Generate sends the request and returns the first candidate's text,
// retrying transient API failures.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	contents := []*genai.Content{buildGeminiContent(req)}
	genCfg := c.buildGenerateConfig(req)

	var text string
	operation := func() error {
		start := time.Now()
		resp, err := c.models.GenerateContent(ctx, c.config.Model, contents, genCfg)
		if err != nil {
			return c.classifyError(err)
		}
		if len(resp.Candidates) == 0 {
			return backoff.Permanent(errors.New("gemini API returned no candidates"))
		}
		cand := resp.Candidates[0]
		if cand.Content == nil || len(cand.Content.Parts) == 0 {
			if cand.FinishReason == genai.FinishReasonSafety || cand.FinishReason == genai.FinishReasonBlocklist {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", cand.FinishReason))
			}
			return fmt.Errorf("gemini API returned empty content parts (Reason: %s)", cand.FinishReason)
		}

		fields := []zap.Field{
			zap.String("model", c.config.Model),
			zap.Duration("duration", time.Since(start)),
		}
		if u := resp.UsageMetadata; u != nil {
			fields = append(fields,
				zap.Int32("prompt_tokens", u.PromptTokenCount),
				zap.Int32("completion_tokens", u.CandidatesTokenCount),
				zap.Int32("total_tokens", u.TotalTokenCount),
			)
		}
		c.logger.Debug("LLM generation complete (Gemini)", fields...)
		text = resp.Text()
		return nil
	}

	if err := retry(ctx, c.backoffFactory, operation); err != nil {
		return "", err
	}
	return text, nil
}

func buildGeminiContent(req schemas.GenerationRequest) *genai.Content {
	parts := make([]*genai.Part, 0, len(req.Images)+1)
	for _, img := range req.Images {
		mime := img.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, genai.NewPartFromBytes(img.Data, mime))
	}
	parts = append(parts, genai.NewPartFromText(req.UserPrompt))
	return genai.NewContentFromParts(parts, genai.RoleUser)
}

func (c *GeminiClient) buildGenerateConfig(req schemas.GenerationRequest) *genai.GenerateContentConfig {
	temp := float32(req.Options.Temperature)
	cfg := &genai.GenerateContentConfig{Temperature: &temp}

	maxTokens := req.Options.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.config.MaxTokens
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Options.ForceJSONFormat {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

// classifyError marks API errors with non-transient status codes as permanent.
func (c *GeminiClient) classifyError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if isTransientStatus(apiErr.Code) {
			c.logger.Warn("Transient Gemini API error, retrying...", zap.Int("status", apiErr.Code), zap.String("message", apiErr.Message))
			return err
		}
		return backoff.Permanent(fmt.Errorf("gemini API error: %w", err))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
	return err
}

// Close releases nothing; the SDK client holds no closable resources.
func (c *GeminiClient) Close() error { return nil }
