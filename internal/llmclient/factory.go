package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/config"
)

// NewClient creates the client for a single model configuration.
func NewClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg, logger)
	case config.ProviderOpenAI:
		return NewChatClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderOpenAI)
	}
}

// NewFromConfig builds the tier router used by the engine: each tier's
// client is wrapped with interaction logging (when enabled) and a shared
// rate limiter.
func NewFromConfig(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	text, err := NewClient(ctx, cfg.Text, logger)
	if err != nil {
		return nil, fmt.Errorf("text model: %w", err)
	}
	vision, err := NewClient(ctx, cfg.Vision, logger)
	if err != nil {
		_ = text.Close()
		return nil, fmt.Errorf("vision model: %w", err)
	}

	router, err := NewLLMRouter(logger, text, vision)
	if err != nil {
		return nil, err
	}

	var client schemas.LLMClient = router
	if cfg.LogInteractions {
		client = NewInteractionLogger(client, logger)
	}
	return NewRateLimitedClient(client, cfg.RequestsPerSecond, cfg.Burst), nil
}
