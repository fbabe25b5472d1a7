package llmclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/config"
)

// ChatClient implements schemas.LLMClient against any OpenAI-compatible
// chat completions endpoint (DashScope compatible mode, vLLM, OpenAI).
type ChatClient struct {
	apiKey         string
	endpoint       string
	httpClient     *http.Client
	logger         *zap.Logger
	config         config.LLMModelConfig
	backoffFactory backoffFactory
}

// -- Chat Completions Request/Response Structures --

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role string `json:"role"`
	// Content is a plain string for text-only messages and a part list
	// when images are attached.
	Content any `json:"content"`
}

type chatResponseFormat struct {
	Type string `json:"type"`
}

type chatRequestPayload struct {
	Model          string              `json:"model"`
	Messages       []chatMessage       `json:"messages"`
	Temperature    float64             `json:"temperature"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

type chatResponsePayload struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewChatClient initializes the client. Endpoint is the API base URL; the
// chat completions path is appended when missing.
func NewChatClient(cfg config.LLMModelConfig, logger *zap.Logger) (*ChatClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("chat API Key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("chat endpoint is required")
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if !strings.HasSuffix(endpoint, "/chat/completions") {
		endpoint += "/chat/completions"
	}

	return &ChatClient{
		apiKey:         cfg.APIKey,
		endpoint:       endpoint,
		config:         cfg,
		httpClient:     &http.Client{Timeout: cfg.APITimeout},
		logger:         logger.Named("llm_client.chat"),
		backoffFactory: defaultBackoff,
	}, nil
}

// Generate posts the request and returns the first choice's content.
func (c *ChatClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	body, err := json.Marshal(c.buildRequestPayload(req))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	var content string
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var payload chatResponsePayload
		if err := json.Unmarshal(respBody, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if len(payload.Choices) == 0 {
			return backoff.Permanent(errors.New("chat API returned no choices"))
		}
		if payload.Choices[0].FinishReason == "content_filter" {
			return backoff.Permanent(errors.New("chat API blocked the request (Reason: content_filter)"))
		}

		c.logger.Debug("LLM generation complete (chat)",
			zap.String("model", c.config.Model),
			zap.Duration("duration", time.Since(start)),
			zap.Int("prompt_tokens", payload.Usage.PromptTokens),
			zap.Int("completion_tokens", payload.Usage.CompletionTokens),
			zap.Int("total_tokens", payload.Usage.TotalTokens),
		)
		content = payload.Choices[0].Message.Content
		return nil
	}

	if err := retry(ctx, c.backoffFactory, operation); err != nil {
		return "", err
	}
	return content, nil
}

func (c *ChatClient) buildRequestPayload(req schemas.GenerationRequest) chatRequestPayload {
	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}

	if len(req.Images) == 0 {
		messages = append(messages, chatMessage{Role: "user", Content: req.UserPrompt})
	} else {
		parts := make([]chatContentPart, 0, len(req.Images)+1)
		for _, img := range req.Images {
			mime := img.MIMEType
			if mime == "" {
				mime = "image/png"
			}
			url := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
			parts = append(parts, chatContentPart{Type: "image_url", ImageURL: &chatImageURL{URL: url}})
		}
		parts = append(parts, chatContentPart{Type: "text", Text: req.UserPrompt})
		messages = append(messages, chatMessage{Role: "user", Content: parts})
	}

	payload := chatRequestPayload{
		Model:       c.config.Model,
		Messages:    messages,
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.MaxTokens,
	}
	if payload.MaxTokens == 0 {
		payload.MaxTokens = c.config.MaxTokens
	}
	if req.Options.ForceJSONFormat {
		payload.ResponseFormat = &chatResponseFormat{Type: "json_object"}
	}
	return payload
}

func (c *ChatClient) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("Chat API returned error status", zap.Int("status", statusCode), zap.String("response", string(body)))
	err := fmt.Errorf("chat API error: status %d, body: %s", statusCode, string(body))
	if isTransientStatus(statusCode) {
		return err
	}
	return backoff.Permanent(err)
}

// Close releases idle connections.
func (c *ChatClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
