package schemas

import (
	"context"
	"time"
)

// -- Grounding Service --

// ModelTier selects which configured model serves a request.
type ModelTier string

const (
	TierText   ModelTier = "text"   // Planning, code synthesis, naming.
	TierVision ModelTier = "vision" // Screenshot grounding, verdicts, captcha.
)

// ImagePart is an inline image attached to a request.
type ImagePart struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// GenerationOptions tunes a single generation call.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`
	ForceJSONFormat bool    `json:"force_json_format"`
	MaxTokens       int     `json:"max_tokens"`
}

// GenerationRequest is one call to the grounding service.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Images       []ImagePart       `json:"images,omitempty"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient abstracts the text and vision model providers.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	Close() error
}

// -- Browser Capability --

// Viewport is the visible area of a page in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Cookie mirrors the storage-state cookie format understood by the
// generated scripts, so the same file round-trips through both.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Page is a live, controllable browser tab. Implementations are not safe
// for concurrent use; a page is driven by one goroutine at a time.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	Content(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	ElementScreenshot(ctx context.Context, selector string) ([]byte, error)
	Viewport(ctx context.Context) (Viewport, error)

	MouseClick(ctx context.Context, x, y float64) error
	Wheel(ctx context.Context, x, y, deltaY float64) error
	// ClearFocused selects all text in the focused element and deletes it.
	ClearFocused(ctx context.Context) error
	TypeText(ctx context.Context, text string) error
	Fill(ctx context.Context, selector, text string) error
	IsVisible(ctx context.Context, selector string) (bool, error)

	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	Evaluate(ctx context.Context, expression string, res any) error
	Sleep(ctx context.Context, d time.Duration) error

	Close() error
}

// LaunchOptions configures a new browser process.
type LaunchOptions struct {
	Headless bool
	Viewport Viewport
}

// BrowserLauncher starts a dedicated browser process and returns its
// first page. Closing the page tears the process down.
type BrowserLauncher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Page, error)
}
