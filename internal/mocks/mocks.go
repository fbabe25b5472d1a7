// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/e2eforge/api/schemas"
)

// -- LLM Client Mock --

// MockLLMClient mocks schemas.LLMClient.
type MockLLMClient struct {
	mock.Mock
}

func NewMockLLMClient() *MockLLMClient { return &MockLLMClient{} }

func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

// -- Browser Mocks --

// MockLauncher mocks schemas.BrowserLauncher.
type MockLauncher struct {
	mock.Mock
}

func (m *MockLauncher) Launch(ctx context.Context, opts schemas.LaunchOptions) (schemas.Page, error) {
	args := m.Called(ctx, opts)
	page, _ := args.Get(0).(schemas.Page)
	return page, args.Error(1)
}

// MockPage mocks schemas.Page.
type MockPage struct {
	mock.Mock
}

func (m *MockPage) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockPage) Reload(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockPage) Content(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPage) Title(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPage) URL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	args := m.Called(ctx, fullPage)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *MockPage) ElementScreenshot(ctx context.Context, selector string) ([]byte, error) {
	args := m.Called(ctx, selector)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *MockPage) Viewport(ctx context.Context) (schemas.Viewport, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.Viewport), args.Error(1)
}

func (m *MockPage) MouseClick(ctx context.Context, x, y float64) error {
	return m.Called(ctx, x, y).Error(0)
}

func (m *MockPage) Wheel(ctx context.Context, x, y, deltaY float64) error {
	return m.Called(ctx, x, y, deltaY).Error(0)
}

func (m *MockPage) ClearFocused(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockPage) TypeText(ctx context.Context, text string) error {
	return m.Called(ctx, text).Error(0)
}

func (m *MockPage) Fill(ctx context.Context, selector, text string) error {
	return m.Called(ctx, selector, text).Error(0)
}

func (m *MockPage) IsVisible(ctx context.Context, selector string) (bool, error) {
	args := m.Called(ctx, selector)
	return args.Bool(0), args.Error(1)
}

func (m *MockPage) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	args := m.Called(ctx)
	c, _ := args.Get(0).([]schemas.Cookie)
	return c, args.Error(1)
}

func (m *MockPage) SetCookies(ctx context.Context, cookies []schemas.Cookie) error {
	return m.Called(ctx, cookies).Error(0)
}

// Evaluate copies the configured result (args[0]) into res when both are
// map[string]string, the only shape the engine reads back.
func (m *MockPage) Evaluate(ctx context.Context, expression string, res any) error {
	args := m.Called(ctx, expression, res)
	if src, ok := args.Get(0).(map[string]string); ok {
		if dst, ok := res.(*map[string]string); ok {
			*dst = src
		}
	}
	return args.Error(1)
}

func (m *MockPage) Sleep(ctx context.Context, d time.Duration) error {
	return m.Called(ctx, d).Error(0)
}

func (m *MockPage) Close() error {
	return m.Called().Error(0)
}

var (
	_ schemas.LLMClient       = (*MockLLMClient)(nil)
	_ schemas.BrowserLauncher = (*MockLauncher)(nil)
	_ schemas.Page            = (*MockPage)(nil)
)
