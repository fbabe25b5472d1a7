package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/api/schemas"
)

// ErrClosed is returned by every method once the page has been closed.
var ErrClosed = errors.New("browser page is closed")

// Page implements schemas.Page on a chromedp tab that owns its browser.
type Page struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	userDataDir string
	logger      *zap.Logger

	actionTimeout time.Duration
	viewport      schemas.Viewport

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

var _ schemas.Page = (*Page)(nil)

// run executes actions bounded by both the page lifetime and ctx.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	runCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// runElement is run with the per-element action timeout applied, so a
// selector that never matches fails instead of waiting forever.
func (p *Page) runElement(ctx context.Context, actions ...chromedp.Action) error {
	if p.actionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.actionTimeout)
		defer cancel()
	}
	return p.run(ctx, actions...)
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (p *Page) Reload(ctx context.Context) error {
	return p.run(ctx, chromedp.Reload())
}

func (p *Page) Content(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *Page) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, chromedp.Title(&title))
	return title, err
}

func (p *Page) URL(ctx context.Context) (string, error) {
	var url string
	err := p.run(ctx, chromedp.Location(&url))
	return url, err
}

// Screenshot returns a PNG of the viewport, or of the whole page when
// fullPage is set.
func (p *Page) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var buf []byte
	var action chromedp.Action = chromedp.CaptureScreenshot(&buf)
	if fullPage {
		// Quality 100 selects PNG encoding.
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := p.run(ctx, action); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

func (p *Page) ElementScreenshot(ctx context.Context, selector string) ([]byte, error) {
	var buf []byte
	if err := p.runElement(ctx, chromedp.Screenshot(selector, &buf, chromedp.NodeVisible, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("element screenshot %q: %w", selector, err)
	}
	return buf, nil
}

func (p *Page) Viewport(ctx context.Context) (schemas.Viewport, error) {
	var vp schemas.Viewport
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, _, _, cssVisual, _, err := page.GetLayoutMetrics().Do(ctx)
		if err != nil {
			return err
		}
		if cssVisual != nil {
			vp = schemas.Viewport{Width: int(math.Round(cssVisual.ClientWidth)), Height: int(math.Round(cssVisual.ClientHeight))}
		}
		return nil
	}))
	if err != nil {
		return p.viewport, err
	}
	if vp.Width == 0 || vp.Height == 0 {
		return p.viewport, nil
	}
	return vp, nil
}

func (p *Page) MouseClick(ctx context.Context, x, y float64) error {
	return p.run(ctx, chromedp.MouseClickXY(x, y))
}

func (p *Page) Wheel(ctx context.Context, x, y, deltaY float64) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, x, y).WithDeltaX(0).WithDeltaY(deltaY).Do(ctx)
	}))
}

func (p *Page) ClearFocused(ctx context.Context) error {
	return p.run(ctx,
		chromedp.KeyEvent("a", chromedp.KeyModifiers(input.ModifierCtrl)),
		chromedp.KeyEvent(kb.Delete),
	)
}

// TypeText inserts text at the focus as if committed by an IME, which
// handles non-ASCII input that synthetic key events cannot.
func (p *Page) TypeText(ctx context.Context, text string) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.InsertText(text).Do(ctx)
	}))
}

func (p *Page) Fill(ctx context.Context, selector, text string) error {
	return p.runElement(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

const visibilityScript = `(function(sel) {
	const el = document.querySelector(sel);
	if (!el) { return false; }
	const style = window.getComputedStyle(el);
	if (style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0') { return false; }
	const rect = el.getBoundingClientRect();
	return rect.width > 0 && rect.height > 0;
})(%s)`

func (p *Page) IsVisible(ctx context.Context, selector string) (bool, error) {
	lit, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}
	var visible bool
	err = p.run(ctx, chromedp.Evaluate(fmt.Sprintf(visibilityScript, lit), &visible))
	return visible, err
}

func (p *Page) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	var raw []*network.Cookie
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	out := make([]schemas.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, schemas.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

func (p *Page) SetCookies(ctx context.Context, cookies []schemas.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			exp := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
			param.Expires = &exp
		}
		switch c.SameSite {
		case "Strict", "Lax", "None":
			param.SameSite = network.CookieSameSite(c.SameSite)
		}
		params = append(params, param)
	}
	return p.run(ctx, network.SetCookies(params))
}

func (p *Page) Evaluate(ctx context.Context, expression string, res any) error {
	return p.run(ctx, chromedp.Evaluate(expression, res))
}

func (p *Page) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the browser down and removes its profile directory.
func (p *Page) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(p.ctx) }()
		select {
		case err = <-done:
			if errors.Is(err, context.Canceled) {
				err = nil
			}
		case <-time.After(10 * time.Second):
			p.logger.Warn("Browser shutdown timed out; forcing allocator cancel.")
		}
		p.cancel()
		p.allocCancel()
		if rmErr := os.RemoveAll(p.userDataDir); rmErr != nil {
			p.logger.Debug("Could not remove user data dir.", zap.String("dir", p.userDataDir), zap.Error(rmErr))
		}
	})
	return err
}
