package browser

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/config"
)

// Launcher starts one dedicated Chrome process per Launch call. Nothing is
// shared between the pages it returns.
type Launcher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

// NewLauncher creates a launcher from the browser configuration.
func NewLauncher(cfg config.BrowserConfig, logger *zap.Logger) *Launcher {
	return &Launcher{cfg: cfg, logger: logger.Named("browser")}
}

// allocatorFlags lists the Chrome command line flags for a launch. Values
// are either bool (switch on/off) or string.
func allocatorFlags(cfg config.BrowserConfig, headless bool) map[string]any {
	flags := map[string]any{
		"no-sandbox":                    true,
		"disable-gpu":                   true,
		"no-first-run":                  true,
		"no-default-browser-check":      true,
		"disable-dev-shm-usage":         true,
		"disable-background-networking": true,
		"mute-audio":                    true,
	}
	if headless {
		flags["headless"] = "new"
		flags["hide-scrollbars"] = true
	}
	if cfg.IgnoreTLS {
		flags["ignore-certificate-errors"] = true
	}
	for _, arg := range cfg.Args {
		arg = strings.TrimLeft(arg, "-")
		if key, value, found := strings.Cut(arg, "="); found {
			flags[key] = value
		} else if arg != "" {
			flags[arg] = true
		}
	}
	return flags
}

func (l *Launcher) execOptions(opts schemas.LaunchOptions, userDataDir string) []chromedp.ExecAllocatorOption {
	flags := allocatorFlags(l.cfg, opts.Headless)
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]chromedp.ExecAllocatorOption, 0, len(keys)+3)
	for _, k := range keys {
		out = append(out, chromedp.Flag(k, flags[k]))
	}
	out = append(out, chromedp.UserDataDir(userDataDir))
	if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		out = append(out, chromedp.WindowSize(opts.Viewport.Width, opts.Viewport.Height))
	}
	if l.cfg.ExecPath != "" {
		out = append(out, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return out
}

// Launch starts Chrome and returns its first tab. The browser lives until
// the page is closed; ctx only bounds the startup.
func (l *Launcher) Launch(ctx context.Context, opts schemas.LaunchOptions) (schemas.Page, error) {
	if opts.Viewport.Width == 0 || opts.Viewport.Height == 0 {
		opts.Viewport = schemas.Viewport{Width: l.cfg.Viewport.Width, Height: l.cfg.Viewport.Height}
	}

	userDataDir, err := os.MkdirTemp("", "e2eforge-chrome-*")
	if err != nil {
		return nil, fmt.Errorf("creating user data dir: %w", err)
	}

	// The browser must not be tied to ctx: chromedp ends the process when the
	// context of the first Run is cancelled.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.execOptions(opts, userDataDir)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	p := &Page{
		ctx:           browserCtx,
		cancel:        browserCancel,
		allocCancel:   allocCancel,
		userDataDir:   userDataDir,
		logger:        l.logger,
		actionTimeout: l.cfg.ActionTimeout,
		viewport:      opts.Viewport,
	}

	started := make(chan error, 1)
	go func() {
		actions := []chromedp.Action{}
		if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
			actions = append(actions, chromedp.EmulateViewport(int64(opts.Viewport.Width), int64(opts.Viewport.Height)))
		}
		started <- chromedp.Run(browserCtx, actions...)
	}()

	select {
	case err := <-started:
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("starting browser: %w", err)
		}
	case <-ctx.Done():
		_ = p.Close()
		return nil, fmt.Errorf("starting browser: %w", ctx.Err())
	}

	l.logger.Debug("Browser launched", zap.Bool("headless", opts.Headless), zap.Int("width", opts.Viewport.Width), zap.Int("height", opts.Viewport.Height))
	return p, nil
}
