// Package collector captures the sanitized state of a page in a browser
// process of its own.
package collector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/config"
)

// ErrNavigation is returned when the URL is invalid or the page cannot be
// loaded within the navigation timeout.
var ErrNavigation = errors.New("navigation failed")

var httpURL = regexp.MustCompile(`^https?://.+`)

// Collector produces PageSnapshots.
type Collector struct {
	launcher schemas.BrowserLauncher
	launch   schemas.LaunchOptions
	timeout  time.Duration
	cache    *lru.Cache[string, *schemas.PageSnapshot]
	logger   *zap.Logger
}

// New creates a collector. A cache size of zero disables snapshot caching.
func New(launcher schemas.BrowserLauncher, cfg config.CollectorConfig, launch schemas.LaunchOptions, logger *zap.Logger) (*Collector, error) {
	c := &Collector{
		launcher: launcher,
		launch:   launch,
		timeout:  cfg.NavigationTimeout,
		logger:   logger.Named("collector"),
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, *schemas.PageSnapshot](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("creating snapshot cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// ValidateURL accepts absolute http(s) URLs with a host.
func ValidateURL(raw string) error {
	if !httpURL.MatchString(raw) {
		return fmt.Errorf("%w: %q is not an absolute http(s) URL", ErrNavigation, raw)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %q has no host", ErrNavigation, raw)
	}
	return nil
}

// Collect loads target in a fresh browser and returns its sanitized HTML,
// a full-page screenshot and its title.
func (c *Collector) Collect(ctx context.Context, target string) (*schemas.PageSnapshot, error) {
	if err := ValidateURL(target); err != nil {
		return nil, err
	}
	if c.cache != nil {
		if snap, ok := c.cache.Get(target); ok {
			c.logger.Debug("Snapshot cache hit", zap.String("url", target))
			return snap, nil
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	page, err := c.launcher.Launch(navCtx, c.launch)
	if err != nil {
		return nil, fmt.Errorf("%w: launching browser: %w", ErrNavigation, err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			c.logger.Debug("Error closing collector browser", zap.Error(err))
		}
	}()

	snap, err := c.capture(navCtx, page, target)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.Add(target, snap)
	}
	return snap, nil
}

// CollectFrom snapshots an already open page without navigating.
func (c *Collector) CollectFrom(ctx context.Context, page schemas.Page) (*schemas.PageSnapshot, error) {
	raw, err := page.Content(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading page content: %w", err)
	}
	shot, err := page.Screenshot(ctx, true)
	if err != nil {
		c.logger.Warn("Screenshot failed; continuing without one.", zap.Error(err))
	}
	title, _ := page.Title(ctx)
	current, _ := page.URL(ctx)
	return &schemas.PageSnapshot{
		URL:        current,
		Title:      title,
		HTML:       Sanitize(raw),
		Screenshot: shot,
		CapturedAt: time.Now(),
	}, nil
}

func (c *Collector) capture(ctx context.Context, page schemas.Page, target string) (*schemas.PageSnapshot, error) {
	start := time.Now()
	if err := page.Navigate(ctx, target); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNavigation, err)
	}
	snap, err := c.CollectFrom(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNavigation, err)
	}
	if snap.URL == "" {
		snap.URL = target
	}
	c.logger.Info("Page context collected",
		zap.String("url", target),
		zap.String("title", snap.Title),
		zap.Int("html_chars", len(snap.HTML)),
		zap.Int("screenshot_bytes", len(snap.Screenshot)),
		zap.Duration("duration", time.Since(start)),
	)
	return snap, nil
}
