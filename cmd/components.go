package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/browser"
	"github.com/xkilldash9x/e2eforge/internal/captcha"
	"github.com/xkilldash9x/e2eforge/internal/collector"
	"github.com/xkilldash9x/e2eforge/internal/config"
	"github.com/xkilldash9x/e2eforge/internal/engine"
	"github.com/xkilldash9x/e2eforge/internal/grounding/computeruse"
	"github.com/xkilldash9x/e2eforge/internal/grounding/selector"
	"github.com/xkilldash9x/e2eforge/internal/isolation"
	"github.com/xkilldash9x/e2eforge/internal/llmclient"
	"github.com/xkilldash9x/e2eforge/internal/planner"
	"github.com/xkilldash9x/e2eforge/internal/sandbox"
	"github.com/xkilldash9x/e2eforge/internal/storage"
	"github.com/xkilldash9x/e2eforge/internal/store"
)

// caseExpander derives test cases from one requirement. *planner.Planner
// satisfies it.
type caseExpander interface {
	ExpandCases(ctx context.Context, query, url string, strategy planner.Strategy, analysis *schemas.PageAnalysis) []planner.CaseSpec
}

// reportStore is what the CLI needs from report persistence.
type reportStore interface {
	engine.ReportSink
	RecentReports(ctx context.Context, limit int) ([]store.ReportSummary, error)
}

// components holds initialized services for one command invocation.
type components struct {
	Deps  engine.Deps
	Cases caseExpander
	// Grounder is the unisolated coordinate loop the worker subcommand serves.
	Grounder isolation.Runner

	closers []func()
}

// Close releases everything in reverse order of creation.
func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

type buildOptions struct {
	// WithReports connects report persistence when a database is configured.
	WithReports bool
}

// componentFactory builds the services commands run against. Tests inject
// a fake instead of launching browsers and calling models.
type componentFactory interface {
	Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts buildOptions) (*components, error)
	Store(ctx context.Context, cfg config.Interface, logger *zap.Logger) (reportStore, func(), error)
}

type defaultFactory struct {
	// configFile is handed to worker subprocesses so they load the same config.
	configFile string
}

// Build wires the production graph: one LLM router shared by every stage,
// a chromedp launcher, and the sandbox acting as both executor and the
// selector strategy's DOM probe runner.
func (f *defaultFactory) Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts buildOptions) (*components, error) {
	c := &components{}

	llm, err := llmclient.NewFromConfig(ctx, cfg.LLM(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model clients: %w", err)
	}
	c.closers = append(c.closers, func() {
		if err := llm.Close(); err != nil {
			logger.Debug("Error closing model clients", zap.Error(err))
		}
	})

	b := cfg.Browser()
	launcher := browser.NewLauncher(b, logger)
	launch := schemas.LaunchOptions{Headless: b.Headless, Viewport: schemas.Viewport{Width: b.Viewport.Width, Height: b.Viewport.Height}}
	coll, err := collector.New(launcher, cfg.Collector(), launch, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize collector: %w", err)
	}

	pl := planner.New(llm, logger)
	sb := sandbox.New(cfg.Sandbox(), engine.ScriptEnv(cfg.LLM().Vision), logger)
	grounder := computeruse.New(launcher, llm, captcha.New(llm, cfg.Captcha(), logger), logger)

	var workerEnv []string
	if f.configFile != "" {
		workerEnv = append(workerEnv, configEnvVar+"="+f.configFile)
	}

	c.Deps = engine.Deps{
		Collector:  coll,
		Planner:    pl,
		Selector:   selector.New(llm, sb, cfg.Synthesis(), logger),
		Coordinate: isolation.New(cfg.Synthesis().Isolation, grounder, workerEnv, logger),
		Executor:   sb,
		Sessions:   storage.New(cfg.Storage(), logger),
	}
	c.Cases = pl
	c.Grounder = grounder

	if opts.WithReports && cfg.Database().URL != "" {
		sink, cleanup, err := f.Store(ctx, cfg, logger)
		if err != nil {
			logger.Warn("Report persistence unavailable; continuing without it.", zap.Error(err))
		} else {
			c.Deps.Sink = sink
			c.closers = append(c.closers, cleanup)
		}
	}
	return c, nil
}

// Store connects to PostgreSQL and makes sure the report tables exist.
func (f *defaultFactory) Store(ctx context.Context, cfg config.Interface, logger *zap.Logger) (reportStore, func(), error) {
	if cfg.Database().URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (E2EFORGE_DATABASE_URL)")
	}
	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store service: %w", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return s, cleanup, nil
}
