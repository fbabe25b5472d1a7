package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/observability"
	"github.com/xkilldash9x/e2eforge/internal/planner"
)

func newPlanCmd(factory componentFactory) *cobra.Command {
	var flags intentFlags

	cmd := &cobra.Command{
		Use:         "plan",
		Short:       "Print the page analysis and action plan for an intent",
		Annotations: map[string]string{annotationDataOutput: ""},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			intent, err := flags.intent()
			if err != nil {
				return err
			}
			comps, err := factory.Build(ctx, cfg, logger, buildOptions{})
			if err != nil {
				return err
			}
			defer comps.Close()

			snap, err := comps.Deps.Collector.Collect(ctx, intent.TargetURL)
			if err != nil {
				return err
			}
			analysis := comps.Deps.Planner.Analyze(ctx, snap, intent.Query)
			plan := comps.Deps.Planner.Plan(ctx, intent, analysis)
			return printJSON(cmd, struct {
				Analysis *schemas.PageAnalysis `json:"analysis"`
				Plan     *schemas.ActionPlan   `json:"plan"`
			}{analysis, plan})
		},
	}
	flags.register(cmd, false)
	return cmd
}

type collectOutput struct {
	URL        string                `json:"url"`
	Title      string                `json:"title"`
	CapturedAt time.Time             `json:"captured_at"`
	HTMLChars  int                   `json:"html_chars"`
	HTML       string                `json:"html,omitempty"`
	Screenshot string                `json:"screenshot,omitempty"`
	Analysis   *schemas.PageAnalysis `json:"analysis"`
}

func newCollectCmd(factory componentFactory) *cobra.Command {
	var target, screenshot string
	var withHTML bool

	cmd := &cobra.Command{
		Use:         "collect",
		Short:       "Snapshot a page the way synthesis sees it",
		Annotations: map[string]string{annotationDataOutput: ""},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			comps, err := factory.Build(ctx, cfg, observability.GetLogger(), buildOptions{})
			if err != nil {
				return err
			}
			defer comps.Close()

			snap, err := comps.Deps.Collector.Collect(ctx, target)
			if err != nil {
				return err
			}
			out := collectOutput{
				URL:        snap.URL,
				Title:      snap.Title,
				CapturedAt: snap.CapturedAt,
				HTMLChars:  len(snap.HTML),
				Analysis:   planner.AnalyzeHTML(snap.HTML),
			}
			if withHTML {
				out.HTML = snap.HTML
			}
			if screenshot != "" && len(snap.Screenshot) > 0 {
				if err := os.WriteFile(screenshot, snap.Screenshot, 0o644); err != nil {
					return fmt.Errorf("writing screenshot: %w", err)
				}
				out.Screenshot = screenshot
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVarP(&target, "url", "u", "", "Page to collect")
	_ = cmd.MarkFlagRequired("url")
	cmd.Flags().BoolVar(&withHTML, "html", false, "Include the sanitized HTML")
	cmd.Flags().StringVar(&screenshot, "screenshot", "", "Write the full-page screenshot to this PNG file")
	return cmd
}

func newCasesCmd(factory componentFactory) *cobra.Command {
	var flags intentFlags
	var strategy string

	cmd := &cobra.Command{
		Use:   "cases",
		Short: "Expand a requirement into test case intents",
		Long: `Analyzes the target page and asks the text model for a set of test cases
covering the requirement. The output is a JSON array of intents that the run
command accepts with --cases.`,
		Annotations: map[string]string{annotationDataOutput: ""},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			intent, err := flags.intent()
			if err != nil {
				return err
			}
			strat, err := planner.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			comps, err := factory.Build(ctx, cfg, logger, buildOptions{})
			if err != nil {
				return err
			}
			defer comps.Close()

			snap, err := comps.Deps.Collector.Collect(ctx, intent.TargetURL)
			if err != nil {
				return err
			}
			analysis := comps.Deps.Planner.Analyze(ctx, snap, intent.Query)
			specs := comps.Cases.ExpandCases(ctx, intent.Query, intent.TargetURL, strat, analysis)

			intents := make([]schemas.Intent, 0, len(specs))
			for _, s := range specs {
				in := s.Intent(intent.TargetURL, intent.Mode)
				in.CaptchaHandling = intent.CaptchaHandling
				in.LoadStorage = intent.LoadStorage
				in.PersistStorage = intent.PersistStorage
				intents = append(intents, in)
			}
			return printJSON(cmd, intents)
		},
	}
	flags.register(cmd, true)
	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "Case coverage: happy_path, basic or comprehensive")
	return cmd
}
