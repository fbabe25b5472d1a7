package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/engine"
	"github.com/xkilldash9x/e2eforge/internal/observability"
)

// ErrCasesFailed is returned when at least one case did not pass, so the
// process exits non-zero in CI.
var ErrCasesFailed = errors.New("one or more test cases did not pass")

func newRunCmd(factory componentFactory) *cobra.Command {
	var flags intentFlags
	var casesFile string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Synthesize and execute a test, or a batch of tests",
		Long: `Synthesizes a script for the intent given by flags, or for every intent in
a cases file, executes it in the sandbox and prints the execution report.
Session artifacts are staged per run and only published after a passing run.`,
		Annotations: map[string]string{annotationDataOutput: ""},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			var intents []schemas.Intent
			if casesFile != "" {
				if intents, err = readIntents(casesFile); err != nil {
					return err
				}
			} else {
				intent, err := flags.intent()
				if err != nil {
					return err
				}
				intents = []schemas.Intent{intent}
			}

			comps, err := factory.Build(ctx, cfg, logger, buildOptions{WithReports: true})
			if err != nil {
				return err
			}
			defer comps.Close()
			eng, err := engine.New(cfg, comps.Deps, logger)
			if err != nil {
				return err
			}

			var results []*engine.CaseResult
			if casesFile == "" {
				results = []*engine.CaseResult{eng.RunCase(ctx, intents[0])}
			} else {
				results = eng.RunBatch(ctx, intents, cfg.Engine().BatchConcurrency)
			}

			if asJSON {
				if err := printJSON(cmd, results); err != nil {
					return err
				}
			} else {
				printReports(cmd, results)
			}

			failed := 0
			for _, r := range results {
				if r.Execution == nil || r.Execution.Status != schemas.ExecSuccess {
					failed++
				}
			}
			logger.Info("Run complete", zap.Int("cases", len(results)), zap.Int("failed", failed))
			if failed > 0 {
				return fmt.Errorf("%w: %d of %d", ErrCasesFailed, failed, len(results))
			}
			return nil
		},
	}
	flags.register(cmd, true)
	cmd.Flags().StringVar(&casesFile, "cases", "", "JSON file of intents to run as a batch (see the cases command)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print full results as JSON")
	cmd.Flags().IntP("concurrency", "j", 0, "Cases run in parallel (overrides config)")
	cmd.Flags().Duration("timeout", 0, "Execution ceiling per script (overrides config)")
	cmd.Flags().String("dom-mode", "", "DOM handling between actions: rederive or blind (overrides config)")
	cmd.Flags().String("on-reject", "", "Invalid fragment policy: skip or abort (overrides config)")
	cmd.Flags().String("isolation", "", "Coordinate loop isolation: inprocess or subprocess (overrides config)")
	cmd.Flags().Bool("headless", true, "Run browsers headless (overrides config)")
	return cmd
}

func printReports(cmd *cobra.Command, results []*engine.CaseResult) {
	out := cmd.OutOrStdout()
	for i, r := range results {
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "== %s ==\n", r.Name)
		if r.Synthesis != nil {
			for _, d := range r.Synthesis.Diagnostics {
				fmt.Fprintln(out, "diagnostic:", d)
			}
		}
		if r.Execution == nil {
			continue
		}
		fmt.Fprintln(out, r.Execution.Report)
		if r.ReportID != "" {
			fmt.Fprintln(out, "Report ID:", r.ReportID)
		}
	}
}
