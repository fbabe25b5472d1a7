package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/internal/engine"
	"github.com/xkilldash9x/e2eforge/internal/observability"
)

func newGenerateCmd(factory componentFactory) *cobra.Command {
	var flags intentFlags
	var output string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Synthesize a test script without running it",
		Long: `Collects the target page, plans the test as atomic actions, grounds each
action and writes the assembled Playwright script. A partial script is still
written when synthesis stops early.`,
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
			eng, err := engine.New(cfg, comps.Deps, logger)
			if err != nil {
				return err
			}

			res := eng.Synthesize(ctx, intent)
			for _, d := range res.Diagnostics {
				fmt.Fprintln(cmd.ErrOrStderr(), "diagnostic:", d)
			}
			if res.Script != "" {
				if err := writeScript(cmd, output, res.Script); err != nil {
					return err
				}
				if output != "" {
					logger.Info("Script written", zap.String("path", output), zap.String("test_name", res.TestName))
				}
			}
			if res.Err != nil {
				return fmt.Errorf("synthesis incomplete: %w", res.Err)
			}
			return nil
		},
	}
	flags.register(cmd, true)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the script to this file instead of stdout")
	cmd.Flags().String("dom-mode", "", "DOM handling between actions: rederive or blind (overrides config)")
	cmd.Flags().String("on-reject", "", "Invalid fragment policy: skip or abort (overrides config)")
	cmd.Flags().String("isolation", "", "Coordinate loop isolation: inprocess or subprocess (overrides config)")
	cmd.Flags().Bool("headless", true, "Run browsers headless (overrides config)")
	return cmd
}

// writeScript writes code to path, or to stdout when path is empty.
func writeScript(cmd *cobra.Command, path, code string) error {
	if path == "" {
		_, err := fmt.Fprint(cmd.OutOrStdout(), code)
		return err
	}
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return fmt.Errorf("writing script: %w", err)
	}
	return nil
}
