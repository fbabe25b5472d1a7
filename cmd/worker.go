package cmd

import (
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/e2eforge/internal/isolation"
	"github.com/xkilldash9x/e2eforge/internal/observability"
)

// newWorkerCmd is the child side of subprocess isolation. It is hidden
// because only e2eforge itself starts it.
func newWorkerCmd(factory componentFactory) *cobra.Command {
	workerCmd := &cobra.Command{
		Use:         isolation.WorkerArgs[0],
		Short:       "Internal worker processes",
		Hidden:      true,
		Annotations: map[string]string{annotationDataOutput: ""},
	}
	workerCmd.AddCommand(&cobra.Command{
		Use:   isolation.WorkerArgs[1],
		Short: "Run one coordinate grounding task read as JSON from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger().Named("worker")
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			comps, err := factory.Build(ctx, cfg, logger, buildOptions{})
			if err != nil {
				return err
			}
			defer comps.Close()
			return isolation.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), comps.Grounder)
		},
	})
	return workerCmd
}
