package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/e2eforge/internal/observability"
)

func newReportsCmd(factory componentFactory) *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "reports",
		Short: "List recent execution reports from the database",
		Long: `Reads the newest execution reports persisted by the run command. Requires
database.url (E2EFORGE_DATABASE_URL).`,
		Annotations: map[string]string{annotationDataOutput: ""},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			reports, cleanup, err := factory.Store(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if cleanup != nil {
				defer cleanup()
			}

			rows, err := reports.RecentReports(ctx, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, rows)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tCASE\tSTATUS\tDURATION\tSUMMARY")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%dms\t%s\n", r.CreatedAt.Format("2006-01-02 15:04:05"), r.CaseName, r.Status, r.DurationMS, firstLine(r.Report))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of reports to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print reports as JSON")
	return cmd
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
