package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"denueflow/internal/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent extraction runs from the state database.",
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := history.RecentRuns(cmd.Context(), historyDB, rootLogger, historyLimit)
		if err != nil {
			return fmt.Errorf("load run history: %w", err)
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tSTATUS\tPROCESSED\tFAILED\tROWS\tCOMPLETENESS\tREPORT")
		for _, run := range runs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%.4f\t%s\n",
				run.StartedAt.Format("2006-01-02 15:04:05"),
				run.Status,
				run.ProcessedFiles,
				run.FailedFiles,
				run.WrittenRows,
				run.Completeness,
				run.ReportPath,
			)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of runs to show")
}
