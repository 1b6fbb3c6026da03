package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/store"
)

func newHistoryCommand() *cobra.Command {
	var (
		workflowID string
		status     string
		limit      int
		showTrace  string
		pruneDays  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect past workflow runs",
		Example: `  # List the last 20 runs
  loom history

  # Failed runs of one workflow
  loom history --workflow wf-review --status failed

  # Print the stored trace of a run
  loom history --show-trace 4f7c9d52-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := resolveConfig()
			ctx := cmd.Context()

			s, err := store.NewLibSQLStore(ctx, cfg.DBPath)
			if err != nil {
				return err
			}
			defer s.Close()

			if showTrace != "" {
				run, err := s.GetRun(ctx, showTrace)
				if err != nil {
					return err
				}
				fmt.Println(run.TraceJSON)
				return nil
			}

			if pruneDays > 0 {
				cutoff := time.Now().AddDate(0, 0, -pruneDays).Unix()
				n, err := s.DeleteRunsBefore(ctx, cutoff)
				if err != nil {
					return err
				}
				fmt.Printf("deleted %d runs older than %d days\n", n, pruneDays)
				return nil
			}

			runs, err := s.ListRuns(ctx, store.RunFilter{
				WorkflowID: workflowID,
				Status:     status,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}

			fmt.Printf("%-36s  %-20s  %-9s  %-20s  %10s\n", "RUN ID", "WORKFLOW", "STATUS", "STARTED", "DURATION")
			for _, run := range runs {
				name := run.WorkflowName
				if name == "" {
					name = run.WorkflowID
				}
				fmt.Printf("%-36s  %-20s  %-9s  %-20s  %9.0fms\n",
					run.ID, truncate(name, 20), run.Status,
					run.StartedAt.Local().Format("2006-01-02 15:04:05"), run.DurationMs)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workflowID, "workflow", "", "filter by workflow id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to list")
	cmd.Flags().StringVar(&showTrace, "show-trace", "", "print the stored trace JSON for a run id")
	cmd.Flags().IntVar(&pruneDays, "prune", 0, "delete runs older than this many days")

	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
