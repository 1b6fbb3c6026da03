package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/expressions"
	"github.com/loomhq/loom/internal/scheduler"
	"github.com/loomhq/loom/pkg/schema"
)

func newScheduleCommand() *cobra.Command {
	var crons []string

	cmd := &cobra.Command{
		Use:   "schedule <workflow.yaml>...",
		Short: "Run workflows on recurring cron schedules",
		Long: `Schedule keeps the process in the foreground and executes each workflow
on its cron expression (standard 5-field syntax) until interrupted. Pair
each document with a --cron flag, in order.`,
		Example: `  # Nightly report at 02:00, hourly health check
  loom schedule report.yaml health.yaml --cron "0 2 * * *" --cron "0 * * * *"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(crons) != len(args) {
				return fmt.Errorf("got %d workflows but %d --cron flags", len(args), len(crons))
			}

			cfg := resolveConfig()
			logger := newLogger(cfg)

			engines, err := expressions.Default()
			if err != nil {
				return err
			}
			engineOpts := []engine.RunnerOption{
				engine.WithLogger(logger),
				engine.WithTemplateRenderer(newFileTemplateRenderer(cfg.TemplatesDir)),
				engine.WithModelSelector(newModelSelector(cfg.DefaultModel)),
			}
			for _, e := range engines {
				engineOpts = append(engineOpts, engine.WithEngines(e))
			}
			runner := engine.NewRunner(newCommandExecutor(cfg.ModelCommand), engineOpts...)

			sched := scheduler.NewScheduler(&scheduledRunner{runner: runner}, logger)
			for i, path := range args {
				doc, err := loadAndValidate(path)
				if err != nil {
					return err
				}
				id := scheduleID(path)
				if err := sched.Add(id, crons[i], doc); err != nil {
					return err
				}
				logger.Info("workflow scheduled", "schedule_id", id, "cron", crons[i])
			}

			ctx := cmd.Context()
			if err := sched.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return sched.Stop()
		},
	}

	cmd.Flags().StringArrayVar(&crons, "cron", nil, "cron expression for the workflow at the same position (repeatable)")
	return cmd
}

// scheduledRunner adapts the engine Runner to the scheduler's interface,
// folding the run result into an error for status tracking.
type scheduledRunner struct {
	runner *engine.Runner
}

func (r *scheduledRunner) RunDocument(ctx context.Context, doc *schema.WorkflowDocument) error {
	return r.runner.Run(ctx, doc).Err
}

func scheduleID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
