package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/expressions"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/validation"
	"github.com/loomhq/loom/pkg/schema"
)

func newRunCommand() *cobra.Command {
	var (
		vars      []string
		tracePath string
		noHistory bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Validate and execute a workflow document",
		Example: `  # Run a workflow
  loom run review.yaml

  # Override variables and save the trace
  loom run review.yaml --var topic=concurrency --var depth=3 --trace trace.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := resolveConfig()
			logger := newLogger(cfg)

			doc, err := loadAndValidate(args[0])
			if err != nil {
				return err
			}
			if err := applyVarOverrides(doc, vars); err != nil {
				return err
			}

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

			ctx := cmd.Context()
			started := time.Now().UTC()
			result := runner.Run(ctx, doc)

			traceJSON, jsonErr := engine.TraceJSON(result.Trace)
			if jsonErr == nil {
				if !noHistory {
					persistRun(ctx, cfg, logger, doc, result, started, traceJSON)
				}
				if err := writeTrace(tracePath, traceJSON); err != nil {
					logger.Error("failed to write trace", "error", err)
				}
			} else {
				logger.Error("failed to serialize trace", "error", jsonErr)
			}

			if result.Err != nil {
				return fmt.Errorf("workflow %q failed: %w", doc.Name, result.Err)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "override a workflow variable (key=value, repeatable)")
	cmd.Flags().StringVar(&tracePath, "trace", "", "write the execution trace JSON to this file (\"-\" for stdout)")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "skip persisting the run to the history database")

	return cmd
}

// loadAndValidate reads a workflow file, parses it and runs the validation
// pipeline.
func loadAndValidate(path string) (*schema.WorkflowDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	doc, err := schema.ParseDocument(data)
	if err != nil {
		return nil, err
	}

	wv, err := validation.NewWorkflowValidator()
	if err != nil {
		return nil, err
	}
	result := wv.Validate(doc)
	if !result.Valid() {
		for _, issue := range result.Errors {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", issue.Path, issue.Message)
		}
		return nil, fmt.Errorf("workflow is invalid (%d errors)", len(result.Errors))
	}
	for _, warn := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s: %s\n", warn.Path, warn.Message)
	}
	return doc, nil
}

// applyVarOverrides merges --var key=value flags into the document variables.
func applyVarOverrides(doc *schema.WorkflowDocument, overrides []string) error {
	if len(overrides) == 0 {
		return nil
	}
	if doc.Variables == nil {
		doc.Variables = make(map[string]any, len(overrides))
	}
	for _, kv := range overrides {
		key, value, found := strings.Cut(kv, "=")
		if !found || key == "" {
			return fmt.Errorf("invalid --var %q, expected key=value", kv)
		}
		doc.Variables[key] = value
	}
	return nil
}

func writeTrace(path, traceJSON string) error {
	switch path {
	case "":
		return nil
	case "-":
		fmt.Println(traceJSON)
		return nil
	default:
		return os.WriteFile(path, []byte(traceJSON), 0o644)
	}
}

// persistRun records the run in the history database. Persistence failures
// are logged, never fatal: the workflow outcome matters more than bookkeeping.
func persistRun(ctx context.Context, cfg Config, logger *slog.Logger,
	doc *schema.WorkflowDocument, result *engine.RunResult, started time.Time, traceJSON string) {

	s, err := store.NewLibSQLStore(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("failed to open history database", "error", err)
		return
	}
	defer s.Close()

	workflowID := doc.ID
	if workflowID == "" {
		workflowID = result.RunID
	}
	finished := time.Now().UTC()
	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}

	if err := s.CreateRun(ctx, &store.Run{
		ID:           result.RunID,
		WorkflowID:   workflowID,
		WorkflowName: doc.Name,
		Status:       "running",
		StartedAt:    started,
	}); err != nil {
		logger.Error("failed to record run", "error", err)
		return
	}
	if err := s.FinishRun(ctx, result.RunID, store.RunUpdate{
		Status:       string(result.Status),
		FinishedAt:   finished,
		DurationMs:   float64(finished.Sub(started)) / float64(time.Millisecond),
		ErrorMessage: errMsg,
		TraceJSON:    traceJSON,
	}); err != nil {
		logger.Error("failed to finish run record", "error", err)
	}
}
