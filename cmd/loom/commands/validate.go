package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/validation"
	"github.com/loomhq/loom/pkg/schema"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <workflow.yaml>...",
		Short: "Check workflow documents without executing them",
		Long: `Validate parses each document and runs the full validation pipeline:
JSON Schema structure, per-kind required fields, step name uniqueness,
dependency references, and retry/timeout bounds. All violations are
reported together.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wv, err := validation.NewWorkflowValidator()
			if err != nil {
				return err
			}

			failed := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					fmt.Printf("%s: %v\n", path, err)
					failed++
					continue
				}
				doc, err := schema.ParseDocument(data)
				if err != nil {
					fmt.Printf("%s: %v\n", path, err)
					failed++
					continue
				}

				result := wv.Validate(doc)
				if result.Valid() {
					fmt.Printf("%s: ok (%d steps)\n", path, len(doc.Steps))
				} else {
					fmt.Printf("%s: %d errors\n", path, len(result.Errors))
					for _, issue := range result.Errors {
						fmt.Printf("  %s: %s\n", issue.Path, issue.Message)
					}
					failed++
				}
				for _, warn := range result.Warnings {
					fmt.Printf("  warning: %s: %s\n", warn.Path, warn.Message)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d documents failed validation", failed, len(args))
			}
			return nil
		},
	}
	return cmd
}
