package cli

import (
	"fmt"

	"github.com/picklr-io/reconciler/internal/eval"
	"github.com/spf13/cobra"
)

var validateFile string

var validateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a deploy descriptor",
	Long: `Evaluates the descriptor, checks that every plugin and action it names is
known and that references between declarations form no cycle.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "main.pkl", "Descriptor file inside the project directory")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	dir, entry, err := resolveEntryPoint(args, validateFile)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Checking %s... ", entry)
	desc, err := eval.NewEvaluator(dir).LoadDescriptor(cmd.Context(), entry, nil)
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}
	plan, err := eval.Prepare(desc, newToolkit(cfg).catalog)
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Fprintln(out, "OK")

	fmt.Fprintf(out, "\n%d declaration(s), %d action(s)", len(plan.Declarations), len(plan.Actions))
	if len(plan.Secrets) > 0 {
		fmt.Fprintf(out, ", secrets required: %v", plan.Secrets)
	}
	fmt.Fprintln(out, "\nDescriptor is valid!")
	return nil
}
