package cli

import (
	"fmt"

	"github.com/picklr-io/reconciler/internal/engine"
	"github.com/picklr-io/reconciler/internal/eval"
	"github.com/spf13/cobra"
)

var (
	deployFile       string
	deployDryRun     bool
	deployNoRevert   bool
	deployMessage    string
	deploySecrets    []string
	deployProperties map[string]string
)

var deployCmd = &cobra.Command{
	Use:   "deploy [path]",
	Short: "Reconcile deployed targets with a descriptor",
	Long: `Evaluates the deploy descriptor and reconciles every declared target
against the ledger. Targets missing from the descriptor are killed. On failure
every action of the run is reverted unless --no-revert is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().StringVarP(&deployFile, "file", "f", "main.pkl", "Descriptor file inside the project directory")
	deployCmd.Flags().BoolVar(&deployDryRun, "dry-run", false, "Run plugins in dry-run mode and print the resulting ledger without committing")
	deployCmd.Flags().BoolVar(&deployNoRevert, "no-revert", false, "On failure, keep a best-effort ledger instead of reverting")
	deployCmd.Flags().StringVarP(&deployMessage, "message", "m", "", "Ledger commit message")
	deployCmd.Flags().StringSliceVar(&deploySecrets, "secret", nil, "Additional secret that must resolve before deploying (repeatable)")
	deployCmd.Flags().StringToStringVarP(&deployProperties, "prop", "D", nil, "Set external properties (format: key=value)")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	dir, entry, err := resolveEntryPoint(args, deployFile)
	if err != nil {
		return err
	}

	fmt.Fprint(out, "Loading descriptor... ")
	desc, err := eval.NewEvaluator(dir).LoadDescriptor(ctx, entry, deployProperties)
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return err
	}
	tk := newToolkit(cfg)
	plan, err := eval.Prepare(desc, tk.catalog)
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return fmt.Errorf("invalid descriptor: %w", err)
	}
	fmt.Fprintln(out, "OK")

	store, err := openStore(ctx, cfg, dir)
	if err != nil {
		return err
	}

	eng := engine.NewEngine(store, tk.catalog)
	eng.Secrets = tk.secrets
	eng.OnEvent = printEvent(out)
	eng.CrashLog = cfg.CrashLog

	secretNames := append(append([]string{}, cfg.Secrets...), deploySecrets...)
	secretNames = append(secretNames, plan.Secrets...)

	fmt.Fprintf(out, "Reconciling %d declaration(s)...\n", len(plan.Declarations))
	res, runErr := eng.Run(ctx, plan.Descriptor(tk.catalog), engine.Options{
		DryRun:      deployDryRun || cfg.DryRun,
		NoRevert:    deployNoRevert || cfg.NoRevert,
		Secrets:     secretNames,
		Message:     deployMessage,
		Environment: plan.Environment,
	})
	renderResult(out, res)

	if runErr != nil {
		return fmt.Errorf("deploy failed: %w", runErr)
	}

	if res.Snapshot != nil {
		fmt.Fprintln(out, "\nDry run, ledger not committed. Resulting ledger:")
		fmt.Fprintln(out, string(res.Snapshot))
		return nil
	}
	if res.Committed {
		fmt.Fprintln(out, "\nDeploy complete! Ledger committed.")
	} else {
		fmt.Fprintln(out, "\nDeploy complete! Ledger unchanged.")
	}
	return nil
}
