package cli

import (
	"fmt"

	"github.com/picklr-io/reconciler/internal/state"
	"github.com/spf13/cobra"
)

var unlockForce bool

var unlockCmd = &cobra.Command{
	Use:   "unlock [path]",
	Short: "Remove a stale deployment lock",
	Long: `Removes the deployment lock left behind by a deploy that was killed.
Only use this when no other deploy is running.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUnlock,
}

func init() {
	unlockCmd.Flags().BoolVar(&unlockForce, "force", false, "Remove the lock without confirmation")
}

func runUnlock(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	dir, _, err := resolveEntryPoint(args, "")
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, dir)
	if err != nil {
		return err
	}

	locked, err := state.IsLocked(ctx, store)
	if err != nil {
		return err
	}
	if !locked {
		fmt.Fprintln(out, "No deployment lock held.")
		return nil
	}

	if !unlockForce {
		fmt.Fprint(out, "Remove the deployment lock? (y/n): ")
		var response string
		fmt.Fscanln(cmd.InOrStdin(), &response)
		if response != "y" && response != "yes" {
			fmt.Fprintln(out, "Unlock cancelled.")
			return nil
		}
	}

	if err := state.ForceUnlock(ctx, store); err != nil {
		return err
	}
	fmt.Fprintln(out, "Deployment lock removed.")
	return nil
}
