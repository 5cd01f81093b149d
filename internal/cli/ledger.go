package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/picklr-io/reconciler/internal/ir"
	"github.com/picklr-io/reconciler/internal/state"
	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the deployment ledger",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show [path]",
	Short: "Print the committed ledger",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLedgerShow,
}

var ledgerListCmd = &cobra.Command{
	Use:   "list [path]",
	Short: "List deployed targets",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLedgerList,
}

func init() {
	ledgerCmd.AddCommand(ledgerShowCmd)
	ledgerCmd.AddCommand(ledgerListCmd)
}

func loadLedger(cmd *cobra.Command, args []string) (*ir.Ledger, error) {
	dir, _, err := resolveEntryPoint(args, "")
	if err != nil {
		return nil, err
	}
	store, err := openStore(cmd.Context(), cfg, dir)
	if err != nil {
		return nil, err
	}
	return state.ReadLedger(cmd.Context(), store)
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	ledger, err := loadLedger(cmd, args)
	if err != nil {
		return err
	}
	data, err := state.EncodeLedger(ledger)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(data))
	return nil
}

func runLedgerList(cmd *cobra.Command, args []string) error {
	ledger, err := loadLedger(cmd, args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(ledger.Targets) == 0 {
		fmt.Fprintln(out, "No targets deployed.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PLUGIN\tSOURCE\tIDENTITY")
	for _, rec := range ledger.Targets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", rec.Plugin, ledger.Plugins[rec.Plugin], identityLabel(rec))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d target(s)\n", len(ledger.Targets))
	return nil
}

// identityLabel renders a record's identity fields as k=v pairs.
func identityLabel(rec *ir.TargetRecord) string {
	keys := append([]string{}, rec.IdentityKeys...)
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, rec.State[k]))
	}
	return strings.Join(parts, ",")
}
