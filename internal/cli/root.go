package cli

import (
	"context"

	"github.com/picklr-io/reconciler/internal/config"
	"github.com/picklr-io/reconciler/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfg *config.Config

	logLevel  string
	logFormat string
	storeType string
	ledgerDir string
	noColor   bool
)

var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Declarative deployment reconciler",
	Long: `Reconciler evaluates a PKL deploy descriptor and drives every declared
target to its desired state:
  • Targets are identified by plugin-defined identity fields
  • Unchanged targets are reused, drifted ones updated, dropped ones killed
  • Failures roll back through a revert stack
  • The deployed state is kept in a YAML ledger committed to git or S3`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	flags.StringVar(&storeType, "store", "", "Ledger store (git, s3, memory)")
	flags.StringVar(&ledgerDir, "ledger-dir", "", "Directory holding the ledger repository")
	flags.BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads the environment configuration and applies flag overrides.
func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load()
	if err != nil {
		return err
	}
	overrideString(cmd, "log-level", &loaded.LogLevel, logLevel)
	overrideString(cmd, "log-format", &loaded.LogFormat, logFormat)
	overrideString(cmd, "store", &loaded.Store, storeType)
	overrideString(cmd, "ledger-dir", &loaded.LedgerDir, ledgerDir)
	if err := loaded.Validate(); err != nil {
		return err
	}
	logging.InitWriter(cmd.ErrOrStderr(), loaded.LogLevel, loaded.LogFormat)
	cfg = loaded
	return nil
}

func overrideString(cmd *cobra.Command, flag string, dst *string, value string) {
	if cmd.Flags().Changed(flag) {
		*dst = value
	}
}
