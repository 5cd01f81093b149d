package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/picklr-io/reconciler/internal/config"
	"github.com/picklr-io/reconciler/internal/engine"
	"github.com/picklr-io/reconciler/internal/plugin"
	"github.com/picklr-io/reconciler/internal/secrets"
	"github.com/picklr-io/reconciler/internal/state"
	"github.com/picklr-io/reconciler/providers/aws"
	"github.com/picklr-io/reconciler/providers/docker"
	"github.com/picklr-io/reconciler/providers/null"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

func colorize(code string) string {
	if noColor {
		return ""
	}
	return code
}

// resolveEntryPoint splits an optional path argument into the project
// directory and descriptor file. A directory argument keeps file as the
// entry point.
func resolveEntryPoint(args []string, file string) (dir, entry string, err error) {
	dir, err = os.Getwd()
	if err != nil {
		return "", "", fmt.Errorf("failed to get working directory: %w", err)
	}
	entry = file
	if len(args) == 0 {
		return dir, entry, nil
	}

	absPath, err := filepath.Abs(args[0])
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve path %s: %w", args[0], err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to stat path %s: %w", args[0], err)
	}
	if info.IsDir() {
		return absPath, entry, nil
	}
	return filepath.Dir(absPath), filepath.Base(absPath), nil
}

// toolkit is everything a command needs to talk to plugins.
type toolkit struct {
	catalog *plugin.Catalog
	secrets secrets.Source
}

// newToolkit registers every built-in plugin and action. Clients for
// docker and AWS are created on first use.
func newToolkit(c *config.Config) *toolkit {
	catalog := plugin.NewCatalog(null.Hook())
	catalog.RegisterAction(null.EchoAction, null.Echo)
	for _, h := range docker.New().Hooks() {
		catalog.Register(h)
	}
	provider := aws.New(c.S3Region, c.AWSProfile)
	provider.Register(catalog)

	chain := secrets.Chain{secrets.EnvSource{Prefix: c.SecretsPrefix}}
	if c.SecretsManagerPrefix != "" {
		chain = append(chain, provider.SecretsSource(c.SecretsManagerPrefix))
	}
	return &toolkit{catalog: catalog, secrets: chain}
}

// openStore opens the configured ledger store. A relative ledger
// directory is taken relative to the project directory.
func openStore(ctx context.Context, c *config.Config, projectDir string) (state.Store, error) {
	sc := c.StoreConfig()
	if sc.Dir != "" && !filepath.IsAbs(sc.Dir) {
		sc.Dir = filepath.Join(projectDir, sc.Dir)
	}
	store, err := state.NewStore(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger store: %w", err)
	}
	return store, nil
}

// printEvent renders plugin progress as it happens.
func printEvent(w io.Writer) engine.EventCallback {
	return func(ev engine.Event) {
		switch ev.Status {
		case "started":
			fmt.Fprintf(w, "  %s %s %s...\n", ev.Plugin, ev.Action, ev.Target)
		case "completed":
			fmt.Fprintf(w, "%s  %s %s %s done (%s)%s\n", colorize(colorGreen), ev.Plugin, ev.Action, ev.Target, ev.Duration.Round(time.Millisecond), colorize(colorReset))
		case "failed":
			fmt.Fprintf(w, "%s  %s %s %s failed: %v%s\n", colorize(colorRed), ev.Plugin, ev.Action, ev.Target, ev.Err, colorize(colorReset))
		}
	}
}

// renderResult prints the run summary, warnings and revert failures.
func renderResult(w io.Writer, res *engine.Result) {
	if res == nil {
		return
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "%sWarning:%s %s\n", colorize(colorYellow), colorize(colorReset), warn)
	}
	for _, err := range res.RevertErrors {
		fmt.Fprintf(w, "%sRevert failed:%s %v\n", colorize(colorRed), colorize(colorReset), err)
	}

	s := res.Summary
	fmt.Fprintf(w, "\nSummary (%s):\n", res.Phase)
	fmt.Fprintf(w, "  Spawned: %d\n", s.Spawned)
	fmt.Fprintf(w, "  Updated: %d\n", s.Updated)
	fmt.Fprintf(w, "  Reused:  %d\n", s.Reused)
	fmt.Fprintf(w, "  Killed:  %d\n", s.Killed)
}
