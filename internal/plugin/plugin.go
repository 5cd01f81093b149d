// Package plugin defines the contract between the reconciliation engine and
// the code that manages one category of infrastructure.
package plugin

import (
	"context"

	"github.com/picklr-io/reconciler/internal/ir"
)

// RevertFunc undoes a single plugin action.
type RevertFunc func(ctx context.Context) error

// Plugin identifies, spawns and kills targets of one category. Plugins keep
// no state between runs; the engine owns all bookkeeping.
type Plugin interface {
	// Name must be globally unique; it keys ledger entries.
	Name() string

	// Identify returns the fields that make a target the same target across
	// runs.
	Identify(ctx context.Context, t *ir.Target) (ir.Values, error)

	// Spawn creates the target. A nil RevertFunc with a nil error means the
	// action cannot be undone.
	Spawn(ctx context.Context, t *ir.Target) (RevertFunc, error)

	// Kill destroys the target.
	Kill(ctx context.Context, t *ir.Target) (RevertFunc, error)
}

// Updater is implemented by plugins that can change a target in place.
// Plugins without it get kill-then-spawn replace semantics.
type Updater interface {
	Update(ctx context.Context, t *ir.Target, changed ir.Changes) (RevertFunc, error)
}

// Puller is implemented by plugins that read live state before identify.
type Puller interface {
	Pull(ctx context.Context, props ir.Values) (ir.Values, error)
}

// Ephemeral is implemented by plugins with fields that must never take part
// in identity, diffing or persistence.
type Ephemeral interface {
	EphemeralFields() []string
}

// EphemeralSet returns the plugin's ephemeral fields as a set.
func EphemeralSet(p Plugin) map[string]bool {
	set := map[string]bool{}
	if e, ok := p.(Ephemeral); ok {
		for _, f := range e.EphemeralFields() {
			set[f] = true
		}
	}
	return set
}

type dryRunKey struct{}

// WithDryRun marks ctx as belonging to a dry run.
func WithDryRun(ctx context.Context, dryRun bool) context.Context {
	return context.WithValue(ctx, dryRunKey{}, dryRun)
}

// IsDryRun reports whether real side effects should be suppressed. Each
// plugin is responsible for honoring it.
func IsDryRun(ctx context.Context) bool {
	v, _ := ctx.Value(dryRunKey{}).(bool)
	return v
}
