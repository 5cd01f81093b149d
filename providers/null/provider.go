// Package null provides a plugin whose targets exist only in the ledger.
// It is useful for tests and for triggering replacements from descriptors.
package null

import (
	"context"
	"fmt"

	"github.com/picklr-io/reconciler/internal/ir"
	"github.com/picklr-io/reconciler/internal/logging"
	"github.com/picklr-io/reconciler/internal/plugin"
)

const (
	Name   = "null"
	Source = "builtin/null"

	EchoAction = "null.echo"
)

type Provider struct{}

func New() *Provider {
	return &Provider{}
}

// Hook returns the catalog entry for the null plugin.
func Hook() plugin.HookRef {
	return plugin.Static(Source, New())
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Identify(_ context.Context, t *ir.Target) (ir.Values, error) {
	var cfg Config
	if err := plugin.Decode(t.Fields(), &cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("null target requires a name")
	}
	return ir.Values{"name": cfg.Name}, nil
}

// Pull derives the id. A null target always "exists" as soon as it is
// declared, so the id is stable between spawn and later runs.
func (p *Provider) Pull(_ context.Context, props ir.Values) (ir.Values, error) {
	var cfg Config
	if err := plugin.Decode(props, &cfg); err != nil {
		return nil, err
	}
	return ir.Values{"id": fmt.Sprintf("null-%s", cfg.Name)}, nil
}

// Spawn does nothing. Changing triggers causes a replace, since null has
// no Update.
func (p *Provider) Spawn(ctx context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	logging.Debug("null spawn", "target", t.Label(), "dryRun", plugin.IsDryRun(ctx))
	return func(context.Context) error {
		logging.Debug("null spawn reverted", "target", t.Label())
		return nil
	}, nil
}

func (p *Provider) Kill(ctx context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	logging.Debug("null kill", "target", t.Label(), "dryRun", plugin.IsDryRun(ctx))
	return func(context.Context) error {
		logging.Debug("null kill reverted", "target", t.Label())
		return nil
	}, nil
}

// Echo is an action returning its props unchanged.
func Echo(_ context.Context, props map[string]any) (any, error) {
	return props, nil
}

type Config struct {
	Name     string            `json:"name"`
	Triggers map[string]string `json:"triggers"`
}
