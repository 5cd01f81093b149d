package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/picklr-io/reconciler/internal/ir"
	"github.com/picklr-io/reconciler/internal/logging"
	"github.com/picklr-io/reconciler/internal/plugin"
)

// Network manages a named network. Removal and re-creation go by name, so
// nothing but the declared props is recorded.
type Network struct {
	api API
}

func (n *Network) Name() string { return "docker.network" }

func (n *Network) Identify(_ context.Context, t *ir.Target) (ir.Values, error) {
	var cfg NetworkConfig
	if err := plugin.Decode(t.Fields(), &cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("network requires a name")
	}
	return ir.Values{"name": cfg.Name}, nil
}

func (n *Network) Spawn(ctx context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	var cfg NetworkConfig
	if err := plugin.Decode(t.Props, &cfg); err != nil {
		return nil, err
	}
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would create network", "name", cfg.Name)
		return noop, nil
	}
	if err := n.create(ctx, cfg); err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		return n.remove(ctx, cfg.Name)
	}, nil
}

func (n *Network) Kill(ctx context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	var cfg NetworkConfig
	if err := plugin.Decode(t.Fields(), &cfg); err != nil {
		return nil, err
	}
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would remove network", "name", cfg.Name)
		return noop, nil
	}
	if err := n.remove(ctx, cfg.Name); err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		return n.create(ctx, cfg)
	}, nil
}

func (n *Network) create(ctx context.Context, desired NetworkConfig) error {
	resp, err := n.api.NetworkCreate(ctx, desired.Name, network.CreateOptions{
		Driver:     desired.Driver,
		Internal:   desired.Internal,
		Attachable: desired.Attachable,
		Labels:     desired.Labels,
	})
	if err != nil {
		return fmt.Errorf("failed to create network: %w", err)
	}
	logging.Info("network created", "name", desired.Name, "id", resp.ID)
	return nil
}

func (n *Network) remove(ctx context.Context, name string) error {
	if err := n.api.NetworkRemove(ctx, name); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove network: %w", err)
		}
	}
	return nil
}

type NetworkConfig struct {
	Name       string            `json:"name"`
	Driver     string            `json:"driver"`
	Internal   bool              `json:"internal"`
	Attachable bool              `json:"attachable"`
	Labels     map[string]string `json:"labels"`
}
