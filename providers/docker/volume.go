package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/picklr-io/reconciler/internal/ir"
	"github.com/picklr-io/reconciler/internal/logging"
	"github.com/picklr-io/reconciler/internal/plugin"
)

// Volume manages a named volume. Killing a volume destroys its data, so
// kill has no revert.
type Volume struct {
	api API
}

func (v *Volume) Name() string { return "docker.volume" }

func (v *Volume) Identify(_ context.Context, t *ir.Target) (ir.Values, error) {
	var cfg VolumeConfig
	if err := plugin.Decode(t.Fields(), &cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("volume requires a name")
	}
	return ir.Values{"name": cfg.Name}, nil
}

func (v *Volume) Spawn(ctx context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	var cfg VolumeConfig
	if err := plugin.Decode(t.Props, &cfg); err != nil {
		return nil, err
	}
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would create volume", "name", cfg.Name)
		return noop, nil
	}

	vol, err := v.api.VolumeCreate(ctx, volume.CreateOptions{
		Name:       cfg.Name,
		Driver:     cfg.Driver,
		DriverOpts: cfg.DriverOpts,
		Labels:     cfg.Labels,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create volume: %w", err)
	}
	logging.Info("volume created", "name", vol.Name, "driver", vol.Driver)
	return func(ctx context.Context) error {
		return v.remove(ctx, vol.Name)
	}, nil
}

func (v *Volume) Kill(ctx context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	var cfg VolumeConfig
	if err := plugin.Decode(t.Fields(), &cfg); err != nil {
		return nil, err
	}
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would remove volume", "name", cfg.Name)
		return noop, nil
	}
	return nil, v.remove(ctx, cfg.Name)
}

func (v *Volume) remove(ctx context.Context, name string) error {
	if err := v.api.VolumeRemove(ctx, name, true); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove volume: %w", err)
		}
	}
	return nil
}

type VolumeConfig struct {
	Name       string            `json:"name"`
	Driver     string            `json:"driver"`
	DriverOpts map[string]string `json:"driverOpts"`
	Labels     map[string]string `json:"labels"`
}
