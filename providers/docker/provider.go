// Package docker provides container, network and volume plugins backed by
// the local Docker daemon.
package docker

import (
	"context"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/picklr-io/reconciler/internal/plugin"
)

const (
	ContainerSource = "builtin/docker/container"
	NetworkSource   = "builtin/docker/network"
	VolumeSource    = "builtin/docker/volume"
)

// API is the subset of the Docker client the plugins use.
type API interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
}

// Provider shares one lazily created Docker client between the plugins.
type Provider struct {
	mu     sync.Mutex
	client API
}

func New() *Provider {
	return &Provider{}
}

// NewWithClient uses api instead of connecting to the daemon.
func NewWithClient(api API) *Provider {
	return &Provider{client: api}
}

func (p *Provider) ensureClient() (API, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	p.client = cli
	return cli, nil
}

// Hooks returns catalog entries for every docker plugin. The daemon is not
// contacted until a plugin is first loaded.
func (p *Provider) Hooks() []plugin.HookRef {
	return []plugin.HookRef{
		plugin.Hook(ContainerSource, func(context.Context) (plugin.Plugin, error) {
			api, err := p.ensureClient()
			if err != nil {
				return nil, err
			}
			return &Container{api: api}, nil
		}),
		plugin.Hook(NetworkSource, func(context.Context) (plugin.Plugin, error) {
			api, err := p.ensureClient()
			if err != nil {
				return nil, err
			}
			return &Network{api: api}, nil
		}),
		plugin.Hook(VolumeSource, func(context.Context) (plugin.Plugin, error) {
			api, err := p.ensureClient()
			if err != nil {
				return nil, err
			}
			return &Volume{api: api}, nil
		}),
	}
}

func noop(context.Context) error { return nil }
