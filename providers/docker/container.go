package docker

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/picklr-io/reconciler/internal/ir"
	"github.com/picklr-io/reconciler/internal/logging"
	"github.com/picklr-io/reconciler/internal/plugin"
)

// Container manages one named container. It has no Update: any change
// replaces the container.
type Container struct {
	api API
}

func (c *Container) Name() string { return "docker.container" }

func (c *Container) Identify(_ context.Context, t *ir.Target) (ir.Values, error) {
	var cfg ContainerConfig
	if err := plugin.Decode(t.Fields(), &cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("container requires a name")
	}
	return ir.Values{"name": cfg.Name}, nil
}

// Pull records the id of the running container with the declared name, so
// a container recreated outside the reconciler shows up as drift.
func (c *Container) Pull(ctx context.Context, props ir.Values) (ir.Values, error) {
	var cfg ContainerConfig
	if err := plugin.Decode(props, &cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("container requires a name")
	}
	inspect, err := c.api.ContainerInspect(ctx, cfg.Name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ir.Values{}, nil
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", cfg.Name, err)
	}
	if inspect.ContainerJSONBase == nil {
		return ir.Values{}, nil
	}
	return ir.Values{"containerId": inspect.ID}, nil
}

func (c *Container) Spawn(ctx context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	var cfg ContainerConfig
	if err := plugin.Decode(t.Props, &cfg); err != nil {
		return nil, err
	}
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would create container", "name", cfg.Name, "image", cfg.Image)
		return noop, nil
	}

	id, err := c.create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if t.State == nil {
		t.State = ir.Values{}
	}
	t.State["containerId"] = id
	return func(ctx context.Context) error {
		return c.remove(ctx, id)
	}, nil
}

func (c *Container) Kill(ctx context.Context, t *ir.Target) (plugin.RevertFunc, error) {
	var cfg ContainerConfig
	if err := plugin.Decode(t.Fields(), &cfg); err != nil {
		return nil, err
	}
	ref := t.String("containerId")
	if ref == "" {
		ref = cfg.Name
	}
	if plugin.IsDryRun(ctx) {
		logging.Info("dry run: would remove container", "name", cfg.Name)
		return noop, nil
	}

	if err := c.remove(ctx, ref); err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		_, err := c.create(ctx, cfg)
		return err
	}, nil
}

func (c *Container) remove(ctx context.Context, ref string) error {
	timeout := 10 // seconds
	_ = c.api.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout})
	if err := c.api.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove container: %w", err)
		}
	}
	return nil
}

func (c *Container) create(ctx context.Context, desired ContainerConfig) (string, error) {
	reader, err := c.api.ImagePull(ctx, desired.Image, image.PullOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", desired.Image, err)
	}
	n, _ := io.Copy(io.Discard, reader)
	reader.Close()
	logging.Debug("image pulled", "image", desired.Image, "progressBytes", n)

	portBindings := nat.PortMap{}
	for hostPort, containerPort := range desired.Ports {
		p := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		portBindings[p] = append(portBindings[p], nat.PortBinding{
			HostIP:   "0.0.0.0",
			HostPort: hostPort,
		})
	}

	var binds []string
	for _, v := range desired.Volumes {
		parts := strings.SplitN(v, ":", 2)
		if strings.HasPrefix(parts[0], "./") || strings.HasPrefix(parts[0], "../") {
			if abs, err := filepath.Abs(parts[0]); err == nil {
				parts[0] = abs
				binds = append(binds, strings.Join(parts, ":"))
				continue
			}
		}
		binds = append(binds, v)
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		Binds:        binds,
	}
	if len(desired.Networks) > 0 {
		hostConfig.NetworkMode = container.NetworkMode(desired.Networks[0])
	}
	if desired.Restart != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(desired.Restart),
		}
	}
	if desired.Logging != nil {
		hostConfig.LogConfig = container.LogConfig{
			Type:   desired.Logging.Driver,
			Config: desired.Logging.Options,
		}
	}

	config := &container.Config{
		Image:      desired.Image,
		Cmd:        desired.Command,
		Env:        envList(desired.Env),
		Labels:     desired.Labels,
		WorkingDir: desired.WorkingDir,
		User:       desired.User,
	}

	if desired.Healthcheck != nil {
		test := desired.Healthcheck.Test
		if len(test) == 0 {
			test = []string{"NONE"}
		}
		interval, _ := time.ParseDuration(desired.Healthcheck.Interval)
		timeout, _ := time.ParseDuration(desired.Healthcheck.Timeout)
		startPeriod, _ := time.ParseDuration(desired.Healthcheck.StartPeriod)

		config.Healthcheck = &container.HealthConfig{
			Test:        test,
			Interval:    interval,
			Timeout:     timeout,
			StartPeriod: startPeriod,
			Retries:     desired.Healthcheck.Retries,
		}
	}

	platform, err := parsePlatform(desired.Platform)
	if err != nil {
		return "", err
	}

	resp, err := c.api.ContainerCreate(ctx,
		config,
		hostConfig,
		&network.NetworkingConfig{},
		platform,
		desired.Name,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := c.remove(ctx, resp.ID); rmErr != nil {
			logging.Warn("failed to clean up container after start failure", "id", resp.ID, "error", rmErr)
		}
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	logging.Info("container started", "name", desired.Name, "id", resp.ID)
	return resp.ID, nil
}

// parsePlatform reads "os/arch[/variant]". An empty string leaves the
// choice to the daemon.
func parsePlatform(s string) (*v1.Platform, error) {
	if s == "" {
		return &v1.Platform{}, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid platform %q, want os/arch[/variant]", s)
	}
	p := &v1.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p, nil
}

func envList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)
	return env
}

type ContainerConfig struct {
	Image       string             `json:"image"`
	Name        string             `json:"name"`
	Platform    string             `json:"platform"`
	Command     []string           `json:"command"`
	Ports       map[string]int     `json:"ports"`
	Env         map[string]string  `json:"env"`
	Networks    []string           `json:"networks"`
	Volumes     []string           `json:"volumes"`
	Labels      map[string]string  `json:"labels"`
	WorkingDir  string             `json:"workingDir"`
	User        string             `json:"user"`
	Restart     string             `json:"restart"`
	Healthcheck *HealthcheckConfig `json:"healthcheck"`
	Logging     *LoggingConfig     `json:"logging"`
}

type HealthcheckConfig struct {
	Test        []string `json:"test"`
	Interval    string   `json:"interval"`
	Timeout     string   `json:"timeout"`
	StartPeriod string   `json:"startPeriod"`
	Retries     int      `json:"retries"`
}

type LoggingConfig struct {
	Driver  string            `json:"driver"`
	Options map[string]string `json:"options"`
}
