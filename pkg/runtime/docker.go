package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/hashicorp/golang-lru/v2/expirable"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/arenactf/instanced/pkg/common"
	itypes "github.com/arenactf/instanced/pkg/types"
)

const (
	dockerBackendName     = "docker"
	defaultPullTimeout    = 5 * time.Minute
	defaultStopTimeout    = 10 * time.Second
	defaultImageCacheSize = 128
	defaultImageCacheTTL  = 10 * time.Minute
)

// dockerAPI is the subset of the docker client used here
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

type DockerRuntime struct {
	cli         dockerAPI
	config      itypes.DockerConfig
	guard       *memoryGuard
	pulls       singleflight.Group
	images      *expirable.LRU[string, struct{}]
	networks    *expirable.LRU[string, struct{}]
	stopTimeout int
}

func NewDockerRuntime(ctx context.Context, config itypes.DockerConfig) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if config.Host != "" {
		opts = append(opts, client.WithHost(config.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	r := newDockerRuntime(cli, config)
	if err := r.Ping(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func newDockerRuntime(cli dockerAPI, config itypes.DockerConfig) *DockerRuntime {
	if config.PullTimeout <= 0 {
		config.PullTimeout = defaultPullTimeout
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = defaultStopTimeout
	}
	if config.ImageCacheSize <= 0 {
		config.ImageCacheSize = defaultImageCacheSize
	}
	if config.ImageCacheTTL <= 0 {
		config.ImageCacheTTL = defaultImageCacheTTL
	}

	return &DockerRuntime{
		cli:         cli,
		config:      config,
		guard:       newMemoryGuard(config.MinFreeMemoryMB),
		images:      expirable.NewLRU[string, struct{}](config.ImageCacheSize, nil, config.ImageCacheTTL),
		networks:    expirable.NewLRU[string, struct{}](16, nil, config.ImageCacheTTL),
		stopTimeout: int(config.StopTimeout.Seconds()),
	}
}

func (r *DockerRuntime) Name() string {
	return dockerBackendName
}

func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return &itypes.ErrRuntimeUnavailable{Backend: dockerBackendName, Err: err}
	}
	return nil
}

func (r *DockerRuntime) Create(ctx context.Context, spec CreateSpec) (*Sandbox, error) {
	if err := r.guard.check(); err != nil {
		return nil, provisionErr(spec, "insufficient host resources", err)
	}

	if err := r.ensureImage(ctx, spec.Image); err != nil {
		return nil, r.classify(spec, "image pull failed", err)
	}

	networkName := spec.Network
	if networkName == "" {
		networkName = r.config.Network
	}
	if networkName != "" {
		if err := r.ensureNetwork(ctx, networkName); err != nil {
			return nil, r.classify(spec, "network setup failed", err)
		}
	}

	containerConfig, hostConfig, err := buildContainerConfig(spec, networkName)
	if err != nil {
		return nil, provisionErr(spec, "invalid sandbox config", err)
	}

	resp, err := r.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, common.SandboxName(spec.InstanceID))
	if err != nil {
		return nil, r.classify(spec, "container create failed", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		r.forceRemove(resp.ID)
		return nil, r.classify(spec, "container start failed", err)
	}

	inspect, err := r.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		r.forceRemove(resp.ID)
		return nil, r.classify(spec, "container inspect failed", err)
	}

	port, err := publishedPort(inspect, spec.InternalPort)
	if err != nil {
		r.forceRemove(resp.ID)
		return nil, provisionErr(spec, "no published port", err)
	}

	log.Debug().
		Str("instance_id", spec.InstanceID).
		Str("container_id", resp.ID).
		Int("published_port", port).
		Msg("sandbox container started")

	return &Sandbox{Handle: resp.ID, PublishedPort: port}, nil
}

func (r *DockerRuntime) Inspect(ctx context.Context, handle string) (State, error) {
	inspect, err := r.cli.ContainerInspect(ctx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) || client.IsErrNotFound(err) {
			return StateUnknown, nil
		}
		if client.IsErrConnectionFailed(err) {
			return StateUnknown, &itypes.ErrRuntimeUnavailable{Backend: dockerBackendName, Err: err}
		}
		return StateUnknown, fmt.Errorf("inspect container %s: %w", handle, err)
	}
	return containerState(inspect.State), nil
}

func (r *DockerRuntime) Stop(ctx context.Context, handle string) error {
	timeout := r.stopTimeout
	err := r.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout})
	if err == nil || errdefs.IsNotFound(err) || client.IsErrNotFound(err) {
		return nil
	}
	if client.IsErrConnectionFailed(err) {
		return &itypes.ErrRuntimeUnavailable{Backend: dockerBackendName, Err: err}
	}
	return fmt.Errorf("stop container %s: %w", handle, err)
}

func (r *DockerRuntime) Remove(ctx context.Context, handle string) error {
	err := r.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
	if err == nil || errdefs.IsNotFound(err) || client.IsErrNotFound(err) {
		return nil
	}
	if client.IsErrConnectionFailed(err) {
		return &itypes.ErrRuntimeUnavailable{Backend: dockerBackendName, Err: err}
	}
	return fmt.Errorf("remove container %s: %w", handle, err)
}

func (r *DockerRuntime) List(ctx context.Context) ([]SandboxInfo, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		if client.IsErrConnectionFailed(err) {
			return nil, &itypes.ErrRuntimeUnavailable{Backend: dockerBackendName, Err: err}
		}
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]SandboxInfo, 0, len(containers))
	for _, c := range containers {
		state := StateExited
		if c.State == "running" {
			state = StateRunning
		}
		out = append(out, infoFromLabels(c.ID, c.Labels, state))
	}
	return out, nil
}

// ensureImage pulls img unless it was seen recently or is already present.
// Concurrent pulls of one image collapse into a single request.
func (r *DockerRuntime) ensureImage(ctx context.Context, img string) error {
	if _, ok := r.images.Get(img); ok {
		return nil
	}

	// The pull is shared by every caller waiting on img, so it must not die with the first one
	sharedCtx := context.WithoutCancel(ctx)

	ch := r.pulls.DoChan(img, func() (any, error) {
		if _, _, err := r.cli.ImageInspectWithRaw(sharedCtx, img); err == nil {
			r.images.Add(img, struct{}{})
			return nil, nil
		} else if !errdefs.IsNotFound(err) && !client.IsErrNotFound(err) {
			return nil, err
		}

		pullCtx, cancel := context.WithTimeout(sharedCtx, r.config.PullTimeout)
		defer cancel()

		log.Info().Str("image", img).Msg("pulling challenge image")
		rc, err := r.cli.ImagePull(pullCtx, img, image.PullOptions{})
		if err != nil {
			return nil, err
		}
		defer rc.Close()

		// The pull only completes once the progress stream is drained
		if _, err := io.Copy(io.Discard, rc); err != nil {
			return nil, err
		}

		r.images.Add(img, struct{}{})
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (r *DockerRuntime) ensureNetwork(ctx context.Context, name string) error {
	if _, ok := r.networks.Get(name); ok {
		return nil
	}

	_, err, _ := r.pulls.Do("network:"+name, func() (any, error) {
		_, err := r.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
		if err != nil && !errdefs.IsConflict(err) {
			return nil, err
		}
		r.networks.Add(name, struct{}{})
		return nil, nil
	})
	return err
}

func (r *DockerRuntime) forceRemove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		log.Warn().Err(err).Str("container_id", id).Msg("failed to remove container after create error")
	}
}

func (r *DockerRuntime) classify(spec CreateSpec, reason string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return &itypes.ErrRuntimeUnavailable{Backend: dockerBackendName, Err: err}
	}
	return provisionErr(spec, reason, err)
}

func buildContainerConfig(spec CreateSpec, networkName string) (*container.Config, *container.HostConfig, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(spec.InternalPort))
	if err != nil {
		return nil, nil, err
	}

	resources := container.Resources{}
	if spec.Limits.Memory != "" {
		memory, err := units.RAMInBytes(spec.Limits.Memory)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid memory limit %q: %w", spec.Limits.Memory, err)
		}
		resources.Memory = memory
	}
	if spec.Limits.CPUs > 0 {
		resources.NanoCPUs = int64(spec.Limits.CPUs * 1e9)
	}

	containerConfig := &container.Config{
		Image:        spec.Image,
		Env:          envList(spec.Env),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       labelsFor(spec),
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		},
		Resources:     resources,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}
	if networkName != "" {
		hostConfig.NetworkMode = container.NetworkMode(networkName)
	}

	return containerConfig, hostConfig, nil
}

func publishedPort(inspect types.ContainerJSON, internalPort int) (int, error) {
	if inspect.NetworkSettings == nil {
		return 0, fmt.Errorf("container has no network settings")
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(internalPort))
	if err != nil {
		return 0, err
	}

	for _, binding := range inspect.NetworkSettings.Ports[port] {
		if binding.HostPort == "" {
			continue
		}
		p, err := strconv.Atoi(binding.HostPort)
		if err != nil {
			return 0, fmt.Errorf("invalid host port %q: %w", binding.HostPort, err)
		}
		return p, nil
	}
	return 0, fmt.Errorf("port %s is not published", port)
}

func containerState(state *types.ContainerState) State {
	if state == nil {
		return StateUnknown
	}
	if state.Running {
		return StateRunning
	}
	switch state.Status {
	case "exited", "dead", "removing", "paused":
		return StateExited
	case "created", "restarting":
		return StateUnknown
	}
	return StateExited
}
