package runtime

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	itypes "github.com/arenactf/instanced/pkg/types"
)

type fakeDockerClient struct {
	mu sync.Mutex

	imagePresent bool
	pullDelay    time.Duration
	pullErr      error
	pulls        atomic.Int32

	createErr  error
	startErr   error
	inspectErr error
	stopErr    error
	removeErr  error
	hostPort   string
	state      *types.ContainerState

	lastConfig     *container.Config
	lastHostConfig *container.HostConfig
	lastName       string
	removed        []string
	networks       []string
	containers     []types.Container
}

func (f *fakeDockerClient) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, nil
}

func (f *fakeDockerClient) ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.imagePresent {
		return types.ImageInspect{ID: imageID}, nil, nil
	}
	return types.ImageInspect{}, nil, errdefs.NotFound(errors.New("no such image"))
}

func (f *fakeDockerClient) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	f.pulls.Add(1)
	if f.pullDelay > 0 {
		time.Sleep(f.pullDelay)
	}
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDockerClient) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.networks {
		if n == name {
			return network.CreateResponse{}, errdefs.Conflict(errors.New("network exists"))
		}
	}
	f.networks = append(f.networks, name)
	return network.CreateResponse{ID: name}, nil
}

func (f *fakeDockerClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.lastConfig = config
	f.lastHostConfig = hostConfig
	f.lastName = containerName
	return container.CreateResponse{ID: "cid-1"}, nil
}

func (f *fakeDockerClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return f.startErr
}

func (f *fakeDockerClient) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	if f.inspectErr != nil {
		return types.ContainerJSON{}, f.inspectErr
	}
	state := f.state
	if state == nil {
		state = &types.ContainerState{Status: "running", Running: true}
	}
	ports := nat.PortMap{}
	if f.hostPort != "" {
		ports["8080/tcp"] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: f.hostPort}}
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{ID: containerID, State: state},
		NetworkSettings: &types.NetworkSettings{
			NetworkSettingsBase: types.NetworkSettingsBase{Ports: ports},
		},
	}, nil
}

func (f *fakeDockerClient) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	return f.stopErr
}

func (f *fakeDockerClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return f.removeErr
}

func (f *fakeDockerClient) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	return f.containers, nil
}

func testSpec() CreateSpec {
	return CreateSpec{
		InstanceID:   "0b7c2a4e-1111-2222-3333-444455556666",
		TemplateID:   "web-easy",
		TeamID:       "team-a",
		Image:        "ctf/web-easy:latest",
		Env:          map[string]string{"FLAG": "CTF{x}", "TEAM_ID": "team-a"},
		InternalPort: 8080,
		Limits:       itypes.ResourceLimits{Memory: "100m", CPUs: 0.5},
	}
}

func TestDockerCreate(t *testing.T) {
	cli := &fakeDockerClient{hostPort: "32768"}
	r := newDockerRuntime(cli, itypes.DockerConfig{Network: "ctf_network"})

	sandbox, err := r.Create(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, "cid-1", sandbox.Handle)
	assert.Equal(t, 32768, sandbox.PublishedPort)
	assert.Equal(t, int32(1), cli.pulls.Load())

	assert.Equal(t, "ctf-0b7c2a4e-1111-2222-3333-444455556666", cli.lastName)
	assert.Equal(t, []string{"FLAG=CTF{x}", "TEAM_ID=team-a"}, cli.lastConfig.Env)
	assert.Equal(t, "true", cli.lastConfig.Labels[LabelManaged])
	assert.Equal(t, "team-a", cli.lastConfig.Labels[LabelTeam])
	assert.Contains(t, cli.lastConfig.ExposedPorts, nat.Port("8080/tcp"))

	hc := cli.lastHostConfig
	assert.Equal(t, int64(100*1024*1024), hc.Resources.Memory)
	assert.Equal(t, int64(500_000_000), hc.Resources.NanoCPUs)
	assert.Equal(t, container.NetworkMode("ctf_network"), hc.NetworkMode)
	assert.Equal(t, []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}}, hc.PortBindings["8080/tcp"])
	assert.Equal(t, []string{"ctf_network"}, cli.networks)
}

func TestDockerCreateSkipsPullWhenPresent(t *testing.T) {
	cli := &fakeDockerClient{hostPort: "32768", imagePresent: true}
	r := newDockerRuntime(cli, itypes.DockerConfig{})

	_, err := r.Create(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, int32(0), cli.pulls.Load())
}

func TestDockerConcurrentPullsCoalesce(t *testing.T) {
	cli := &fakeDockerClient{hostPort: "32768", pullDelay: 100 * time.Millisecond}
	r := newDockerRuntime(cli, itypes.DockerConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.ensureImage(context.Background(), "ctf/web-easy:latest"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), cli.pulls.Load())

	// A verified image is served from the cache afterwards
	require.NoError(t, r.ensureImage(context.Background(), "ctf/web-easy:latest"))
	assert.Equal(t, int32(1), cli.pulls.Load())
}

func TestDockerCreatePullFailure(t *testing.T) {
	cli := &fakeDockerClient{pullErr: errors.New("manifest unknown")}
	r := newDockerRuntime(cli, itypes.DockerConfig{})

	_, err := r.Create(context.Background(), testSpec())
	var provisionErr *itypes.ErrProvision
	require.ErrorAs(t, err, &provisionErr)
	assert.Equal(t, "image pull failed", provisionErr.Reason)
	assert.False(t, provisionErr.Retryable())
}

func TestDockerCreateUnreachable(t *testing.T) {
	cli := &fakeDockerClient{imagePresent: true, createErr: client.ErrorConnectionFailed("unix:///var/run/docker.sock")}
	r := newDockerRuntime(cli, itypes.DockerConfig{})

	_, err := r.Create(context.Background(), testSpec())
	var unavailable *itypes.ErrRuntimeUnavailable
	assert.ErrorAs(t, err, &unavailable)
}

func TestDockerCreateStartFailureRemovesContainer(t *testing.T) {
	cli := &fakeDockerClient{imagePresent: true, startErr: errors.New("port is already allocated")}
	r := newDockerRuntime(cli, itypes.DockerConfig{})

	_, err := r.Create(context.Background(), testSpec())
	assert.Error(t, err)
	assert.Equal(t, []string{"cid-1"}, cli.removed)
}

func TestDockerCreateWithoutPublishedPort(t *testing.T) {
	cli := &fakeDockerClient{imagePresent: true}
	r := newDockerRuntime(cli, itypes.DockerConfig{})

	_, err := r.Create(context.Background(), testSpec())
	assert.Error(t, err)
	assert.Equal(t, []string{"cid-1"}, cli.removed)
}

func TestDockerCreateHostMemoryGuard(t *testing.T) {
	cli := &fakeDockerClient{imagePresent: true, hostPort: "32768"}
	r := newDockerRuntime(cli, itypes.DockerConfig{MinFreeMemoryMB: 512})
	r.guard.available = func() (uint64, error) { return 128 * 1024 * 1024, nil }

	_, err := r.Create(context.Background(), testSpec())
	var provisionErr *itypes.ErrProvision
	require.ErrorAs(t, err, &provisionErr)
	assert.Equal(t, "insufficient host resources", provisionErr.Reason)
	assert.Nil(t, cli.lastConfig)
}

func TestDockerCreateInvalidMemory(t *testing.T) {
	cli := &fakeDockerClient{imagePresent: true}
	r := newDockerRuntime(cli, itypes.DockerConfig{})

	spec := testSpec()
	spec.Limits.Memory = "lots"
	_, err := r.Create(context.Background(), spec)
	var provisionErr *itypes.ErrProvision
	assert.ErrorAs(t, err, &provisionErr)
}

func TestDockerInspect(t *testing.T) {
	cli := &fakeDockerClient{}
	r := newDockerRuntime(cli, itypes.DockerConfig{})

	state, err := r.Inspect(context.Background(), "cid-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	cli.state = &types.ContainerState{Status: "exited", ExitCode: 137}
	state, err = r.Inspect(context.Background(), "cid-1")
	require.NoError(t, err)
	assert.Equal(t, StateExited, state)

	cli.inspectErr = errdefs.NotFound(errors.New("no such container"))
	state, err = r.Inspect(context.Background(), "cid-1")
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, state)

	cli.inspectErr = client.ErrorConnectionFailed("unix:///var/run/docker.sock")
	_, err = r.Inspect(context.Background(), "cid-1")
	var unavailable *itypes.ErrRuntimeUnavailable
	assert.ErrorAs(t, err, &unavailable)
}

func TestDockerInspectTransientErrors(t *testing.T) {
	daemonErr := errdefs.System(errors.New("daemon 500"))

	for _, inspectErr := range []error{daemonErr, context.DeadlineExceeded} {
		cli := &fakeDockerClient{inspectErr: inspectErr}
		r := newDockerRuntime(cli, itypes.DockerConfig{})

		state, err := r.Inspect(context.Background(), "cid-1")
		require.Error(t, err)
		assert.ErrorIs(t, err, inspectErr)
		assert.Equal(t, StateUnknown, state)

		var unavailable *itypes.ErrRuntimeUnavailable
		assert.False(t, errors.As(err, &unavailable))
	}
}

func TestDockerPullSurvivesFirstCallerCancel(t *testing.T) {
	cli := &fakeDockerClient{pullDelay: 100 * time.Millisecond}
	r := newDockerRuntime(cli, itypes.DockerConfig{})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		firstErr <- r.ensureImage(first, "ctf/web:1")
	}()

	// Let the first caller start the pull, then join it and drop the first caller
	time.Sleep(20 * time.Millisecond)
	secondErr := make(chan error, 1)
	go func() {
		secondErr <- r.ensureImage(context.Background(), "ctf/web:1")
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	assert.NoError(t, <-secondErr)
	assert.Equal(t, int32(1), cli.pulls.Load())
}

func TestDockerStopRemoveIdempotent(t *testing.T) {
	cli := &fakeDockerClient{
		stopErr:   errdefs.NotFound(errors.New("no such container")),
		removeErr: errdefs.NotFound(errors.New("no such container")),
	}
	r := newDockerRuntime(cli, itypes.DockerConfig{})

	assert.NoError(t, r.Stop(context.Background(), "gone"))
	assert.NoError(t, r.Remove(context.Background(), "gone"))
}

func TestDockerList(t *testing.T) {
	cli := &fakeDockerClient{containers: []types.Container{
		{ID: "a", State: "running", Labels: map[string]string{LabelManaged: "true", LabelInstance: "i-1", LabelTeam: "t1", LabelTemplate: "web"}},
		{ID: "b", State: "exited", Labels: map[string]string{LabelManaged: "true", LabelInstance: "i-2"}},
	}}
	r := newDockerRuntime(cli, itypes.DockerConfig{})

	infos, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, SandboxInfo{Handle: "a", InstanceID: "i-1", TemplateID: "web", TeamID: "t1", State: StateRunning}, infos[0])
	assert.Equal(t, StateExited, infos[1].State)
}

func TestMemoryGuard(t *testing.T) {
	var g *memoryGuard
	assert.NoError(t, g.check())

	g = newMemoryGuard(0)
	assert.NoError(t, g.check())

	g = newMemoryGuard(100)
	g.available = func() (uint64, error) { return 200 * 1024 * 1024, nil }
	assert.NoError(t, g.check())

	g.available = func() (uint64, error) { return 50 * 1024 * 1024, nil }
	assert.Error(t, g.check())

	g.available = func() (uint64, error) { return 0, errors.New("no /proc") }
	assert.NoError(t, g.check())
}
