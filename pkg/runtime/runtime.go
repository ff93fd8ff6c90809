// Package runtime is the adapter between instanced and the container runtime
// that hosts challenge sandboxes.
package runtime

import (
	"context"
	"fmt"
	"sort"

	"github.com/arenactf/instanced/pkg/types"
)

// State is the runtime view of a sandbox
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	StateUnknown State = "unknown"
)

// Labels stamped on every managed sandbox
const (
	LabelManaged  = "instanced.managed"
	LabelInstance = "instanced.instance"
	LabelTemplate = "instanced.template"
	LabelTeam     = "instanced.team"
)

// CreateSpec describes a sandbox to create
type CreateSpec struct {
	InstanceID   string
	TemplateID   string
	TeamID       string
	Image        string
	Env          map[string]string
	InternalPort int
	Limits       types.ResourceLimits
	Network      string
}

// Sandbox is a created, started sandbox
type Sandbox struct {
	Handle        string
	PublishedPort int
}

// SandboxInfo describes a managed sandbox found by List
type SandboxInfo struct {
	Handle     string
	InstanceID string
	TemplateID string
	TeamID     string
	State      State
}

// Runtime creates and controls sandboxes.
//
// Create does not wait for the service inside the sandbox to be ready. Inspect
// reports a missing sandbox as StateUnknown and only errors when the runtime
// itself cannot be reached. Stop and Remove are idempotent.
type Runtime interface {
	Name() string
	Create(ctx context.Context, spec CreateSpec) (*Sandbox, error)
	Inspect(ctx context.Context, handle string) (State, error)
	Stop(ctx context.Context, handle string) error
	Remove(ctx context.Context, handle string) error
	List(ctx context.Context) ([]SandboxInfo, error)
	Ping(ctx context.Context) error
}

// New builds the runtime selected by config.Backend
func New(ctx context.Context, config types.RuntimeConfig) (Runtime, error) {
	switch config.Backend {
	case types.RuntimeBackendDocker:
		return NewDockerRuntime(ctx, config.Docker)
	case types.RuntimeBackendKubernetes:
		return NewKubernetesRuntime(config.Kubernetes)
	default:
		return nil, fmt.Errorf("unknown runtime backend: %q", config.Backend)
	}
}

func labelsFor(spec CreateSpec) map[string]string {
	return map[string]string{
		LabelManaged:  "true",
		LabelInstance: spec.InstanceID,
		LabelTemplate: spec.TemplateID,
		LabelTeam:     spec.TeamID,
	}
}

func infoFromLabels(handle string, labels map[string]string, state State) SandboxInfo {
	return SandboxInfo{
		Handle:     handle,
		InstanceID: labels[LabelInstance],
		TemplateID: labels[LabelTemplate],
		TeamID:     labels[LabelTeam],
		State:      state,
	}
}

// envList flattens env into KEY=VALUE pairs in a stable order
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range sortedKeys(env) {
		out = append(out, k+"="+env[k])
	}
	return out
}

func sortedKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func provisionErr(spec CreateSpec, reason string, err error) error {
	return &types.ErrProvision{InstanceId: spec.InstanceID, Reason: reason, Err: err}
}
