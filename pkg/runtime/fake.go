package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arenactf/instanced/pkg/types"
)

// FakeRuntime is an in-memory Runtime for tests of code that drives sandboxes
type FakeRuntime struct {
	mu       sync.Mutex
	nextPort int
	nextID   int
	sandbox  map[string]*fakeSandbox

	// CreateDelay is slept (respecting ctx) before Create returns
	CreateDelay time.Duration
	// CreateErr, when set, is returned by every Create
	CreateErr error
	// InitialState is the state newly created sandboxes report; defaults to running
	InitialState State
	// Unavailable makes every call fail with ErrRuntimeUnavailable
	Unavailable bool
	// StopErr, when set, is returned by every Stop
	StopErr error
	// InspectErr, when set, is returned by every Inspect
	InspectErr error

	Creates int
	Stops   int
	Removes int
}

type fakeSandbox struct {
	spec    CreateSpec
	port    int
	state   State
	removed bool
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		nextPort: 30000,
		sandbox:  make(map[string]*fakeSandbox),
	}
}

func (f *FakeRuntime) Name() string {
	return "fake"
}

func (f *FakeRuntime) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unavailable()
}

func (f *FakeRuntime) Create(ctx context.Context, spec CreateSpec) (*Sandbox, error) {
	f.mu.Lock()
	f.Creates++
	delay := f.CreateDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.unavailable(); err != nil {
		return nil, err
	}
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}

	state := f.InitialState
	if state == "" {
		state = StateRunning
	}

	f.nextID++
	f.nextPort++
	handle := fmt.Sprintf("fake-%d", f.nextID)
	f.sandbox[handle] = &fakeSandbox{spec: spec, port: f.nextPort, state: state}

	return &Sandbox{Handle: handle, PublishedPort: f.nextPort}, nil
}

func (f *FakeRuntime) Inspect(ctx context.Context, handle string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.unavailable(); err != nil {
		return StateUnknown, err
	}
	if f.InspectErr != nil {
		return StateUnknown, f.InspectErr
	}
	s, ok := f.sandbox[handle]
	if !ok || s.removed {
		return StateUnknown, nil
	}
	return s.state, nil
}

func (f *FakeRuntime) Stop(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Stops++
	if err := f.unavailable(); err != nil {
		return err
	}
	if f.StopErr != nil {
		return f.StopErr
	}
	if s, ok := f.sandbox[handle]; ok {
		s.state = StateExited
	}
	return nil
}

func (f *FakeRuntime) Remove(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Removes++
	if err := f.unavailable(); err != nil {
		return err
	}
	if s, ok := f.sandbox[handle]; ok {
		s.removed = true
	}
	return nil
}

func (f *FakeRuntime) List(ctx context.Context) ([]SandboxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.unavailable(); err != nil {
		return nil, err
	}

	out := make([]SandboxInfo, 0, len(f.sandbox))
	for handle, s := range f.sandbox {
		if s.removed {
			continue
		}
		out = append(out, infoFromLabels(handle, labelsFor(s.spec), s.state))
	}
	return out, nil
}

// SetState overrides what Inspect reports for handle
func (f *FakeRuntime) SetState(handle string, state State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sandbox[handle]; ok {
		s.state = state
	}
}

// AddOrphan registers a sandbox that no registry knows about
func (f *FakeRuntime) AddOrphan(handle string, spec CreateSpec, state State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sandbox[handle] = &fakeSandbox{spec: spec, state: state}
}

// Env returns the environment a sandbox was created with
func (f *FakeRuntime) Env(handle string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sandbox[handle]; ok {
		return s.spec.Env
	}
	return nil
}

// Live counts sandboxes that have not been removed
func (f *FakeRuntime) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sandbox {
		if !s.removed {
			n++
		}
	}
	return n
}

// Counts returns the Create, Stop and Remove call counts
func (f *FakeRuntime) Counts() (creates, stops, removes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Creates, f.Stops, f.Removes
}

// Configure mutates the fake's knobs under its lock
func (f *FakeRuntime) Configure(fn func(f *FakeRuntime)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *FakeRuntime) unavailable() error {
	if f.Unavailable {
		return &types.ErrRuntimeUnavailable{Backend: "fake", Err: fmt.Errorf("connection refused")}
	}
	return nil
}
