// Package orchestrator allocates challenge instances to teams and tears them down.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arenactf/instanced/pkg/common"
	"github.com/arenactf/instanced/pkg/flag"
	"github.com/arenactf/instanced/pkg/metrics"
	"github.com/arenactf/instanced/pkg/repository"
	"github.com/arenactf/instanced/pkg/runtime"
	"github.com/arenactf/instanced/pkg/templates"
	"github.com/arenactf/instanced/pkg/types"
)

// Environment variables injected into every sandbox
const (
	EnvTeamID      = "TEAM_ID"
	EnvChallengeID = "CHALLENGE_ID"
	EnvFlag        = "FLAG"
)

// Teardown reasons
const (
	ReasonReleased = "released"
	ReasonExpired  = "expired"
)

const (
	defaultWaitTimeout       = 15 * time.Second
	defaultProvisionTimeout  = 60 * time.Second
	defaultReadyPollInterval = 500 * time.Millisecond
	defaultTeardownTimeout   = 30 * time.Second
)

// AcquireRequest is a validated request from the platform's routing layer
type AcquireRequest struct {
	TemplateID string
	TeamID     string
	UserID     string
}

// Requester identifies who is acting on an existing instance
type Requester struct {
	TeamID     string
	Privileged bool
}

// CanAccess reports whether the requester may see or release inst
func (r Requester) CanAccess(inst *types.Instance) bool {
	return r.Privileged || (r.TeamID != "" && r.TeamID == inst.TeamID)
}

type Orchestrator struct {
	repo    repository.InstanceRepository
	runtime runtime.Runtime
	catalog templates.Catalog
	flags   *flag.Generator
	events  common.EventEmitter
	metrics *metrics.Collectors
	config  types.OrchestratorConfig
	host    string
	now     func() time.Time
}

func NewOrchestrator(
	config types.AppConfig,
	repo repository.InstanceRepository,
	rt runtime.Runtime,
	catalog templates.Catalog,
	events common.EventEmitter,
	m *metrics.Collectors,
) (*Orchestrator, error) {
	flags, err := flag.NewGenerator(config.Flag)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = common.NopEmitter{}
	}

	oc := config.Orchestrator
	if oc.WaitTimeout <= 0 {
		oc.WaitTimeout = defaultWaitTimeout
	}
	if oc.ProvisionTimeout <= 0 {
		oc.ProvisionTimeout = defaultProvisionTimeout
	}
	if oc.ReadyPollInterval <= 0 {
		oc.ReadyPollInterval = defaultReadyPollInterval
	}
	if oc.TeardownTimeout <= 0 {
		oc.TeardownTimeout = defaultTeardownTimeout
	}

	host := config.Runtime.PublicHost
	if host == "" {
		host = "localhost"
	}

	return &Orchestrator{
		repo:    repo,
		runtime: rt,
		catalog: catalog,
		flags:   flags,
		events:  events,
		metrics: m,
		config:  oc,
		host:    host,
		now:     time.Now,
	}, nil
}

// Acquire returns the team's live instance of a template, provisioning one if
// none exists. Concurrent calls for the same (template, team) share one sandbox.
func (o *Orchestrator) Acquire(ctx context.Context, req AcquireRequest) (*types.ConnectionDescriptor, error) {
	if req.TeamID == "" {
		return nil, fmt.Errorf("team id is required")
	}

	tpl, err := o.catalog.Get(req.TemplateID)
	if err != nil {
		return nil, err
	}

	deadline := o.now().Add(o.config.WaitTimeout)
	for {
		candidate := o.newInstance(tpl, req)
		err := o.repo.TryReserve(ctx, candidate)
		if err == nil {
			return o.provision(ctx, tpl, candidate)
		}

		var exists *types.ErrInstanceExists
		if !errors.As(err, &exists) {
			return nil, err
		}

		existing := exists.Existing
		if existing.Status == types.InstanceStatusRunning {
			o.metrics.ObserveAcquire(tpl.ID, metrics.ResultExisting)
			return existing.Descriptor(), nil
		}

		inst, err := o.awaitProvisioning(ctx, existing.ID, deadline)
		if err != nil {
			var timeout *types.ErrProvisionTimeout
			if errors.As(err, &timeout) {
				o.metrics.ObserveAcquire(tpl.ID, metrics.ResultTimeout)
			}
			return nil, err
		}
		if inst != nil && inst.Status == types.InstanceStatusRunning {
			o.metrics.ObserveAcquire(tpl.ID, metrics.ResultExisting)
			return inst.Descriptor(), nil
		}

		if !o.now().Before(deadline) {
			o.metrics.ObserveAcquire(tpl.ID, metrics.ResultTimeout)
			return nil, &types.ErrProvisionTimeout{InstanceId: existing.ID, Timeout: o.config.WaitTimeout.String()}
		}

		// The winner failed or was released before it came up; try to take the key ourselves
		log.Debug().
			Str("template_id", tpl.ID).
			Str("team_id", req.TeamID).
			Str("previous_instance_id", existing.ID).
			Msg("concurrent provision did not succeed, retrying reservation")
	}
}

func (o *Orchestrator) newInstance(tpl *types.ChallengeTemplate, req AcquireRequest) *types.Instance {
	now := o.now()
	return &types.Instance{
		ID:           common.GenerateInstanceID(),
		TemplateID:   tpl.ID,
		TeamID:       req.TeamID,
		RequestedBy:  req.UserID,
		InternalPort: tpl.InternalPort,
		Status:       types.InstanceStatusProvisioning,
		CreatedAt:    now,
		ExpiresAt:    now.Add(tpl.Lifetime()),
	}
}

// awaitProvisioning polls an instance owned by another caller until it leaves
// Provisioning. A nil instance means it was discarded before starting.
func (o *Orchestrator) awaitProvisioning(ctx context.Context, instanceId string, deadline time.Time) (*types.Instance, error) {
	ticker := time.NewTicker(o.config.ReadyPollInterval)
	defer ticker.Stop()

	for {
		inst, err := o.repo.Get(ctx, instanceId)
		if err != nil {
			var notFound *types.ErrInstanceNotFound
			if errors.As(err, &notFound) {
				return nil, nil
			}
			return nil, err
		}
		if inst.Status != types.InstanceStatusProvisioning {
			return inst, nil
		}
		if !o.now().Before(deadline) {
			return nil, &types.ErrProvisionTimeout{InstanceId: instanceId, Timeout: o.config.WaitTimeout.String()}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) provision(ctx context.Context, tpl *types.ChallengeTemplate, inst *types.Instance) (*types.ConnectionDescriptor, error) {
	start := o.now()

	if err := o.repo.ClaimSlot(ctx, inst.ID, tpl.MaxInstances); err != nil {
		var capacity *types.ErrCapacityExceeded
		if errors.As(err, &capacity) {
			if discardErr := o.repo.Discard(context.WithoutCancel(ctx), inst.ID); discardErr != nil {
				log.Warn().Err(discardErr).Str("instance_id", inst.ID).Msg("failed to discard reservation")
			}
			o.metrics.ObserveAcquire(tpl.ID, metrics.ResultCapacity)
			log.Info().
				Str("template_id", tpl.ID).
				Str("team_id", inst.TeamID).
				Int("max_instances", tpl.MaxInstances).
				Msg("template at capacity")
			return nil, err
		}
		if errors.Is(err, &types.ErrInvalidTransition{}) {
			o.metrics.ObserveAcquire(tpl.ID, metrics.ResultError)
			return nil, &types.ErrProvision{InstanceId: inst.ID, Reason: "instance released during provisioning", Err: err}
		}
		return nil, o.failProvision(ctx, inst, "", err)
	}

	flagValue := o.flags.Generate()
	spec := runtime.CreateSpec{
		InstanceID:   inst.ID,
		TemplateID:   tpl.ID,
		TeamID:       inst.TeamID,
		Image:        tpl.Image,
		Env:          sandboxEnv(tpl, inst.TeamID, flagValue),
		InternalPort: tpl.InternalPort,
		Limits:       tpl.Limits,
		Network:      tpl.Network,
	}

	log.Info().
		Str("instance_id", inst.ID).
		Str("template_id", tpl.ID).
		Str("team_id", inst.TeamID).
		Str("image", tpl.Image).
		Msg("provisioning instance")

	pctx, cancel := context.WithTimeout(ctx, o.config.ProvisionTimeout)
	defer cancel()

	sandbox, err := o.runtime.Create(pctx, spec)
	if err != nil {
		return nil, o.failProvision(ctx, inst, "", err)
	}

	if err := o.waitRunning(pctx, inst.ID, sandbox.Handle); err != nil {
		return nil, o.failProvision(ctx, inst, sandbox.Handle, err)
	}

	running, err := o.repo.MarkRunning(ctx, inst.ID, sandbox.Handle, o.host, sandbox.PublishedPort, flagValue)
	if err != nil {
		if errors.Is(err, &types.ErrInvalidTransition{}) {
			// Released while we were provisioning: the sandbox is ours to clean up
			o.removeSandbox(ctx, inst.ID, sandbox.Handle)
			o.metrics.ObserveAcquire(tpl.ID, metrics.ResultError)
			return nil, &types.ErrProvision{InstanceId: inst.ID, Reason: "instance released during provisioning", Err: err}
		}
		return nil, o.failProvision(ctx, inst, sandbox.Handle, err)
	}

	o.metrics.ObserveAcquire(tpl.ID, metrics.ResultCreated)
	o.metrics.ObserveProvision(tpl.ID, o.now().Sub(start))
	o.events.Emit(context.WithoutCancel(ctx), types.NewInstanceEvent(types.EventInstanceCreated, running, ""))

	log.Info().
		Str("instance_id", running.ID).
		Str("template_id", running.TemplateID).
		Str("team_id", running.TeamID).
		Str("handle", running.Handle).
		Int("port", running.PublishedPort).
		Time("expires_at", running.ExpiresAt).
		Msg("instance running")

	return running.Descriptor(), nil
}

// waitRunning polls the runtime until the sandbox reports running or ctx ends
func (o *Orchestrator) waitRunning(ctx context.Context, instanceId, handle string) error {
	ticker := time.NewTicker(o.config.ReadyPollInterval)
	defer ticker.Stop()

	for {
		state, err := o.runtime.Inspect(ctx, handle)
		if err != nil {
			return err
		}
		switch state {
		case runtime.StateRunning:
			return nil
		case runtime.StateExited:
			return &types.ErrProvision{InstanceId: instanceId, Reason: "sandbox exited during startup"}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// failProvision cleans up after a failed provision and returns the error for the caller
func (o *Orchestrator) failProvision(ctx context.Context, inst *types.Instance, handle string, cause error) error {
	result := metrics.ResultError
	var err error
	switch {
	case errors.Is(cause, context.DeadlineExceeded) && ctx.Err() == nil:
		result = metrics.ResultTimeout
		err = &types.ErrProvisionTimeout{InstanceId: inst.ID, Timeout: o.config.ProvisionTimeout.String()}
	default:
		var provision *types.ErrProvision
		if errors.As(cause, &provision) {
			err = cause
		} else {
			err = &types.ErrProvision{InstanceId: inst.ID, Reason: "create sandbox", Err: cause}
		}
	}

	log.Error().
		Err(cause).
		Str("instance_id", inst.ID).
		Str("template_id", inst.TemplateID).
		Str("team_id", inst.TeamID).
		Msg("provisioning failed")

	if handle != "" {
		o.removeSandbox(ctx, inst.ID, handle)
	}

	failed, markErr := o.repo.MarkStatus(context.WithoutCancel(ctx), inst.ID, types.InstanceStatusFailed, err.Error())
	switch {
	case markErr == nil:
		o.events.Emit(context.WithoutCancel(ctx), types.NewInstanceEvent(types.EventInstanceFailed, failed, err.Error()))
	case errors.Is(markErr, &types.ErrInvalidTransition{}):
		// Already torn down by a concurrent release
	default:
		log.Error().Err(markErr).Str("instance_id", inst.ID).Msg("failed to mark instance failed")
	}

	o.metrics.ObserveAcquire(inst.TemplateID, result)
	return err
}

// removeSandbox stops and removes a sandbox, logging instead of failing
func (o *Orchestrator) removeSandbox(ctx context.Context, instanceId, handle string) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.TeardownTimeout)
	defer cancel()

	if err := o.runtime.Stop(tctx, handle); err != nil {
		log.Warn().Err(err).Str("instance_id", instanceId).Str("handle", handle).Msg("failed to stop sandbox")
	}
	if err := o.runtime.Remove(tctx, handle); err != nil {
		log.Warn().Err(err).Str("instance_id", instanceId).Str("handle", handle).Msg("failed to remove sandbox")
	}
}

// Release tears down an instance on behalf of a team, or any instance when privileged
func (o *Orchestrator) Release(ctx context.Context, instanceId string, requester Requester) error {
	inst, err := o.repo.Get(ctx, instanceId)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return &types.ErrInstanceNotFound{InstanceId: instanceId}
	}
	if !requester.CanAccess(inst) {
		return &types.ErrForbidden{InstanceId: instanceId, TeamId: requester.TeamID}
	}

	log.Info().
		Str("instance_id", inst.ID).
		Str("team_id", requester.TeamID).
		Bool("privileged", requester.Privileged).
		Msg("releasing instance")

	return o.Terminate(ctx, inst, ReasonReleased)
}

// Terminate moves an instance through Stopping to Stopped, stopping and removing
// its sandbox on the way. It is safe to call repeatedly; if the runtime fails the
// instance is left Stopping for the reaper to retry.
func (o *Orchestrator) Terminate(ctx context.Context, inst *types.Instance, reason string) error {
	if inst.Status.IsTerminal() {
		return nil
	}

	if inst.Status != types.InstanceStatusStopping {
		stopping, err := o.repo.MarkStatus(ctx, inst.ID, types.InstanceStatusStopping, reason)
		if err != nil {
			if !errors.Is(err, &types.ErrInvalidTransition{}) {
				return err
			}
			current, getErr := o.repo.Get(ctx, inst.ID)
			if getErr != nil {
				return getErr
			}
			if current.Status.IsTerminal() {
				return nil
			}
			stopping = current
		}
		inst = stopping
	}

	if inst.Handle != "" {
		tctx, cancel := context.WithTimeout(ctx, o.config.TeardownTimeout)
		defer cancel()

		if err := o.runtime.Stop(tctx, inst.Handle); err != nil {
			return fmt.Errorf("stop sandbox %s: %w", inst.Handle, err)
		}
		if err := o.runtime.Remove(tctx, inst.Handle); err != nil {
			return fmt.Errorf("remove sandbox %s: %w", inst.Handle, err)
		}
	}

	stopped, err := o.repo.MarkStatus(ctx, inst.ID, types.InstanceStatusStopped, "")
	if err != nil {
		if errors.Is(err, &types.ErrInvalidTransition{}) {
			return nil
		}
		return err
	}

	o.metrics.ObserveTeardown(stopped.TemplateID, reason)
	o.events.Emit(context.WithoutCancel(ctx), types.NewInstanceEvent(types.EventInstanceStopped, stopped, reason))

	log.Info().
		Str("instance_id", stopped.ID).
		Str("template_id", stopped.TemplateID).
		Str("team_id", stopped.TeamID).
		Str("reason", reason).
		Msg("instance stopped")

	return nil
}

// Fail marks a live instance failed after its sandbox died, removing what is left of it
func (o *Orchestrator) Fail(ctx context.Context, inst *types.Instance, reason string) error {
	current, err := o.repo.Get(ctx, inst.ID)
	if err != nil {
		return err
	}
	// A concurrent release owns teardown from here
	if !current.Status.IsLive() {
		return nil
	}

	failed, err := o.repo.MarkStatus(ctx, inst.ID, types.InstanceStatusFailed, reason)
	if err != nil {
		if errors.Is(err, &types.ErrInvalidTransition{}) {
			return nil
		}
		return err
	}

	if failed.Handle != "" {
		tctx, cancel := context.WithTimeout(ctx, o.config.TeardownTimeout)
		defer cancel()
		if err := o.runtime.Remove(tctx, failed.Handle); err != nil {
			log.Warn().Err(err).Str("instance_id", failed.ID).Str("handle", failed.Handle).Msg("failed to remove sandbox")
		}
	}

	o.events.Emit(context.WithoutCancel(ctx), types.NewInstanceEvent(types.EventInstanceFailed, failed, reason))
	log.Warn().
		Str("instance_id", failed.ID).
		Str("template_id", failed.TemplateID).
		Str("team_id", failed.TeamID).
		Str("reason", reason).
		Msg("instance failed")
	return nil
}

func (o *Orchestrator) Get(ctx context.Context, instanceId string) (*types.Instance, error) {
	return o.repo.Get(ctx, instanceId)
}

// Lookup returns an instance if the requester may see it
func (o *Orchestrator) Lookup(ctx context.Context, instanceId string, requester Requester) (*types.Instance, error) {
	inst, err := o.repo.Get(ctx, instanceId)
	if err != nil {
		return nil, err
	}
	if !requester.CanAccess(inst) {
		return nil, &types.ErrForbidden{InstanceId: instanceId, TeamId: requester.TeamID}
	}
	return inst, nil
}

// ProvisionTimeout bounds one provision from slot claim to a running sandbox
func (o *Orchestrator) ProvisionTimeout() time.Duration {
	return o.config.ProvisionTimeout
}

func (o *Orchestrator) ListTeamInstances(ctx context.Context, teamId string) ([]*types.Instance, error) {
	return o.repo.ListByTeam(ctx, teamId)
}

func (o *Orchestrator) Repository() repository.InstanceRepository {
	return o.repo
}

func (o *Orchestrator) Runtime() runtime.Runtime {
	return o.runtime
}

func (o *Orchestrator) Catalog() templates.Catalog {
	return o.catalog
}

// sandboxEnv merges the template environment with the per-instance variables,
// which always win
func sandboxEnv(tpl *types.ChallengeTemplate, teamId, flagValue string) map[string]string {
	env := make(map[string]string, len(tpl.Env)+3)
	for k, v := range tpl.Env {
		env[k] = v
	}
	env[EnvTeamID] = teamId
	env[EnvChallengeID] = tpl.ID
	env[EnvFlag] = flagValue
	return env
}
