package repository

import (
	"context"
	"time"

	"github.com/arenactf/instanced/pkg/types"
)

// InstanceRepository is the authoritative record of challenge instances.
//
// Implementations guarantee that at most one instance per (template, team) is
// provisioning or running, and that slot claims for a template are serialized.
type InstanceRepository interface {
	// TryReserve inserts candidate as a provisioning instance, or returns
	// *types.ErrInstanceExists carrying the live instance that holds the key.
	TryReserve(ctx context.Context, candidate *types.Instance) error

	// ClaimSlot takes one of the template's maxInstances slots for a provisioning instance
	ClaimSlot(ctx context.Context, instanceId string, maxInstances int) error

	// Discard removes a provisioning placeholder that never got a sandbox
	Discard(ctx context.Context, instanceId string) error

	MarkRunning(ctx context.Context, instanceId, handle, host string, publishedPort int, flag string) (*types.Instance, error)
	MarkStatus(ctx context.Context, instanceId string, status types.InstanceStatus, reason string) (*types.Instance, error)
	RecordHealthCheck(ctx context.Context, instanceId string, at time.Time) error

	Get(ctx context.Context, instanceId string) (*types.Instance, error)
	// ListLive returns provisioning and running instances; an empty templateId matches all
	ListLive(ctx context.Context, templateId string) ([]*types.Instance, error)
	// ListExpired returns live instances whose deadline is before now
	ListExpired(ctx context.Context, now time.Time) ([]*types.Instance, error)
	ListByStatus(ctx context.Context, status types.InstanceStatus) ([]*types.Instance, error)
	ListByTeam(ctx context.Context, teamId string) ([]*types.Instance, error)
	CountRunning(ctx context.Context, templateId string) (int, error)

	Ping(ctx context.Context) error
}

// applyTransition validates and applies a status change to inst in place.
// Reaching a terminal status releases the instance's capacity slot.
func applyTransition(inst *types.Instance, status types.InstanceStatus, reason string, now time.Time) error {
	if !inst.Status.CanTransition(status) {
		return &types.ErrInvalidTransition{InstanceId: inst.ID, From: inst.Status, To: status}
	}

	inst.Status = status
	inst.UpdatedAt = now
	if reason != "" {
		inst.Error = reason
	}
	if status.IsTerminal() {
		inst.HoldsSlot = false
	}
	return nil
}

func applyRunning(inst *types.Instance, handle, host string, publishedPort int, flag string, now time.Time) error {
	if err := applyTransition(inst, types.InstanceStatusRunning, "", now); err != nil {
		return err
	}
	inst.Handle = handle
	inst.Host = host
	inst.PublishedPort = publishedPort
	inst.Flag = flag
	return nil
}
