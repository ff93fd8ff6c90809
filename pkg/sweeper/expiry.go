package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arenactf/instanced/pkg/metrics"
	"github.com/arenactf/instanced/pkg/orchestrator"
	"github.com/arenactf/instanced/pkg/repository"
	"github.com/arenactf/instanced/pkg/runtime"
	"github.com/arenactf/instanced/pkg/types"
)

const (
	expiryReaperName = "expiry"

	// stalledProvisionGrace covers the registry writes around a provision
	stalledProvisionGrace = 30 * time.Second
)

// ReapStats summarizes one reaper pass
type ReapStats struct {
	Stopped int `json:"stopped"`
	Failed  int `json:"failed"`
	Orphans int `json:"orphans"`
	Errors  int `json:"errors"`
}

// ExpiryReaper tears down instances past their deadline, retries teardowns
// left in Stopping, and removes managed sandboxes the registry no longer knows.
type ExpiryReaper struct {
	loop

	orch        *orchestrator.Orchestrator
	repo        repository.InstanceRepository
	runtime     runtime.Runtime
	metrics     *metrics.Collectors
	reapOrphans bool
	now         func() time.Time
}

func NewExpiryReaper(config types.SweeperConfig, orch *orchestrator.Orchestrator, m *metrics.Collectors) *ExpiryReaper {
	interval := config.ExpiryInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	r := &ExpiryReaper{
		orch:        orch,
		repo:        orch.Repository(),
		runtime:     orch.Runtime(),
		metrics:     m,
		reapOrphans: config.ReapOrphans,
		now:         time.Now,
	}
	r.loop = loop{name: expiryReaperName, interval: interval, pass: r.tick}

	if shortest := shortestLifetime(orch); shortest > 0 && interval >= shortest {
		log.Warn().
			Dur("interval", interval).
			Dur("shortest_lifetime", shortest).
			Msg("expiry interval is not shorter than the shortest template lifetime, instances may outlive their deadline")
	}
	return r
}

func shortestLifetime(orch *orchestrator.Orchestrator) time.Duration {
	var shortest time.Duration
	for _, tpl := range orch.Catalog().List() {
		if l := tpl.Lifetime(); shortest == 0 || l < shortest {
			shortest = l
		}
	}
	return shortest
}

func (r *ExpiryReaper) tick(ctx context.Context) {
	start := r.now()
	stats, err := r.Reap(ctx)
	r.metrics.ObserveSweep(expiryReaperName, r.now().Sub(start))

	if err != nil {
		log.Error().Err(err).Msg("expiry pass aborted")
		return
	}
	if stats.Stopped+stats.Failed+stats.Orphans+stats.Errors > 0 {
		log.Info().
			Int("stopped", stats.Stopped).
			Int("failed", stats.Failed).
			Int("orphans", stats.Orphans).
			Int("errors", stats.Errors).
			Msg("expiry pass complete")
	}
}

// Reap runs a single pass. Per-instance failures are logged and left for the next pass.
func (r *ExpiryReaper) Reap(ctx context.Context) (ReapStats, error) {
	var stats ReapStats
	now := r.now()

	expired, err := r.repo.ListExpired(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("list expired instances: %w", err)
	}
	stopping, err := r.repo.ListByStatus(ctx, types.InstanceStatusStopping)
	if err != nil {
		return stats, fmt.Errorf("list stopping instances: %w", err)
	}
	stalled, err := r.listStalledProvisioning(ctx, now)
	if err != nil {
		return stats, err
	}

	candidates := append(append(expired, stopping...), stalled...)
	seen := make(map[string]struct{}, len(candidates))
	for _, inst := range candidates {
		if _, ok := seen[inst.ID]; ok {
			continue
		}
		seen[inst.ID] = struct{}{}

		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		if inst.Status == types.InstanceStatusProvisioning {
			// The provisioner died before finishing; its sandbox, if any, is an orphan now
			if err := r.orch.Fail(ctx, inst, "provisioning did not finish"); err != nil {
				stats.Errors++
				r.metrics.SweepFailed(expiryReaperName)
				log.Error().Err(err).Str("instance_id", inst.ID).Msg("failed to fail stale instance")
				continue
			}
			stats.Failed++
			continue
		}

		reason := orchestrator.ReasonExpired
		if inst.Status == types.InstanceStatusStopping && inst.Error != "" {
			reason = inst.Error
		}

		if err := r.orch.Terminate(ctx, inst, reason); err != nil {
			stats.Errors++
			r.metrics.SweepFailed(expiryReaperName)
			log.Error().Err(err).Str("instance_id", inst.ID).Str("reason", reason).Msg("failed to terminate instance")
			continue
		}
		stats.Stopped++
	}

	if r.reapOrphans {
		orphans, err := r.reapOrphanSandboxes(ctx)
		stats.Orphans = orphans
		if err != nil {
			var unavailable *types.ErrRuntimeUnavailable
			if !errors.As(err, &unavailable) {
				return stats, err
			}
			log.Warn().Err(err).Msg("skipping orphan pass, runtime unavailable")
		}
	}

	return stats, nil
}

// listStalledProvisioning returns Provisioning rows older than the provision
// deadline plus a grace period. Their provisioner is gone and the row would
// otherwise hold the team's key until the instance expires.
func (r *ExpiryReaper) listStalledProvisioning(ctx context.Context, now time.Time) ([]*types.Instance, error) {
	provisioning, err := r.repo.ListByStatus(ctx, types.InstanceStatusProvisioning)
	if err != nil {
		return nil, fmt.Errorf("list provisioning instances: %w", err)
	}

	cutoff := now.Add(-(r.orch.ProvisionTimeout() + stalledProvisionGrace))
	stalled := make([]*types.Instance, 0)
	for _, inst := range provisioning {
		if inst.CreatedAt.Before(cutoff) {
			stalled = append(stalled, inst)
		}
	}
	return stalled, nil
}

// reapOrphanSandboxes removes managed sandboxes that belong to no live instance
func (r *ExpiryReaper) reapOrphanSandboxes(ctx context.Context) (int, error) {
	sandboxes, err := r.runtime.List(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, sb := range sandboxes {
		orphan, err := r.isOrphan(ctx, sb)
		if err != nil {
			log.Warn().Err(err).Str("handle", sb.Handle).Msg("failed to check sandbox owner")
			continue
		}
		if !orphan {
			continue
		}

		log.Info().
			Str("handle", sb.Handle).
			Str("instance_id", sb.InstanceID).
			Str("template_id", sb.TemplateID).
			Str("team_id", sb.TeamID).
			Msg("removing orphaned sandbox")

		if err := r.runtime.Stop(ctx, sb.Handle); err != nil {
			log.Warn().Err(err).Str("handle", sb.Handle).Msg("failed to stop orphaned sandbox")
			continue
		}
		if err := r.runtime.Remove(ctx, sb.Handle); err != nil {
			log.Warn().Err(err).Str("handle", sb.Handle).Msg("failed to remove orphaned sandbox")
			continue
		}
		removed++
	}
	return removed, nil
}

func (r *ExpiryReaper) isOrphan(ctx context.Context, sb runtime.SandboxInfo) (bool, error) {
	if sb.InstanceID == "" {
		return true, nil
	}

	inst, err := r.repo.Get(ctx, sb.InstanceID)
	if err != nil {
		var notFound *types.ErrInstanceNotFound
		if errors.As(err, &notFound) {
			return true, nil
		}
		return false, err
	}

	switch {
	case inst.Status.IsTerminal():
		return true, nil
	case inst.Status == types.InstanceStatusProvisioning:
		// Still being created; the handle is not recorded yet
		return false, nil
	default:
		return inst.Handle != "" && inst.Handle != sb.Handle, nil
	}
}
