package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/arenactf/instanced/pkg/metrics"
	"github.com/arenactf/instanced/pkg/orchestrator"
	"github.com/arenactf/instanced/pkg/repository"
	"github.com/arenactf/instanced/pkg/runtime"
	"github.com/arenactf/instanced/pkg/types"
)

const healthSweeperName = "health"

// HealthStats summarizes one health pass
type HealthStats struct {
	Checked int
	Healthy int
	Failed  int
	Errors  int
	Live    int
}

// HealthSweeper inspects every running instance and fails those whose sandbox is gone
type HealthSweeper struct {
	loop

	orch        *orchestrator.Orchestrator
	repo        repository.InstanceRepository
	runtime     runtime.Runtime
	metrics     *metrics.Collectors
	concurrency int
	now         func() time.Time
}

func NewHealthSweeper(config types.SweeperConfig, orch *orchestrator.Orchestrator, m *metrics.Collectors) *HealthSweeper {
	interval := config.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	s := &HealthSweeper{
		orch:        orch,
		repo:        orch.Repository(),
		runtime:     orch.Runtime(),
		metrics:     m,
		concurrency: concurrency,
		now:         time.Now,
	}
	s.loop = loop{name: healthSweeperName, interval: interval, pass: s.tick}
	return s
}

func (s *HealthSweeper) tick(ctx context.Context) {
	start := s.now()
	stats, err := s.Sweep(ctx)
	s.metrics.ObserveSweep(healthSweeperName, s.now().Sub(start))

	if err != nil {
		log.Error().Err(err).Msg("health sweep aborted")
		return
	}

	log.Info().
		Int("running", stats.Healthy).
		Int("failed", stats.Failed).
		Int("errors", stats.Errors).
		Int("total", stats.Live).
		Msg("instance statistics")
}

// Sweep runs a single pass. An unreachable runtime aborts the pass without
// touching any instance.
func (s *HealthSweeper) Sweep(ctx context.Context) (HealthStats, error) {
	var stats HealthStats

	if err := s.runtime.Ping(ctx); err != nil {
		return stats, err
	}

	running, err := s.repo.ListByStatus(ctx, types.InstanceStatusRunning)
	if err != nil {
		return stats, fmt.Errorf("list running instances: %w", err)
	}

	var healthy, failed, errCount int64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency)

	for _, inst := range running {
		inst := inst
		eg.Go(func() error {
			state, err := s.runtime.Inspect(egCtx, inst.Handle)
			if err != nil {
				var unavailable *types.ErrRuntimeUnavailable
				if errors.As(err, &unavailable) {
					return err
				}
				atomic.AddInt64(&errCount, 1)
				s.metrics.SweepFailed(healthSweeperName)
				log.Warn().Err(err).Str("instance_id", inst.ID).Msg("inspect failed")
				return nil
			}

			if state == runtime.StateRunning {
				atomic.AddInt64(&healthy, 1)
				if err := s.repo.RecordHealthCheck(egCtx, inst.ID, s.now()); err != nil {
					log.Warn().Err(err).Str("instance_id", inst.ID).Msg("failed to record health check")
				}
				return nil
			}

			if err := s.orch.Fail(egCtx, inst, fmt.Sprintf("sandbox %s", state)); err != nil {
				atomic.AddInt64(&errCount, 1)
				s.metrics.SweepFailed(healthSweeperName)
				log.Error().Err(err).Str("instance_id", inst.ID).Msg("failed to fail instance")
				return nil
			}
			atomic.AddInt64(&failed, 1)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return stats, err
	}

	stats.Checked = len(running)
	stats.Healthy = int(healthy)
	stats.Failed = int(failed)
	stats.Errors = int(errCount)

	live, err := s.refreshGauges(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to refresh instance gauges")
	}
	stats.Live = live
	return stats, nil
}

// refreshGauges publishes per-template counts of non-terminal instances
func (s *HealthSweeper) refreshGauges(ctx context.Context) (int, error) {
	live, err := s.repo.ListLive(ctx, "")
	if err != nil {
		return 0, err
	}
	stopping, err := s.repo.ListByStatus(ctx, types.InstanceStatusStopping)
	if err != nil {
		return 0, err
	}

	counts := make(map[string]map[types.InstanceStatus]int)
	for _, inst := range append(live, stopping...) {
		if counts[inst.TemplateID] == nil {
			counts[inst.TemplateID] = make(map[types.InstanceStatus]int)
		}
		counts[inst.TemplateID][inst.Status]++
	}
	s.metrics.SetInstanceCounts(counts)
	return len(live), nil
}
