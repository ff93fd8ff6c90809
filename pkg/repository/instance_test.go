package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenactf/instanced/pkg/common"
	"github.com/arenactf/instanced/pkg/types"
)

type repoFactory func(t *testing.T) InstanceRepository

func backends() map[string]repoFactory {
	return map[string]repoFactory{
		"memory": func(t *testing.T) InstanceRepository {
			return NewInstanceMemoryRepository()
		},
		"redis": func(t *testing.T) InstanceRepository {
			rdb, err := NewRedisClientForTest()
			require.NoError(t, err)
			return NewInstanceRedisRepositoryForTest(rdb)
		},
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, repo InstanceRepository)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func newCandidate(templateId, teamId string, lifetime time.Duration) *types.Instance {
	now := time.Now()
	return &types.Instance{
		ID:           uuid.NewString(),
		TemplateID:   templateId,
		TeamID:       teamId,
		RequestedBy:  "user-1",
		InternalPort: 8080,
		CreatedAt:    now,
		ExpiresAt:    now.Add(lifetime),
	}
}

func TestReserveThenGet(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo InstanceRepository) {
		ctx := context.Background()
		c := newCandidate("web", "team-a", time.Hour)
		require.NoError(t, repo.TryReserve(ctx, c))

		inst, err := repo.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceStatusProvisioning, inst.Status)
		assert.Equal(t, "team-a", inst.TeamID)
		assert.Equal(t, 8080, inst.InternalPort)
		assert.False(t, inst.HoldsSlot)
		assert.WithinDuration(t, c.ExpiresAt, inst.ExpiresAt, time.Millisecond)

		_, err = repo.Get(ctx, "missing")
		var notFound *types.ErrInstanceNotFound
		assert.ErrorAs(t, err, &notFound)
	})
}

func TestReserveReturnsExisting(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo InstanceRepository) {
		ctx := context.Background()
		first := newCandidate("web", "team-a", time.Hour)
		require.NoError(t, repo.TryReserve(ctx, first))

		err := repo.TryReserve(ctx, newCandidate("web", "team-a", time.Hour))
		var exists *types.ErrInstanceExists
		require.ErrorAs(t, err, &exists)
		assert.Equal(t, first.ID, exists.Existing.ID)

		// Other teams and other templates are independent keys
		assert.NoError(t, repo.TryReserve(ctx, newCandidate("web", "team-b", time.Hour)))
		assert.NoError(t, repo.TryReserve(ctx, newCandidate("pwn", "team-a", time.Hour)))
	})
}

func TestReserveIsExclusiveUnderConcurrency(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo InstanceRepository) {
		ctx := context.Background()
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := repo.TryReserve(ctx, newCandidate("web", "team-a", time.Hour))
				if err == nil {
					atomic.AddInt32(&wins, 1)
					return
				}
				var exists *types.ErrInstanceExists
				assert.True(t, errors.As(err, &exists), "unexpected error: %v", err)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins)
		live, err := repo.ListLive(ctx, "web")
		require.NoError(t, err)
		assert.Len(t, live, 1)
	})
}

func TestReserveAfterTerminal(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo InstanceRepository) {
		ctx := context.Background()
		first := newCandidate("web", "team-a", time.Hour)
		require.NoError(t, repo.TryReserve(ctx, first))
		_, err := repo.MarkStatus(ctx, first.ID, types.InstanceStatusFailed, "boom")
		require.NoError(t, err)

		second := newCandidate("web", "team-a", time.Hour)
		require.NoError(t, repo.TryReserve(ctx, second))

		old, err := repo.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceStatusFailed, old.Status)
		assert.Equal(t, "boom", old.Error)
	})
}

func TestClaimSlotNeverExceedsCapacity(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo InstanceRepository) {
		ctx := context.Background()
		const max = 3

		ids := make([]string, 10)
		for i := range ids {
			c := newCandidate("web", fmt.Sprintf("team-%d", i), time.Hour)
			require.NoError(t, repo.TryReserve(ctx, c))
			ids[i] = c.ID
		}

		var claimed, rejected int32
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				err := repo.ClaimSlot(ctx, id, max)
				var capacity *types.ErrCapacityExceeded
				switch {
				case err == nil:
					atomic.AddInt32(&claimed, 1)
				case errors.As(err, &capacity):
					atomic.AddInt32(&rejected, 1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(id)
		}
		wg.Wait()

		assert.Equal(t, int32(max), claimed)
		assert.Equal(t, int32(len(ids)-max), rejected)
	})
}

func TestClaimSlotIsIdempotent(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo InstanceRepository) {
		ctx := context.Background()
		c := newCandidate("web", "team-a", time.Hour)
		require.NoError(t, repo.TryReserve(ctx, c))

		require.NoError(t, repo.ClaimSlot(ctx, c.ID, 1))
		require.NoError(t, repo.ClaimSlot(ctx, c.ID, 1))

		inst, err := repo.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.True(t, inst.HoldsSlot)
	})
}

func TestSlotReleasedOnTerminal(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo InstanceRepository) {
		ctx := context.Background()
		a := newCandidate("web", "team-a", time.Hour)
		b := newCandidate("web", "team-b", time.Hour)
		require.NoError(t, repo.TryReserve(ctx, a))
		require.NoError(t, repo.TryReserve(ctx, b))

		require.NoError(t, repo.ClaimSlot(ctx, a.ID, 1))
		var capacity *types.ErrCapacityExceeded
		require.ErrorAs(t, repo.ClaimSlot(ctx, b.ID, 1), &capacity)

		// Stopping still holds the slot
		_, err := repo.MarkStatus(ctx, a.ID, types.InstanceStatusStopping, "")
		require.NoError(t, err)
		require.ErrorAs(t, repo.ClaimSlot(ctx, b.ID, 1), &capacity)

		_, err = repo.MarkStatus(ctx, a.ID, types.InstanceStatusStopped, "")
		require.NoError(t, err)
		assert.NoError(t, repo.ClaimSlot(ctx, b.ID, 1))
	})
}

func TestClaimSlotRequiresProvisioning(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo InstanceRepository) {
		ctx := context.Background()
		c := newCandidate("web", "team-a", time.Hour)
		require.NoError(t, repo.TryReserve(ctx, c))
		_, err := repo.MarkStatus(ctx, c.ID, types.InstanceStatusFailed, "")
		require.NoError(t, err)

		err = repo.ClaimSlot(ctx, c.ID, 5)
		assert.ErrorIs(t, err, &types.ErrInvalidTransition{})

		var notFound *types.ErrInstanceNotFound
		assert.ErrorAs(t, repo.ClaimSlot(ctx, "missing", 5), &notFound)
	})
}

func TestMarkRunningAndCount(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo InstanceRepository) {
		ctx := context.Background()
		c := newCandidate("web", "team-a", time.Hour)
		require.NoError(t, repo.TryReserve(ctx, c))
		require.NoError(t, repo.ClaimSlot(ctx, c.ID, 5))

		count, err := repo.CountRunning(ctx, "web")
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		inst, err := repo.MarkRunning(ctx, c.ID, "ctf-"+c.ID, "10.0.0.5", 30001, "CTF{abc}")
		require.NoError(t, err)
		assert.Equal(t, types.InstanceStatusRunning, inst.Status)
		assert.Equal(t, 30001, inst.PublishedPort)
		assert.Equal(t, "CTF{abc}", inst.Flag)

		count, err = repo.CountRunning(ctx, "web")
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		// Running cannot go back to running
		_, err = repo.MarkRunning(ctx, c.ID, "h", "x", 1, "f")
		assert.ErrorIs(t, err, &types.ErrInvalidTransition{})
	})
}

func TestIllegalTransitions(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo InstanceRepository) {
		ctx := context.Background()
		c := newCandidate("web", "team-a", time.Hour)
		require.NoError(t, repo.TryReserve(ctx, c))

		_, err := repo.MarkStatus(ctx, c.ID, types.InstanceStatusStopped, "")
		assert.ErrorIs(t, err, &types.ErrInvalidTransition{}, "provisioning must pass through stopping")

		_, err = repo.MarkStatus(ctx, c.ID, types.InstanceStatusStopping, "")
		require.NoError(t, err)
		_, err = repo.MarkStatus(ctx, c.ID, types.InstanceStatusStopped, "")
		require.NoError(t, err)

		_, err = repo.MarkStatus(ctx, c.ID, types.InstanceStatusFailed, "")
		assert.ErrorIs(t, err, &types.ErrInvalidTransition{}, "terminal states are final")
	})
}

func TestDiscard(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo InstanceRepository) {
		ctx := context.Background()
		c := newCandidate("web", "team-a", time.Hour)
		require.NoError(t, repo.TryReserve(ctx, c))
		require.NoError(t, repo.Discard(ctx, c.ID))
		require.NoError(t, repo.Discard(ctx, c.ID))

		_, err := repo.Get(ctx, c.ID)
		var notFound *types.ErrInstanceNotFound
		assert.ErrorAs(t, err, &notFound)

		teamInstances, err := repo.ListByTeam(ctx, "team-a")
		require.NoError(t, err)
		assert.Empty(t, teamInstances)

		assert.NoError(t, repo.TryReserve(ctx, newCandidate("web", "team-a", time.Hour)))
	})
}

func TestListings(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo InstanceRepository) {
		ctx := context.Background()
		now := time.Now()

		expired := newCandidate("web", "team-a", -time.Minute)
		fresh := newCandidate("web", "team-b", time.Hour)
		other := newCandidate("pwn", "team-a", time.Hour)
		for _, c := range []*types.Instance{expired, fresh, other} {
			require.NoError(t, repo.TryReserve(ctx, c))
		}
		_, err := repo.MarkStatus(ctx, other.ID, types.InstanceStatusStopping, "released")
		require.NoError(t, err)

		live, err := repo.ListLive(ctx, "")
		require.NoError(t, err)
		assert.Len(t, live, 2)

		live, err = repo.ListLive(ctx, "pwn")
		require.NoError(t, err)
		assert.Empty(t, live)

		due, err := repo.ListExpired(ctx, now)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, expired.ID, due[0].ID)

		stopping, err := repo.ListByStatus(ctx, types.InstanceStatusStopping)
		require.NoError(t, err)
		require.Len(t, stopping, 1)
		assert.Equal(t, "released", stopping[0].Error)

		teamA, err := repo.ListByTeam(ctx, "team-a")
		require.NoError(t, err)
		assert.Len(t, teamA, 2)
	})
}

func TestRecordHealthCheck(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo InstanceRepository) {
		ctx := context.Background()
		c := newCandidate("web", "team-a", time.Hour)
		require.NoError(t, repo.TryReserve(ctx, c))

		at := time.Now()
		require.NoError(t, repo.RecordHealthCheck(ctx, c.ID, at))

		inst, err := repo.Get(ctx, c.ID)
		require.NoError(t, err)
		require.NotNil(t, inst.LastHealthCheckAt)
		assert.WithinDuration(t, at, *inst.LastHealthCheckAt, time.Millisecond)

		var notFound *types.ErrInstanceNotFound
		assert.ErrorAs(t, repo.RecordHealthCheck(ctx, "missing", at), &notFound)
	})
}

func TestRedisReserveFailsOnUnreadableLiveInstance(t *testing.T) {
	ctx := context.Background()
	rdb, err := NewRedisClientForTest()
	require.NoError(t, err)
	repo := NewInstanceRedisRepositoryForTest(rdb)

	liveKey := common.Keys.InstanceLive("web", "team-a")
	require.NoError(t, rdb.Set(ctx, liveKey, "holder", 0).Err())
	// A string where the hash should be makes HGETALL fail with WRONGTYPE
	require.NoError(t, rdb.Set(ctx, common.Keys.InstanceState("holder"), "garbage", 0).Err())

	err = repo.TryReserve(ctx, newCandidate("web", "team-a", time.Hour))
	require.Error(t, err)
	var exists *types.ErrInstanceExists
	assert.False(t, errors.As(err, &exists))

	holder, err := rdb.Get(ctx, liveKey).Result()
	require.NoError(t, err)
	assert.Equal(t, "holder", holder, "the live key is not overwritten")
}

func TestRedisReserveReplacesMissingLiveInstance(t *testing.T) {
	ctx := context.Background()
	rdb, err := NewRedisClientForTest()
	require.NoError(t, err)
	repo := NewInstanceRedisRepositoryForTest(rdb)

	liveKey := common.Keys.InstanceLive("web", "team-a")
	require.NoError(t, rdb.Set(ctx, liveKey, "gone", 0).Err())

	c := newCandidate("web", "team-a", time.Hour)
	require.NoError(t, repo.TryReserve(ctx, c))

	holder, err := rdb.Get(ctx, liveKey).Result()
	require.NoError(t, err)
	assert.Equal(t, c.ID, holder)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("connection refused")))
}

func TestPostgresDefaults(t *testing.T) {
	cfg := withPostgresDefaults(types.PostgresConfig{User: "ctf"})
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "instanced", cfg.Database)
	assert.Equal(t, "host=localhost port=5432 user=ctf password= dbname=instanced sslmode=disable", cfg.DSN())
}
