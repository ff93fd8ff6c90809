package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arenactf/instanced/pkg/common"
	"github.com/arenactf/instanced/pkg/types"
)

// Terminal records are kept this long for team listings and debugging
const terminalRecordTTL = 24 * time.Hour

// compareAndDelete removes KEYS[1] only while it still points at ARGV[1]
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// InstanceRedisRepository implements InstanceRepository on Redis so several
// instanced replicas can share one registry.
type InstanceRedisRepository struct {
	rdb  *common.RedisClient
	lock *common.RedisLock
	opts common.RedisLockOptions
	now  func() time.Time
}

func NewInstanceRedisRepository(rdb *common.RedisClient, config types.RegistryConfig) *InstanceRedisRepository {
	ttl := int(config.LockTTL.Seconds())
	if ttl <= 0 {
		ttl = 10
	}
	retries := config.LockRetries
	if retries <= 0 {
		retries = 50
	}

	return &InstanceRedisRepository{
		rdb:  rdb,
		lock: common.NewRedisLock(rdb),
		opts: common.RedisLockOptions{TtlS: ttl, Retries: retries},
		now:  time.Now,
	}
}

func (r *InstanceRedisRepository) TryReserve(ctx context.Context, candidate *types.Instance) error {
	lockKey := common.Keys.InstanceReserveLock(candidate.TemplateID, candidate.TeamID)
	if err := r.lock.Acquire(ctx, lockKey, r.opts); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	defer r.lock.Release(lockKey)

	liveKey := common.Keys.InstanceLive(candidate.TemplateID, candidate.TeamID)
	existingId, err := r.rdb.Get(ctx, liveKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if existingId != "" {
		existing, err := r.Get(ctx, existingId)
		if err != nil {
			// Only a missing record frees the key; anything else could hide a live instance
			var notFound *types.ErrInstanceNotFound
			if !errors.As(err, &notFound) {
				return fmt.Errorf("read live instance %s: %w", existingId, err)
			}
		} else if existing.Status.IsLive() {
			return &types.ErrInstanceExists{Existing: existing}
		}
	}

	inst := candidate.Clone()
	inst.Status = types.InstanceStatusProvisioning
	inst.HoldsSlot = false
	inst.UpdatedAt = r.now()

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, common.Keys.InstanceState(inst.ID), instanceToHash(inst))
		pipe.SAdd(ctx, common.Keys.InstanceIndex(), inst.ID)
		pipe.SAdd(ctx, common.Keys.InstanceTeamIndex(inst.TeamID), inst.ID)
		pipe.ZAdd(ctx, common.Keys.InstanceExpiry(), redis.Z{Score: float64(inst.ExpiresAt.Unix()), Member: inst.ID})
		pipe.Set(ctx, liveKey, inst.ID, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	return nil
}

func (r *InstanceRedisRepository) ClaimSlot(ctx context.Context, instanceId string, maxInstances int) error {
	inst, err := r.Get(ctx, instanceId)
	if err != nil {
		return err
	}

	templateLock := common.Keys.InstanceTemplateLock(inst.TemplateID)
	if err := r.lock.Acquire(ctx, templateLock, r.opts); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	defer r.lock.Release(templateLock)

	return r.withInstanceLock(ctx, instanceId, func(inst *types.Instance) error {
		if inst.Status != types.InstanceStatusProvisioning {
			return &types.ErrInvalidTransition{InstanceId: instanceId, From: inst.Status, To: types.InstanceStatusProvisioning}
		}
		if inst.HoldsSlot {
			return nil
		}

		slotsKey := common.Keys.InstanceTemplateSlots(inst.TemplateID)
		held, err := r.rdb.SCard(ctx, slotsKey).Result()
		if err != nil {
			return err
		}
		if int(held) >= maxInstances {
			return &types.ErrCapacityExceeded{TemplateId: inst.TemplateID, MaxInstances: maxInstances}
		}

		_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, slotsKey, instanceId)
			pipe.HSet(ctx, common.Keys.InstanceState(instanceId),
				"holds_slot", "1",
				"updated_at", r.now().UnixNano(),
			)
			return nil
		})
		return err
	})
}

func (r *InstanceRedisRepository) Discard(ctx context.Context, instanceId string) error {
	err := r.withInstanceLock(ctx, instanceId, func(inst *types.Instance) error {
		_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, common.Keys.InstanceState(instanceId))
			pipe.SRem(ctx, common.Keys.InstanceIndex(), instanceId)
			pipe.SRem(ctx, common.Keys.InstanceTeamIndex(inst.TeamID), instanceId)
			pipe.SRem(ctx, common.Keys.InstanceTemplateSlots(inst.TemplateID), instanceId)
			pipe.ZRem(ctx, common.Keys.InstanceExpiry(), instanceId)
			return nil
		})
		if err != nil {
			return err
		}
		return compareAndDelete.Run(ctx, r.rdb, []string{common.Keys.InstanceLive(inst.TemplateID, inst.TeamID)}, instanceId).Err()
	})

	var notFound *types.ErrInstanceNotFound
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

func (r *InstanceRedisRepository) MarkRunning(ctx context.Context, instanceId, handle, host string, publishedPort int, flag string) (*types.Instance, error) {
	var out *types.Instance
	err := r.withInstanceLock(ctx, instanceId, func(inst *types.Instance) error {
		if err := applyRunning(inst, handle, host, publishedPort, flag, r.now()); err != nil {
			return err
		}
		if err := r.rdb.HSet(ctx, common.Keys.InstanceState(instanceId), instanceToHash(inst)).Err(); err != nil {
			return err
		}
		out = inst
		return nil
	})
	return out, err
}

func (r *InstanceRedisRepository) MarkStatus(ctx context.Context, instanceId string, status types.InstanceStatus, reason string) (*types.Instance, error) {
	var out *types.Instance
	err := r.withInstanceLock(ctx, instanceId, func(inst *types.Instance) error {
		if err := applyTransition(inst, status, reason, r.now()); err != nil {
			return err
		}

		stateKey := common.Keys.InstanceState(instanceId)
		_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, stateKey, instanceToHash(inst))
			if !status.IsLive() {
				pipe.ZRem(ctx, common.Keys.InstanceExpiry(), instanceId)
			}
			if status.IsTerminal() {
				pipe.SRem(ctx, common.Keys.InstanceTemplateSlots(inst.TemplateID), instanceId)
				pipe.Expire(ctx, stateKey, terminalRecordTTL)
			}
			return nil
		})
		if err != nil {
			return err
		}

		if !status.IsLive() {
			liveKey := common.Keys.InstanceLive(inst.TemplateID, inst.TeamID)
			if err := compareAndDelete.Run(ctx, r.rdb, []string{liveKey}, instanceId).Err(); err != nil {
				return err
			}
		}

		out = inst
		return nil
	})
	return out, err
}

func (r *InstanceRedisRepository) RecordHealthCheck(ctx context.Context, instanceId string, at time.Time) error {
	return r.withInstanceLock(ctx, instanceId, func(inst *types.Instance) error {
		return r.rdb.HSet(ctx, common.Keys.InstanceState(instanceId), "last_health_check_at", at.UnixNano()).Err()
	})
}

func (r *InstanceRedisRepository) Get(ctx context.Context, instanceId string) (*types.Instance, error) {
	fields, err := r.rdb.HGetAll(ctx, common.Keys.InstanceState(instanceId)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, &types.ErrInstanceNotFound{InstanceId: instanceId}
	}
	return instanceFromHash(fields)
}

func (r *InstanceRedisRepository) ListLive(ctx context.Context, templateId string) ([]*types.Instance, error) {
	ids, err := r.rdb.ZRange(ctx, common.Keys.InstanceExpiry(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return r.loadMany(ctx, ids, "", func(i *types.Instance) bool {
		return i.Status.IsLive() && (templateId == "" || i.TemplateID == templateId)
	})
}

func (r *InstanceRedisRepository) ListExpired(ctx context.Context, now time.Time) ([]*types.Instance, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, common.Keys.InstanceExpiry(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	return r.loadMany(ctx, ids, "", func(i *types.Instance) bool {
		return i.Status.IsLive() && i.IsExpired(now)
	})
}

func (r *InstanceRedisRepository) ListByStatus(ctx context.Context, status types.InstanceStatus) ([]*types.Instance, error) {
	indexKey := common.Keys.InstanceIndex()
	ids, err := r.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	return r.loadMany(ctx, ids, indexKey, func(i *types.Instance) bool {
		return i.Status == status
	})
}

func (r *InstanceRedisRepository) ListByTeam(ctx context.Context, teamId string) ([]*types.Instance, error) {
	indexKey := common.Keys.InstanceTeamIndex(teamId)
	ids, err := r.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	return r.loadMany(ctx, ids, indexKey, func(i *types.Instance) bool {
		return i.TeamID == teamId
	})
}

func (r *InstanceRedisRepository) CountRunning(ctx context.Context, templateId string) (int, error) {
	ids, err := r.rdb.SMembers(ctx, common.Keys.InstanceTemplateSlots(templateId)).Result()
	if err != nil {
		return 0, err
	}
	running, err := r.loadMany(ctx, ids, "", func(i *types.Instance) bool {
		return i.Status == types.InstanceStatusRunning
	})
	if err != nil {
		return 0, err
	}
	return len(running), nil
}

func (r *InstanceRedisRepository) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// withInstanceLock loads an instance under its lock and hands it to fn
func (r *InstanceRedisRepository) withInstanceLock(ctx context.Context, instanceId string, fn func(inst *types.Instance) error) error {
	lockKey := common.Keys.InstanceLock(instanceId)
	if err := r.lock.Acquire(ctx, lockKey, r.opts); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	defer r.lock.Release(lockKey)

	inst, err := r.Get(ctx, instanceId)
	if err != nil {
		return err
	}
	return fn(inst)
}

// loadMany fetches instances by id, pruning ids whose state expired from indexKey
func (r *InstanceRedisRepository) loadMany(ctx context.Context, ids []string, indexKey string, match func(*types.Instance) bool) ([]*types.Instance, error) {
	out := make([]*types.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := r.Get(ctx, id)
		if err != nil {
			var notFound *types.ErrInstanceNotFound
			if errors.As(err, &notFound) {
				if indexKey != "" {
					r.rdb.SRem(ctx, indexKey, id)
				}
				continue
			}
			return nil, err
		}
		if match(inst) {
			out = append(out, inst)
		}
	}
	sortInstances(out)
	return out, nil
}

func instanceToHash(inst *types.Instance) map[string]any {
	holdsSlot := "0"
	if inst.HoldsSlot {
		holdsSlot = "1"
	}
	var lastHealthCheck int64
	if inst.LastHealthCheckAt != nil {
		lastHealthCheck = inst.LastHealthCheckAt.UnixNano()
	}

	return map[string]any{
		"id":                   inst.ID,
		"template_id":          inst.TemplateID,
		"team_id":              inst.TeamID,
		"requested_by":         inst.RequestedBy,
		"handle":               inst.Handle,
		"host":                 inst.Host,
		"internal_port":        inst.InternalPort,
		"published_port":       inst.PublishedPort,
		"flag":                 inst.Flag,
		"status":               string(inst.Status),
		"holds_slot":           holdsSlot,
		"error":                inst.Error,
		"created_at":           inst.CreatedAt.UnixNano(),
		"expires_at":           inst.ExpiresAt.UnixNano(),
		"last_health_check_at": lastHealthCheck,
		"updated_at":           inst.UpdatedAt.UnixNano(),
	}
}

func instanceFromHash(fields map[string]string) (*types.Instance, error) {
	inst := &types.Instance{
		ID:          fields["id"],
		TemplateID:  fields["template_id"],
		TeamID:      fields["team_id"],
		RequestedBy: fields["requested_by"],
		Handle:      fields["handle"],
		Host:        fields["host"],
		Flag:        fields["flag"],
		Status:      types.InstanceStatus(fields["status"]),
		HoldsSlot:   fields["holds_slot"] == "1",
		Error:       fields["error"],
	}

	var err error
	if inst.InternalPort, err = atoiField(fields, "internal_port"); err != nil {
		return nil, err
	}
	if inst.PublishedPort, err = atoiField(fields, "published_port"); err != nil {
		return nil, err
	}

	times := map[string]*time.Time{
		"created_at": &inst.CreatedAt,
		"expires_at": &inst.ExpiresAt,
		"updated_at": &inst.UpdatedAt,
	}
	for field, dst := range times {
		ns, err := int64Field(fields, field)
		if err != nil {
			return nil, err
		}
		if ns != 0 {
			*dst = time.Unix(0, ns)
		}
	}

	ns, err := int64Field(fields, "last_health_check_at")
	if err != nil {
		return nil, err
	}
	if ns != 0 {
		t := time.Unix(0, ns)
		inst.LastHealthCheckAt = &t
	}

	return inst, nil
}

func atoiField(fields map[string]string, name string) (int, error) {
	v, err := int64Field(fields, name)
	return int(v), err
}

func int64Field(fields map[string]string, name string) (int64, error) {
	raw := fields[name]
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("instance field %s: %w", name, err)
	}
	return v, nil
}
