package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arenactf/instanced/pkg/types"
)

// keyedMutex hands out one mutex per key and forgets it once nobody holds it
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// InstanceMemoryRepository keeps instances in process memory. It serves
// single-node deployments and tests.
type InstanceMemoryRepository struct {
	mu        sync.RWMutex
	instances map[string]*types.Instance
	live      map[types.ReservationKey]string
	keys      *keyedMutex
	templates *keyedMutex
	now       func() time.Time
}

func NewInstanceMemoryRepository() *InstanceMemoryRepository {
	return &InstanceMemoryRepository{
		instances: make(map[string]*types.Instance),
		live:      make(map[types.ReservationKey]string),
		keys:      newKeyedMutex(),
		templates: newKeyedMutex(),
		now:       time.Now,
	}
}

func (r *InstanceMemoryRepository) TryReserve(ctx context.Context, candidate *types.Instance) error {
	key := candidate.Key()
	unlock := r.keys.Lock(key.String())
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.live[key]; ok {
		if existing, ok := r.instances[id]; ok && existing.Status.IsLive() {
			return &types.ErrInstanceExists{Existing: existing.Clone()}
		}
	}

	inst := candidate.Clone()
	inst.Status = types.InstanceStatusProvisioning
	inst.HoldsSlot = false
	inst.UpdatedAt = r.now()
	r.instances[inst.ID] = inst
	r.live[key] = inst.ID
	return nil
}

func (r *InstanceMemoryRepository) ClaimSlot(ctx context.Context, instanceId string, maxInstances int) error {
	r.mu.RLock()
	inst, ok := r.instances[instanceId]
	var templateId string
	if ok {
		templateId = inst.TemplateID
	}
	r.mu.RUnlock()
	if !ok {
		return &types.ErrInstanceNotFound{InstanceId: instanceId}
	}

	unlock := r.templates.Lock(templateId)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok = r.instances[instanceId]
	if !ok {
		return &types.ErrInstanceNotFound{InstanceId: instanceId}
	}
	if inst.Status != types.InstanceStatusProvisioning {
		return &types.ErrInvalidTransition{InstanceId: instanceId, From: inst.Status, To: types.InstanceStatusProvisioning}
	}
	if inst.HoldsSlot {
		return nil
	}

	held := 0
	for _, other := range r.instances {
		if other.TemplateID == templateId && other.HoldsSlot {
			held++
		}
	}
	if held >= maxInstances {
		return &types.ErrCapacityExceeded{TemplateId: templateId, MaxInstances: maxInstances}
	}

	inst.HoldsSlot = true
	inst.UpdatedAt = r.now()
	return nil
}

func (r *InstanceMemoryRepository) Discard(ctx context.Context, instanceId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceId]
	if !ok {
		return nil
	}
	if r.live[inst.Key()] == instanceId {
		delete(r.live, inst.Key())
	}
	delete(r.instances, instanceId)
	return nil
}

func (r *InstanceMemoryRepository) MarkRunning(ctx context.Context, instanceId, handle, host string, publishedPort int, flag string) (*types.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceId]
	if !ok {
		return nil, &types.ErrInstanceNotFound{InstanceId: instanceId}
	}
	if err := applyRunning(inst, handle, host, publishedPort, flag, r.now()); err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

func (r *InstanceMemoryRepository) MarkStatus(ctx context.Context, instanceId string, status types.InstanceStatus, reason string) (*types.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceId]
	if !ok {
		return nil, &types.ErrInstanceNotFound{InstanceId: instanceId}
	}
	if err := applyTransition(inst, status, reason, r.now()); err != nil {
		return nil, err
	}
	if !status.IsLive() && r.live[inst.Key()] == instanceId {
		delete(r.live, inst.Key())
	}
	return inst.Clone(), nil
}

func (r *InstanceMemoryRepository) RecordHealthCheck(ctx context.Context, instanceId string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceId]
	if !ok {
		return &types.ErrInstanceNotFound{InstanceId: instanceId}
	}
	inst.LastHealthCheckAt = &at
	return nil
}

func (r *InstanceMemoryRepository) Get(ctx context.Context, instanceId string) (*types.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[instanceId]
	if !ok {
		return nil, &types.ErrInstanceNotFound{InstanceId: instanceId}
	}
	return inst.Clone(), nil
}

func (r *InstanceMemoryRepository) ListLive(ctx context.Context, templateId string) ([]*types.Instance, error) {
	return r.filter(func(i *types.Instance) bool {
		return i.Status.IsLive() && (templateId == "" || i.TemplateID == templateId)
	}), nil
}

func (r *InstanceMemoryRepository) ListExpired(ctx context.Context, now time.Time) ([]*types.Instance, error) {
	return r.filter(func(i *types.Instance) bool {
		return i.Status.IsLive() && i.IsExpired(now)
	}), nil
}

func (r *InstanceMemoryRepository) ListByStatus(ctx context.Context, status types.InstanceStatus) ([]*types.Instance, error) {
	return r.filter(func(i *types.Instance) bool {
		return i.Status == status
	}), nil
}

func (r *InstanceMemoryRepository) ListByTeam(ctx context.Context, teamId string) ([]*types.Instance, error) {
	return r.filter(func(i *types.Instance) bool {
		return i.TeamID == teamId
	}), nil
}

func (r *InstanceMemoryRepository) CountRunning(ctx context.Context, templateId string) (int, error) {
	return len(r.filter(func(i *types.Instance) bool {
		return i.Status == types.InstanceStatusRunning && i.TemplateID == templateId
	})), nil
}

func (r *InstanceMemoryRepository) Ping(ctx context.Context) error {
	return nil
}

func (r *InstanceMemoryRepository) filter(match func(*types.Instance) bool) []*types.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Instance, 0)
	for _, inst := range r.instances {
		if match(inst) {
			out = append(out, inst.Clone())
		}
	}
	sortInstances(out)
	return out
}

// sortInstances orders by creation time, newest last
func sortInstances(instances []*types.Instance) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].ID < instances[j].ID
		}
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})
}
