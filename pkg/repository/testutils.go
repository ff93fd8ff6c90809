package repository

import (
	"github.com/alicebob/miniredis/v2"

	"github.com/arenactf/instanced/pkg/common"
	"github.com/arenactf/instanced/pkg/types"
)

// NewRedisClientForTest creates a Redis client backed by miniredis for testing
func NewRedisClientForTest() (*common.RedisClient, error) {
	s, err := miniredis.Run()
	if err != nil {
		return nil, err
	}

	rdb, err := common.NewRedisClient(types.RedisConfig{
		Addrs: []string{s.Addr()},
		Mode:  types.RedisModeSingle,
	})
	if err != nil {
		return nil, err
	}

	return rdb, nil
}

// NewInstanceRedisRepositoryForTest creates an InstanceRepository backed by miniredis
func NewInstanceRedisRepositoryForTest(rdb *common.RedisClient) *InstanceRedisRepository {
	return NewInstanceRedisRepository(rdb, types.RegistryConfig{
		Backend:     types.RegistryBackendRedis,
		LockRetries: 200,
	})
}
