package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenactf/instanced/pkg/types"
)

func TestConfigManagerDefaults(t *testing.T) {
	cm, err := NewConfigManagerFromPath[types.AppConfig]("")
	require.NoError(t, err)

	config := cm.GetConfig()
	assert.Equal(t, types.RegistryBackendMemory, config.Registry.Backend)
	assert.Equal(t, types.RuntimeBackendDocker, config.Runtime.Backend)
	assert.Equal(t, 15*time.Second, config.Orchestrator.WaitTimeout)
	assert.Equal(t, 60*time.Second, config.Orchestrator.ProvisionTimeout)
	assert.Equal(t, 30*time.Second, config.Sweeper.HealthInterval)
	assert.Equal(t, time.Minute, config.Sweeper.ExpiryInterval)
	assert.Equal(t, "CTF", config.Flag.Prefix)
	assert.Equal(t, 32, config.Flag.Length)
	assert.Equal(t, "ctf_network", config.Runtime.Docker.Network)
	assert.Equal(t, []string{"localhost:6379"}, config.Database.Redis.Addrs)
}

func TestConfigManagerOverlayFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte(`
registry:
  backend: redis
flag:
  prefix: ARENA
sweeper:
  healthInterval: 5s
`), 0o644)
	require.NoError(t, err)

	cm, err := NewConfigManagerFromPath[types.AppConfig](path)
	require.NoError(t, err)

	config := cm.GetConfig()
	assert.Equal(t, types.RegistryBackendRedis, config.Registry.Backend)
	assert.Equal(t, "ARENA", config.Flag.Prefix)
	assert.Equal(t, 32, config.Flag.Length)
	assert.Equal(t, 5*time.Second, config.Sweeper.HealthInterval)
}

func TestConfigManagerJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"runtime": {"backend": "kubernetes"}}`), 0o644))

	cm, err := NewConfigManagerFromPath[types.AppConfig](path)
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeBackendKubernetes, cm.GetConfig().Runtime.Backend)
}

func TestConfigManagerRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("flag:\n  length: 8\n"), 0o644))

	_, err := NewConfigManagerFromPath[types.AppConfig](path)
	assert.Error(t, err)

	path = filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("registry:\n  backend: etcd\n"), 0o644))

	_, err = NewConfigManagerFromPath[types.AppConfig](path)
	assert.Error(t, err)
}

func TestConfigManagerUnsupportedExtension(t *testing.T) {
	_, err := NewConfigManagerFromPath[types.AppConfig]("/tmp/config.toml")
	assert.Error(t, err)
}
