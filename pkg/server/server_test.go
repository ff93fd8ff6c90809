package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apiv1 "github.com/arenactf/instanced/pkg/api/v1"
	"github.com/arenactf/instanced/pkg/common"
	"github.com/arenactf/instanced/pkg/metrics"
	"github.com/arenactf/instanced/pkg/repository"
	"github.com/arenactf/instanced/pkg/runtime"
	"github.com/arenactf/instanced/pkg/templates"
	"github.com/arenactf/instanced/pkg/types"
)

func defaultConfig(t *testing.T) types.AppConfig {
	t.Helper()
	cm, err := common.NewConfigManagerFromPath[types.AppConfig]("")
	require.NoError(t, err)

	config := cm.GetConfig()
	config.Events.Enabled = false
	return config
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	catalog, err := templates.NewStaticCatalog(&types.ChallengeTemplate{
		ID:           "web",
		Image:        "ctf/web:1",
		InternalPort: 80,
	})
	require.NoError(t, err)

	s := &Server{
		Config:     defaultConfig(t),
		ctx:        ctx,
		cancelFunc: cancel,
		metrics:    metrics.New(),
		repo:       repository.NewInstanceMemoryRepository(),
		runtime:    runtime.NewFakeRuntime(),
		catalog:    catalog,
	}
	require.NoError(t, s.initServices())
	s.initHTTP()
	return s
}

func serve(s *Server, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestRoutesAreWired(t *testing.T) {
	s := newTestServer(t)
	team := map[string]string{apiv1.HeaderTeamID: "team-a"}

	rec := serve(s, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(s, http.MethodGet, "/api/v1/templates", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"web"`)

	rec = serve(s, http.MethodPost, "/api/v1/challenges/web/instance/", team)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = serve(s, http.MethodGet, "/api/v1/teams/team-a/instances", team)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "instanced_acquire_total")
	assert.Contains(t, rec.Body.String(), "instanced_http_requests_total")
}

func TestNewRepositorySelectsBackend(t *testing.T) {
	s := &Server{Config: defaultConfig(t), ctx: context.Background()}

	repo, err := s.newRepository()
	require.NoError(t, err)
	assert.IsType(t, &repository.InstanceMemoryRepository{}, repo)

	rdb, err := repository.NewRedisClientForTest()
	require.NoError(t, err)
	s.Config.Registry.Backend = types.RegistryBackendRedis
	s.RedisClient = rdb

	repo, err = s.newRepository()
	require.NoError(t, err)
	assert.IsType(t, &repository.InstanceRedisRepository{}, repo)

	s.Config.Registry.Backend = "etcd"
	_, err = s.newRepository()
	assert.Error(t, err)
}

func TestInitLock(t *testing.T) {
	s := &Server{ctx: context.Background()}

	unlock, err := s.initLock("migrations")
	require.NoError(t, err)
	unlock()

	rdb, err := repository.NewRedisClientForTest()
	require.NoError(t, err)
	s.RedisClient = rdb

	unlock, err = s.initLock("migrations")
	require.NoError(t, err)
	exists, err := rdb.Exists(context.Background(), common.Keys.ServerInitLock("migrations")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	unlock()
	exists, err = rdb.Exists(context.Background(), common.Keys.ServerInitLock("migrations")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestConnectRedisFallsBackForEvents(t *testing.T) {
	config := defaultConfig(t)
	config.Events.Enabled = true
	config.Database.Redis.Addrs = []string{"127.0.0.1:1"}
	config.Database.Redis.MaxRetries = -1

	s := &Server{Config: config}
	rdb, err := s.connectRedis()
	assert.NoError(t, err)
	assert.Nil(t, rdb)

	s.Config.Registry.Backend = types.RegistryBackendRedis
	_, err = s.connectRedis()
	assert.Error(t, err)
}

func TestShutdownStopsComponents(t *testing.T) {
	s := newTestServer(t)
	s.Config.Gateway.HTTP.Host = "127.0.0.1"
	s.Config.Gateway.HTTP.Port = 0

	require.NoError(t, s.healthSweeper.Start(s.ctx))
	require.NoError(t, s.expiryReaper.Start(s.ctx))

	s.Shutdown()
	assert.Error(t, s.ctx.Err())
}
