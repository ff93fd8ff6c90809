package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	apiv1 "github.com/arenactf/instanced/pkg/api/v1"
	"github.com/arenactf/instanced/pkg/common"
	"github.com/arenactf/instanced/pkg/metrics"
	"github.com/arenactf/instanced/pkg/orchestrator"
	"github.com/arenactf/instanced/pkg/repository"
	"github.com/arenactf/instanced/pkg/runtime"
	"github.com/arenactf/instanced/pkg/sweeper"
	"github.com/arenactf/instanced/pkg/templates"
	"github.com/arenactf/instanced/pkg/types"
)

type Server struct {
	ID          string
	Config      types.AppConfig
	RedisClient *common.RedisClient
	BackendRepo *repository.PostgresBackend
	httpServer  *http.Server
	echo        *echo.Echo
	ctx         context.Context
	cancelFunc  context.CancelFunc

	baseRouteGroup *echo.Group
	rootRouteGroup *echo.Group

	repo          repository.InstanceRepository
	runtime       runtime.Runtime
	catalog       *templates.StaticCatalog
	orchestrator  *orchestrator.Orchestrator
	eventBus      *common.EventBus
	metrics       *metrics.Collectors
	healthSweeper *sweeper.HealthSweeper
	expiryReaper  *sweeper.ExpiryReaper
}

// LoadConfig reads the app config and configures the global logger from it
func LoadConfig() (types.AppConfig, error) {
	configManager, err := common.NewConfigManager[types.AppConfig]()
	if err != nil {
		return types.AppConfig{}, err
	}
	config := configManager.GetConfig()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if config.DebugMode || config.PrettyLogs {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if config.PrettyLogs {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	return config, nil
}

func NewServer() (*Server, error) {
	config, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return NewServerWithConfig(config)
}

// NewServerWithConfig connects the backing stores and builds every component
// without starting any background work.
func NewServerWithConfig(config types.AppConfig) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		ID:         common.GenerateID("instanced"),
		Config:     config,
		ctx:        ctx,
		cancelFunc: cancel,
		metrics:    metrics.New(),
	}

	if err := s.init(); err != nil {
		s.close()
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Server) init() error {
	var err error

	if s.RedisClient, err = s.connectRedis(); err != nil {
		return err
	}

	if s.repo, err = s.newRepository(); err != nil {
		return err
	}

	s.catalog, err = templates.LoadDir(s.Config.Templates.Path)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}

	s.runtime, err = runtime.New(s.ctx, s.Config.Runtime)
	if err != nil {
		return fmt.Errorf("failed to initialize %s runtime: %w", s.Config.Runtime.Backend, err)
	}

	if err := s.initServices(); err != nil {
		return err
	}

	log.Info().
		Str("server_id", s.ID).
		Str("registry", string(s.Config.Registry.Backend)).
		Str("runtime", s.runtime.Name()).
		Int("templates", len(s.catalog.List())).
		Msg("server initialized")

	return nil
}

// initServices builds the event bus, the orchestrator and the sweepers on top
// of an already connected registry, runtime and catalog
func (s *Server) initServices() error {
	var eventRedis *common.RedisClient
	if s.Config.Events.Enabled {
		eventRedis = s.RedisClient
	}
	s.eventBus = common.NewEventBus(eventRedis, s.Config.Events.Channel)
	for _, t := range []types.EventType{types.EventInstanceCreated, types.EventInstanceStopped, types.EventInstanceFailed} {
		s.eventBus.On(t, logEvent)
	}

	orch, err := orchestrator.NewOrchestrator(s.Config, s.repo, s.runtime, s.catalog, s.eventBus, s.metrics)
	if err != nil {
		return err
	}
	s.orchestrator = orch

	s.healthSweeper = sweeper.NewHealthSweeper(s.Config.Sweeper, s.orchestrator, s.metrics)
	s.expiryReaper = sweeper.NewExpiryReaper(s.Config.Sweeper, s.orchestrator, s.metrics)
	return nil
}

// connectRedis connects when the registry or the event bus needs Redis. The
// event bus alone falls back to in-process dispatch if Redis is unreachable.
func (s *Server) connectRedis() (*common.RedisClient, error) {
	registryNeedsRedis := s.Config.Registry.Backend == types.RegistryBackendRedis
	if !registryNeedsRedis && !s.Config.Events.Enabled {
		return nil, nil
	}

	rdb, err := common.NewRedisClient(s.Config.Database.Redis, common.WithClientName("instanced"))
	if err != nil {
		if registryNeedsRedis {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Warn().Err(err).Msg("redis unavailable, events will be dispatched in-process only")
		return nil, nil
	}
	return rdb, nil
}

func (s *Server) newRepository() (repository.InstanceRepository, error) {
	switch s.Config.Registry.Backend {
	case types.RegistryBackendMemory:
		log.Warn().Msg("using in-memory registry, instances will not survive a restart")
		return repository.NewInstanceMemoryRepository(), nil

	case types.RegistryBackendRedis:
		return repository.NewInstanceRedisRepository(s.RedisClient, s.Config.Registry), nil

	case types.RegistryBackendPostgres:
		backend, err := repository.NewPostgresBackend(s.Config.Database.Postgres)
		if err != nil {
			return nil, err
		}
		s.BackendRepo = backend

		unlock, err := s.initLock("migrations")
		if err != nil {
			return nil, fmt.Errorf("failed to acquire migration lock: %w", err)
		}
		defer unlock()

		if err := backend.RunMigrations(); err != nil {
			return nil, err
		}
		return backend, nil

	default:
		return nil, fmt.Errorf("unknown registry backend: %q", s.Config.Registry.Backend)
	}
}

// initLock serializes one-time startup work across replicas when Redis is available
func (s *Server) initLock(name string) (func(), error) {
	if s.RedisClient == nil {
		return func() {}, nil
	}

	lockKey := common.Keys.ServerInitLock(name)
	lock := common.NewRedisLock(s.RedisClient)

	if err := lock.Acquire(s.ctx, lockKey, common.RedisLockOptions{TtlS: 60, Retries: 600}); err != nil {
		return nil, err
	}

	return func() {
		if err := lock.Release(lockKey); err != nil {
			log.Error().Str("lock_key", lockKey).Err(err).Msg("failed to release init lock")
		}
	}, nil
}

func (s *Server) initHTTP() {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Pre(middleware.RemoveTrailingSlash())

	if s.Config.Gateway.HTTP.EnablePrettyLogs {
		e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
			Format: "${time_rfc3339} ${method} ${uri} ${status} ${latency_human}\n",
		}))
	}

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.Config.Gateway.HTTP.CORS.AllowedOrigins,
		AllowHeaders: s.Config.Gateway.HTTP.CORS.AllowedHeaders,
		AllowMethods: s.Config.Gateway.HTTP.CORS.AllowedMethods,
	}))

	e.Use(middleware.Recover())
	e.Use(s.metrics.Middleware())

	s.echo = e
	s.httpServer = &http.Server{
		Addr:    s.addr(),
		Handler: e,
	}

	s.baseRouteGroup = e.Group(apiv1.HttpServerBaseRoute, apiv1.NewIdentityMiddleware())
	s.rootRouteGroup = e.Group(apiv1.HttpServerRootRoute)

	apiv1.NewHealthGroup(s.baseRouteGroup.Group("/health"), s.repo, s.runtime)
	apiv1.NewTemplatesGroup(s.baseRouteGroup.Group("/templates"), s.catalog, s.repo)
	apiv1.NewInstancesGroup(s.baseRouteGroup, s.orchestrator)

	s.rootRouteGroup.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
}

func (s *Server) addr() string {
	return fmt.Sprintf("%s:%d", s.Config.Gateway.HTTP.Host, s.Config.Gateway.HTTP.Port)
}

// StartAsync starts the event bus, the sweepers and the HTTP server and returns
func (s *Server) StartAsync() error {
	s.initHTTP()

	go s.eventBus.Start(s.ctx)

	if err := s.healthSweeper.Start(s.ctx); err != nil {
		return err
	}
	if err := s.expiryReaper.Start(s.ctx); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", s.addr())
	if err != nil {
		return fmt.Errorf("failed to listen on http: %w", err)
	}

	go func() {
		if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server error")
		}
	}()

	log.Info().
		Str("host", s.Config.Gateway.HTTP.Host).
		Int("port", s.Config.Gateway.HTTP.Port).
		Msg("http server running")

	return nil
}

func (s *Server) Start() error {
	if err := s.StartAsync(); err != nil {
		s.Shutdown()
		return err
	}

	terminationSignal := make(chan os.Signal, 1)
	signal.Notify(terminationSignal, os.Interrupt, syscall.SIGTERM)
	<-terminationSignal

	log.Info().Msg("termination signal received. shutting down...")
	s.Shutdown()

	return nil
}

// Shutdown stops accepting requests, stops the sweepers and closes the stores.
// Running sandboxes are left alone; the next process picks them up.
func (s *Server) Shutdown() {
	timeout := s.Config.Gateway.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)

	if s.httpServer != nil {
		eg.Go(func() error {
			return s.httpServer.Shutdown(ctx)
		})
	}

	if s.healthSweeper != nil {
		eg.Go(func() error {
			s.healthSweeper.Stop()
			return nil
		})
	}

	if s.expiryReaper != nil {
		eg.Go(func() error {
			s.expiryReaper.Stop()
			return nil
		})
	}

	if s.eventBus != nil {
		s.eventBus.Stop()
	}

	if err := eg.Wait(); err != nil {
		log.Error().Err(err).Msg("failed to shutdown server gracefully")
	}

	s.cancelFunc()
	s.close()

	log.Info().Msg("server stopped")
}

func (s *Server) close() {
	if s.BackendRepo != nil {
		if err := s.BackendRepo.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close postgres")
		}
	}
	if s.RedisClient != nil {
		if err := s.RedisClient.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis")
		}
	}
}

// Close releases the stores of a server that was never started
func (s *Server) Close() {
	s.cancelFunc()
	s.close()
}

// Orchestrator exposes the wired orchestrator to one-shot commands
func (s *Server) Orchestrator() *orchestrator.Orchestrator {
	return s.orchestrator
}

func (s *Server) ExpiryReaper() *sweeper.ExpiryReaper {
	return s.expiryReaper
}

func logEvent(e types.Event) {
	log.Debug().
		Str("event", string(e.Type)).
		Interface("data", e.Data).
		Msg("instance event")
}
