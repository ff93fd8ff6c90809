package types

import (
	"fmt"
	"time"
)

// AppConfig is the root configuration for instanced
type AppConfig struct {
	DebugMode  bool `key:"debugMode" json:"debug_mode"`
	PrettyLogs bool `key:"prettyLogs" json:"pretty_logs"`

	Database     DatabaseConfig     `key:"database" json:"database"`
	Registry     RegistryConfig     `key:"registry" json:"registry"`
	Runtime      RuntimeConfig      `key:"runtime" json:"runtime"`
	Templates    TemplatesConfig    `key:"templates" json:"templates"`
	Orchestrator OrchestratorConfig `key:"orchestrator" json:"orchestrator"`
	Flag         FlagConfig         `key:"flag" json:"flag"`
	Sweeper      SweeperConfig      `key:"sweeper" json:"sweeper"`
	Gateway      GatewayConfig      `key:"gateway" json:"gateway"`
	Events       EventsConfig       `key:"events" json:"events"`
}

// Validate checks cross-field constraints that the defaults cannot express
func (c *AppConfig) Validate() error {
	switch c.Registry.Backend {
	case RegistryBackendMemory, RegistryBackendRedis, RegistryBackendPostgres:
	default:
		return fmt.Errorf("unknown registry backend: %q", c.Registry.Backend)
	}
	switch c.Runtime.Backend {
	case RuntimeBackendDocker, RuntimeBackendKubernetes:
	default:
		return fmt.Errorf("unknown runtime backend: %q", c.Runtime.Backend)
	}
	if c.Flag.Length < MinFlagLength {
		return fmt.Errorf("flag.length must be at least %d, got %d", MinFlagLength, c.Flag.Length)
	}
	if c.Orchestrator.ProvisionTimeout <= 0 || c.Orchestrator.WaitTimeout <= 0 {
		return fmt.Errorf("orchestrator timeouts must be positive")
	}
	if c.Sweeper.HealthInterval <= 0 || c.Sweeper.ExpiryInterval <= 0 {
		return fmt.Errorf("sweeper intervals must be positive")
	}
	if c.Sweeper.Concurrency <= 0 {
		return fmt.Errorf("sweeper.concurrency must be positive")
	}
	return nil
}

// ----------------------------------------------------------------------------
// Database Configuration
// ----------------------------------------------------------------------------

type DatabaseConfig struct {
	Redis    RedisConfig    `key:"redis" json:"redis"`
	Postgres PostgresConfig `key:"postgres" json:"postgres"`
}

type RedisMode string

const (
	RedisModeSingle  RedisMode = "single"
	RedisModeCluster RedisMode = "cluster"
)

type RedisConfig struct {
	Mode               RedisMode     `key:"mode" json:"mode"`
	Addrs              []string      `key:"addrs" json:"addrs"`
	Username           string        `key:"username" json:"username"`
	Password           string        `key:"password" json:"password"`
	ClientName         string        `key:"clientName" json:"client_name"`
	EnableTLS          bool          `key:"enableTLS" json:"enable_tls"`
	InsecureSkipVerify bool          `key:"insecureSkipVerify" json:"insecure_skip_verify"`
	PoolSize           int           `key:"poolSize" json:"pool_size"`
	MinIdleConns       int           `key:"minIdleConns" json:"min_idle_conns"`
	DialTimeout        time.Duration `key:"dialTimeout" json:"dial_timeout"`
	ReadTimeout        time.Duration `key:"readTimeout" json:"read_timeout"`
	WriteTimeout       time.Duration `key:"writeTimeout" json:"write_timeout"`
	MaxRetries         int           `key:"maxRetries" json:"max_retries"`
}

type PostgresConfig struct {
	Host            string        `key:"host" json:"host"`
	Port            int           `key:"port" json:"port"`
	User            string        `key:"user" json:"user"`
	Password        string        `key:"password" json:"password"`
	Database        string        `key:"database" json:"database"`
	SSLMode         string        `key:"sslMode" json:"ssl_mode"`
	MaxOpenConns    int           `key:"maxOpenConns" json:"max_open_conns"`
	MaxIdleConns    int           `key:"maxIdleConns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `key:"connMaxLifetime" json:"conn_max_lifetime"`
}

// DSN returns a lib/pq connection string
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// ----------------------------------------------------------------------------
// Registry Configuration
// ----------------------------------------------------------------------------

type RegistryBackend string

const (
	RegistryBackendMemory   RegistryBackend = "memory"
	RegistryBackendRedis    RegistryBackend = "redis"
	RegistryBackendPostgres RegistryBackend = "postgres"
)

type RegistryConfig struct {
	Backend RegistryBackend `key:"backend" json:"backend"`

	// LockTTL bounds how long a redis reservation lock may be held
	LockTTL     time.Duration `key:"lockTTL" json:"lock_ttl"`
	LockRetries int           `key:"lockRetries" json:"lock_retries"`
}

// ----------------------------------------------------------------------------
// Runtime Configuration
// ----------------------------------------------------------------------------

type RuntimeBackend string

const (
	RuntimeBackendDocker     RuntimeBackend = "docker"
	RuntimeBackendKubernetes RuntimeBackend = "kubernetes"
)

type RuntimeConfig struct {
	Backend RuntimeBackend `key:"backend" json:"backend"`

	// PublicHost is the address players connect to; it is returned in every descriptor
	PublicHost string           `key:"publicHost" json:"public_host"`
	Docker     DockerConfig     `key:"docker" json:"docker"`
	Kubernetes KubernetesConfig `key:"kubernetes" json:"kubernetes"`
}

type DockerConfig struct {
	Host           string        `key:"host" json:"host"` // empty uses DOCKER_HOST / default socket
	Network        string        `key:"network" json:"network"`
	PullTimeout    time.Duration `key:"pullTimeout" json:"pull_timeout"`
	StopTimeout    time.Duration `key:"stopTimeout" json:"stop_timeout"`
	ImageCacheSize int           `key:"imageCacheSize" json:"image_cache_size"`
	ImageCacheTTL  time.Duration `key:"imageCacheTTL" json:"image_cache_ttl"`

	// MinFreeMemoryMB rejects new sandboxes when the host has less available memory
	MinFreeMemoryMB uint64 `key:"minFreeMemoryMB" json:"min_free_memory_mb"`
}

type KubernetesConfig struct {
	Kubeconfig string `key:"kubeconfig" json:"kubeconfig"` // empty uses in-cluster config
	Namespace  string `key:"namespace" json:"namespace"`
}

// ----------------------------------------------------------------------------
// Lifecycle Configuration
// ----------------------------------------------------------------------------

type TemplatesConfig struct {
	Path string `key:"path" json:"path"` // directory of *.yaml definitions
}

type OrchestratorConfig struct {
	WaitTimeout       time.Duration `key:"waitTimeout" json:"wait_timeout"`
	ProvisionTimeout  time.Duration `key:"provisionTimeout" json:"provision_timeout"`
	ReadyPollInterval time.Duration `key:"readyPollInterval" json:"ready_poll_interval"`
	TeardownTimeout   time.Duration `key:"teardownTimeout" json:"teardown_timeout"`
}

const MinFlagLength = 16

type FlagConfig struct {
	Prefix string `key:"prefix" json:"prefix"`
	Length int    `key:"length" json:"length"`
}

type SweeperConfig struct {
	HealthInterval time.Duration `key:"healthInterval" json:"health_interval"`
	ExpiryInterval time.Duration `key:"expiryInterval" json:"expiry_interval"`
	Concurrency    int           `key:"concurrency" json:"concurrency"`
	ReapOrphans    bool          `key:"reapOrphans" json:"reap_orphans"`
}

type EventsConfig struct {
	Enabled bool   `key:"enabled" json:"enabled"`
	Channel string `key:"channel" json:"channel"`
}

// ----------------------------------------------------------------------------
// Gateway Configuration
// ----------------------------------------------------------------------------

type GatewayConfig struct {
	HTTP            HTTPConfig    `key:"http" json:"http"`
	ShutdownTimeout time.Duration `key:"shutdownTimeout" json:"shutdown_timeout"`
}

type HTTPConfig struct {
	Host             string     `key:"host" json:"host"`
	Port             int        `key:"port" json:"port"`
	EnablePrettyLogs bool       `key:"enablePrettyLogs" json:"enable_pretty_logs"`
	CORS             CORSConfig `key:"cors" json:"cors"`
}

type CORSConfig struct {
	AllowedOrigins []string `key:"allowOrigins" json:"allow_origins"`
	AllowedMethods []string `key:"allowMethods" json:"allow_methods"`
	AllowedHeaders []string `key:"allowHeaders" json:"allow_headers"`
}
