package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the provisioner configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Backend      BackendConfig      `mapstructure:"backend"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Quota        QuotaConfig        `mapstructure:"quota"`
	Stats        StatsConfig        `mapstructure:"stats"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Lock         LockConfig         `mapstructure:"lock"`
	Notification NotificationConfig `mapstructure:"notification"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig represents the ops HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents the stack registry configuration.
// Driver "memory" keeps records in process and is meant for development.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig represents the Redis connection shared by the stats cache and name locks
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr returns host:port for the Redis client
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// BackendConfig selects the provisioning backend
type BackendConfig struct {
	Kind   string              `mapstructure:"kind"`
	Local  LocalBackendConfig  `mapstructure:"local"`
	Remote RemoteBackendConfig `mapstructure:"remote"`
}

// LocalBackendConfig configures compose-driven local provisioning
type LocalBackendConfig struct {
	StacksDir      string        `mapstructure:"stacks_dir"`
	DockerBinary   string        `mapstructure:"docker_binary"`
	DockerHost     string        `mapstructure:"docker_host"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes"`
	ProxyNetwork   string        `mapstructure:"proxy_network"`
}

// RemoteBackendConfig configures the remote orchestration API client
type RemoteBackendConfig struct {
	URL               string        `mapstructure:"url"`
	APIKey            string        `mapstructure:"api_key"`
	ServerID          int           `mapstructure:"server_id"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// ProvisioningConfig controls the deploy sequence
type ProvisioningConfig struct {
	BaseDomain         string        `mapstructure:"base_domain"`
	HealthPollInterval time.Duration `mapstructure:"health_poll_interval"`
	HealthPollAttempts int           `mapstructure:"health_poll_attempts"`
	DeployTimeout      time.Duration `mapstructure:"deploy_timeout"`
	CleanupTimeout     time.Duration `mapstructure:"cleanup_timeout"`
	NameAttempts       int           `mapstructure:"name_attempts"`
	NamePrefix         string        `mapstructure:"name_prefix"`
	AppImage           string        `mapstructure:"app_image"`
	DatabaseImage      string        `mapstructure:"database_image"`
	CacheImage         string        `mapstructure:"cache_image"`
	LoopbackPortMin    int           `mapstructure:"loopback_port_min"`
	LoopbackPortMax    int           `mapstructure:"loopback_port_max"`
}

// PlanConfig is one quota plan. Zero limits mean unlimited.
type PlanConfig struct {
	Name            string  `mapstructure:"name"`
	MaxActiveStacks int     `mapstructure:"max_active_stacks"`
	MaxStorageGB    float64 `mapstructure:"max_storage_gb"`
}

// QuotaConfig represents plans and the enforcement schedule
type QuotaConfig struct {
	DefaultPlan         string                `mapstructure:"default_plan"`
	Plans               map[string]PlanConfig `mapstructure:"plans"`
	OwnerPlans          map[string]string     `mapstructure:"owner_plans"`
	EnforcementInterval time.Duration         `mapstructure:"enforcement_interval"`
	WarningPercent      float64               `mapstructure:"warning_percent"`
}

// StatsConfig represents background stats polling
type StatsConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	Workers      int           `mapstructure:"workers"`
}

// CacheConfig represents the stats snapshot cache
type CacheConfig struct {
	Kind    string `mapstructure:"kind"`
	MaxSize int    `mapstructure:"max_size"`
}

// LockConfig represents the per-name deploy lock
type LockConfig struct {
	Kind string        `mapstructure:"kind"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// SMTPConfig represents outbound mail settings
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// NotificationConfig represents deploy notification delivery
type NotificationConfig struct {
	Kind       string     `mapstructure:"kind"`
	SMTP       SMTPConfig `mapstructure:"smtp"`
	MaxRetries int        `mapstructure:"max_retries"`
	Workers    int        `mapstructure:"workers"`
	QueueSize  int        `mapstructure:"queue_size"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return errors.New("database.host is required")
		}
		if c.Database.Database == "" {
			return errors.New("database.database is required")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required")
		}
	case "memory":
	default:
		return errors.New("database.driver must be one of: postgres, memory")
	}

	switch c.Backend.Kind {
	case "local":
		if c.Backend.Local.StacksDir == "" {
			return errors.New("backend.local.stacks_dir is required")
		}
		if c.Backend.Local.CommandTimeout <= 0 {
			return errors.New("backend.local.command_timeout must be positive")
		}
	case "remote":
		if c.Backend.Remote.URL == "" {
			return errors.New("backend.remote.url is required (COOLIFY_URL)")
		}
		if c.Backend.Remote.APIKey == "" {
			return errors.New("backend.remote.api_key is required (COOLIFY_API_KEY)")
		}
		if c.Backend.Remote.ServerID <= 0 {
			return errors.New("backend.remote.server_id must be positive (COOLIFY_SERVER_ID)")
		}
	default:
		return errors.New("backend.kind must be one of: local, remote")
	}

	if c.Provisioning.BaseDomain == "" {
		return errors.New("provisioning.base_domain is required")
	}
	if c.Provisioning.HealthPollAttempts <= 0 {
		return errors.New("provisioning.health_poll_attempts must be positive")
	}
	if c.Provisioning.HealthPollInterval <= 0 {
		return errors.New("provisioning.health_poll_interval must be positive")
	}
	if c.Provisioning.NameAttempts <= 0 {
		return errors.New("provisioning.name_attempts must be positive")
	}
	if c.Provisioning.LoopbackPortMin <= 0 || c.Provisioning.LoopbackPortMax > 65535 ||
		c.Provisioning.LoopbackPortMin > c.Provisioning.LoopbackPortMax {
		return errors.New("provisioning.loopback_port_min/max must form a valid port range")
	}

	if len(c.Quota.Plans) == 0 {
		return errors.New("quota.plans must define at least one plan")
	}
	if _, ok := c.Quota.Plans[c.Quota.DefaultPlan]; !ok {
		return fmt.Errorf("quota.default_plan %q is not a defined plan", c.Quota.DefaultPlan)
	}
	for owner, plan := range c.Quota.OwnerPlans {
		if _, ok := c.Quota.Plans[plan]; !ok {
			return fmt.Errorf("quota.owner_plans[%s] references unknown plan %q", owner, plan)
		}
	}

	if !oneOf(c.Cache.Kind, "memory", "redis") {
		return errors.New("cache.kind must be one of: memory, redis")
	}
	if !oneOf(c.Lock.Kind, "memory", "redis") {
		return errors.New("lock.kind must be one of: memory, redis")
	}
	if (c.Cache.Kind == "redis" || c.Lock.Kind == "redis") && c.Redis.Host == "" {
		return errors.New("redis.host is required when cache or lock use redis")
	}
	if !oneOf(c.Notification.Kind, "log", "smtp") {
		return errors.New("notification.kind must be one of: log, smtp")
	}
	if c.Notification.Kind == "smtp" && c.Notification.SMTP.Host == "" {
		return errors.New("notification.smtp.host is required")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// PlanFor returns the plan name assigned to an owner
func (q QuotaConfig) PlanFor(ownerID string) string {
	if plan, ok := q.OwnerPlans[ownerID]; ok {
		return plan
	}
	return q.DefaultPlan
}
