package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variables mapped onto config keys,
// e.g. PROVISIONER_BACKEND_KIND for backend.kind.
const EnvPrefix = "PROVISIONER"

// Load loads configuration from an optional YAML file, environment variables and defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/provisioner/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional if defaults and environment variables are enough
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Variables used by existing deployments take precedence
	applyEnvironmentOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns the configuration produced by defaults alone
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("invalid config defaults: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Registry defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "provisioner")
	v.SetDefault("database.user", "provisioner")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 20)
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	// Backend defaults
	v.SetDefault("backend.kind", "local")
	v.SetDefault("backend.local.stacks_dir", "./customers")
	v.SetDefault("backend.local.docker_binary", "docker")
	v.SetDefault("backend.local.docker_host", "")
	v.SetDefault("backend.local.command_timeout", "5m")
	v.SetDefault("backend.local.max_output_bytes", 64*1024)
	v.SetDefault("backend.local.proxy_network", "coolify")
	v.SetDefault("backend.remote.url", "")
	v.SetDefault("backend.remote.api_key", "")
	v.SetDefault("backend.remote.server_id", 1)
	v.SetDefault("backend.remote.timeout", "60s")
	v.SetDefault("backend.remote.requests_per_second", 5.0)
	v.SetDefault("backend.remote.burst", 10)

	// Provisioning defaults
	v.SetDefault("provisioning.base_domain", "localhost")
	v.SetDefault("provisioning.health_poll_interval", "5s")
	v.SetDefault("provisioning.health_poll_attempts", 24)
	v.SetDefault("provisioning.deploy_timeout", "10m")
	v.SetDefault("provisioning.cleanup_timeout", "2m")
	v.SetDefault("provisioning.name_attempts", 10)
	v.SetDefault("provisioning.name_prefix", "forum")
	v.SetDefault("provisioning.app_image", "discourse/discourse:latest")
	v.SetDefault("provisioning.database_image", "postgres:15-alpine")
	v.SetDefault("provisioning.cache_image", "redis:7-alpine")
	v.SetDefault("provisioning.loopback_port_min", 3001)
	v.SetDefault("provisioning.loopback_port_max", 3999)

	// Quota defaults
	v.SetDefault("quota.default_plan", "starter")
	v.SetDefault("quota.plans", map[string]interface{}{
		"starter":    map[string]interface{}{"name": "Starter", "max_active_stacks": 1, "max_storage_gb": 10},
		"pro":        map[string]interface{}{"name": "Pro", "max_active_stacks": 3, "max_storage_gb": 50},
		"enterprise": map[string]interface{}{"name": "Enterprise", "max_active_stacks": 0, "max_storage_gb": 0},
	})
	v.SetDefault("quota.owner_plans", map[string]string{})
	v.SetDefault("quota.enforcement_interval", "15m")
	v.SetDefault("quota.warning_percent", 80.0)

	// Stats defaults
	v.SetDefault("stats.poll_interval", "30s")
	v.SetDefault("stats.cache_ttl", "2m")
	v.SetDefault("stats.workers", 4)

	v.SetDefault("cache.kind", "memory")
	v.SetDefault("cache.max_size", 10000)
	v.SetDefault("lock.kind", "memory")
	v.SetDefault("lock.ttl", "15m")

	// Notification defaults
	v.SetDefault("notification.kind", "log")
	v.SetDefault("notification.smtp.port", 587)
	v.SetDefault("notification.smtp.from", "noreply@localhost")
	v.SetDefault("notification.max_retries", 3)
	v.SetDefault("notification.workers", 2)
	v.SetDefault("notification.queue_size", 100)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// applyEnvironmentOverrides applies the unprefixed variables of existing deployments
func applyEnvironmentOverrides(cfg *Config) {
	// Registry configuration
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Database.Port = p
		}
	}
	if name := os.Getenv("POSTGRES_DATABASE"); name != "" {
		cfg.Database.Database = name
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		cfg.Database.User = user
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if ssl := os.Getenv("POSTGRES_SSL"); ssl == "true" {
		cfg.Database.SSLMode = "require"
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	// Remote backend configuration
	if url := os.Getenv("COOLIFY_URL"); url != "" {
		cfg.Backend.Remote.URL = url
	}
	if key := os.Getenv("COOLIFY_API_KEY"); key != "" {
		cfg.Backend.Remote.APIKey = key
	}
	if serverID := os.Getenv("COOLIFY_SERVER_ID"); serverID != "" {
		if id, err := strconv.Atoi(serverID); err == nil {
			cfg.Backend.Remote.ServerID = id
		}
	}

	if domain := os.Getenv("DOMAIN"); domain != "" {
		cfg.Provisioning.BaseDomain = domain
	}

	// Mail configuration
	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.Notification.SMTP.Host = host
		cfg.Notification.Kind = "smtp"
	}
	if port := os.Getenv("SMTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Notification.SMTP.Port = p
		}
	}
	if user := os.Getenv("SMTP_USER"); user != "" {
		cfg.Notification.SMTP.User = user
	}
	if password := os.Getenv("SMTP_PASS"); password != "" {
		cfg.Notification.SMTP.Password = password
	}
	if from := os.Getenv("SMTP_FROM"); from != "" {
		cfg.Notification.SMTP.From = from
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
