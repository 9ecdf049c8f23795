package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Manager handles configuration loading from file, environment, and defaults.
type Manager struct {
	v *viper.Viper
}

// NewManager creates a new configuration manager with defaults populated.
func NewManager() *Manager {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/relapi")
	v.AddConfigPath("$HOME/.relapi")

	v.SetEnvPrefix("RELAPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	return &Manager{v: v}
}

// Option is a functional option for configuring the Manager.
type Option func(*Manager)

// WithConfigFile sets a specific config file path.
func WithConfigFile(path string) Option {
	return func(m *Manager) { m.v.SetConfigFile(path) }
}

// WithConfigPath adds a path to search for config files.
func WithConfigPath(path string) Option {
	return func(m *Manager) { m.v.AddConfigPath(path) }
}

// NewManagerWithOptions creates a manager and applies functional options.
func NewManagerWithOptions(opts ...Option) *Manager {
	m := NewManager()
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load attempts to read the config file. A missing file is not an error;
// the manager falls back to defaults and environment variables.
func (m *Manager) Load() error {
	if err := m.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// GetConfig unmarshals and returns the complete configuration.
func (m *Manager) GetConfig() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns a configuration value by key.
func (m *Manager) Get(key string) interface{} { return m.v.Get(key) }

// GetString returns a string configuration value.
func (m *Manager) GetString(key string) string { return m.v.GetString(key) }

// GetInt returns an int configuration value.
func (m *Manager) GetInt(key string) int { return m.v.GetInt(key) }

// GetBool returns a bool configuration value.
func (m *Manager) GetBool(key string) bool { return m.v.GetBool(key) }

// Set overrides a configuration value at runtime.
func (m *Manager) Set(key string, value interface{}) { m.v.Set(key, value) }

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "120s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file::memory:?cache=shared")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")

	v.SetDefault("cache.provider", "memory")
	v.SetDefault("cache.ttl", "2m")
	v.SetDefault("cache.redis.host", "localhost")
	v.SetDefault("cache.redis.port", 6379)
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.memcache.servers", []string{"localhost:11211"})
	v.SetDefault("cache.memcache.max_idle_conns", 10)
	v.SetDefault("cache.memcache.timeout", "100ms")

	v.SetDefault("logger.dev", false)
	v.SetDefault("logger.path", "")

	v.SetDefault("error_tracking.enabled", false)
	v.SetDefault("error_tracking.provider", "noop")
	v.SetDefault("error_tracking.sample_rate", 1.0)
	v.SetDefault("error_tracking.traces_sample_rate", 0.0)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Content-Type", "Authorization", "Accept"})
	v.SetDefault("cors.max_age", 86400)

	v.SetDefault("engine.url_prefix", "/api")
	v.SetDefault("engine.default_page_size", 20)
	v.SetDefault("engine.max_page_size", 200)
	v.SetDefault("engine.max_include_depth", 3)
	v.SetDefault("engine.skip_pivot_existence_check", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.provider", "prometheus")
	v.SetDefault("metrics.namespace", "relapi")
	v.SetDefault("metrics.path", "/metrics")
}
