// Package config holds the typed settings consumed at process startup:
// engine defaults, the database connection, the query cache provider, the
// logger, and error tracking. Per-resource and per-call settings always win
// over what's loaded here (see engine.EngineOptions).
package config

import "time"

// Config represents the complete application configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Logger        LoggerConfig        `mapstructure:"logger"`
	ErrorTracking ErrorTrackingConfig `mapstructure:"error_tracking"`
	CORS          CORSConfig          `mapstructure:"cors"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
}

// ServerConfig holds the HTTP server's listen and timeout settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds the storage executor's database connection settings.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, sqlite, mssql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CacheConfig holds query result cache provider configuration.
type CacheConfig struct {
	Provider string         `mapstructure:"provider"` // memory, redis, memcache
	TTL      time.Duration  `mapstructure:"ttl"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Memcache MemcacheConfig `mapstructure:"memcache"`
}

// RedisConfig holds Redis-specific configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MemcacheConfig holds Memcache-specific configuration.
type MemcacheConfig struct {
	Servers      []string      `mapstructure:"servers"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Dev  bool   `mapstructure:"dev"`
	Path string `mapstructure:"path"`
}

// CORSConfig holds CORS configuration for the transport examples.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
	MaxAge         int      `mapstructure:"max_age"`
}

// ErrorTrackingConfig holds error tracking configuration.
type ErrorTrackingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Provider         string  `mapstructure:"provider"` // sentry, noop
	DSN              string  `mapstructure:"dsn"`
	Environment      string  `mapstructure:"environment"`
	Release          string  `mapstructure:"release"`
	Debug            bool    `mapstructure:"debug"`
	SampleRate       float64 `mapstructure:"sample_rate"`
	TracesSampleRate float64 `mapstructure:"traces_sample_rate"`
}

// MetricsConfig holds metrics provider configuration. This is ambient
// instrumentation, not part of the Resource Engine proper.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Provider  string `mapstructure:"provider"` // prometheus, noop
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"` // HTTP path serving the metrics handler
}

// EngineConfig holds engine-wide defaults that resources may override.
type EngineConfig struct {
	URLPrefix             string `mapstructure:"url_prefix"`
	DefaultPageSize       int    `mapstructure:"default_page_size"`
	MaxPageSize           int    `mapstructure:"max_page_size"`
	MaxIncludeDepth       int    `mapstructure:"max_include_depth"`
	SkipPivotExistenceChk bool   `mapstructure:"skip_pivot_existence_check"`
}
