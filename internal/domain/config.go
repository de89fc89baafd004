package domain

import (
	"time"
)

// Config represents the main application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Pooling PoolingConfig `mapstructure:"pooling"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// StoreConfig selects and configures the evidence store backend.
type StoreConfig struct {
	// Backend is "sqlite" (default, embedded) or "postgres".
	Backend string `mapstructure:"backend"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `mapstructure:"sqlite_path"`

	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig represents Postgres connection configuration.
type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// PoolingConfig carries the statistical thresholds of the pooling engine.
// The defaults follow meta-analysis convention; they are configuration so a
// deployment can tighten them, not so they can be disabled.
type PoolingConfig struct {
	// RandomEffectsI2 is the I² percentage above which random-effects
	// pooling replaces fixed-effects.
	RandomEffectsI2 float64 `mapstructure:"random_effects_i2"`

	// SevereI2 is the I² percentage treated as serious inconsistency,
	// downgrading the pooled evidence grade one level.
	SevereI2 float64 `mapstructure:"severe_i2"`

	// MinStudies below which the pooled grade is downgraded one level.
	MinStudies int `mapstructure:"min_studies"`

	// MinTotalN below which the pooled grade is downgraded one level.
	MinTotalN int `mapstructure:"min_total_n"`
}

// CacheConfig represents assessment cache configuration. RedisURL empty
// disables the distributed tier; the in-memory tier is always on.
type CacheConfig struct {
	RedisURL   string        `mapstructure:"redis_url"`
	MemorySize int           `mapstructure:"memory_size"`
	TTL        time.Duration `mapstructure:"ttl"`
}

// IngestConfig represents evidence ingestion configuration.
type IngestConfig struct {
	// RatePerMinute limits ingestion requests on the HTTP surface; the
	// ingestion path is the exclusive writer and is not latency-sensitive.
	RatePerMinute int `mapstructure:"rate_per_minute"`
	MaxBatchSize  int `mapstructure:"max_batch_size"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
