// Package config loads application configuration from file, environment
// and defaults via Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/periop-risk-server/internal/domain"
)

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	config *domain.Config
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/periop-risk-server/")

	viper.SetEnvPrefix("PERIOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	m.setDefaults()

	// Config file is optional; defaults and environment variables suffice.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")

	// Store defaults: embedded SQLite unless a Postgres deployment opts in
	viper.SetDefault("store.backend", "sqlite")
	viper.SetDefault("store.sqlite_path", "./data/evidence.db")
	viper.SetDefault("store.postgres.host", "localhost")
	viper.SetDefault("store.postgres.port", 5432)
	viper.SetDefault("store.postgres.database", "periop_risk")
	viper.SetDefault("store.postgres.username", "postgres")
	viper.SetDefault("store.postgres.password", "")
	viper.SetDefault("store.postgres.ssl_mode", "disable")
	viper.SetDefault("store.postgres.max_conns", 25)
	viper.SetDefault("store.postgres.min_conns", 5)
	viper.SetDefault("store.postgres.conn_max_lifetime", "5m")
	viper.SetDefault("store.postgres.conn_max_idle_time", "1m")
	viper.SetDefault("store.postgres.migrations_path", "./migrations")

	// Pooling defaults follow meta-analysis convention
	viper.SetDefault("pooling.random_effects_i2", 50.0)
	viper.SetDefault("pooling.severe_i2", 75.0)
	viper.SetDefault("pooling.min_studies", 3)
	viper.SetDefault("pooling.min_total_n", 500)

	// Cache defaults: memory tier only unless a Redis URL is configured
	viper.SetDefault("cache.redis_url", "")
	viper.SetDefault("cache.memory_size", 1024)
	viper.SetDefault("cache.ttl", "15m")

	// Ingestion defaults
	viper.SetDefault("ingest.rate_per_minute", 30)
	viper.SetDefault("ingest.max_batch_size", 1000)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// GetStoreConfig returns evidence store configuration
func (m *Manager) GetStoreConfig() *domain.StoreConfig {
	return &m.config.Store
}

// GetPoolingConfig returns pooling configuration
func (m *Manager) GetPoolingConfig() *domain.PoolingConfig {
	return &m.config.Pooling
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	if m.config == nil {
		return fmt.Errorf("configuration not loaded")
	}

	if m.config.Server.Port <= 0 || m.config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", m.config.Server.Port)
	}

	switch m.config.Store.Backend {
	case "sqlite":
		if m.config.Store.SQLitePath == "" {
			return fmt.Errorf("sqlite backend requires store.sqlite_path")
		}
	case "postgres":
		pg := m.config.Store.Postgres
		if pg.Host == "" {
			return fmt.Errorf("postgres backend requires store.postgres.host")
		}
		if pg.Database == "" {
			return fmt.Errorf("postgres backend requires store.postgres.database")
		}
	default:
		return fmt.Errorf("unknown store backend: %s", m.config.Store.Backend)
	}

	p := m.config.Pooling
	if p.RandomEffectsI2 < 0 || p.RandomEffectsI2 > 100 {
		return fmt.Errorf("pooling.random_effects_i2 must be within [0,100], got %g", p.RandomEffectsI2)
	}
	if p.SevereI2 < 0 || p.SevereI2 > 100 {
		return fmt.Errorf("pooling.severe_i2 must be within [0,100], got %g", p.SevereI2)
	}
	if p.SevereI2 < p.RandomEffectsI2 {
		return fmt.Errorf("pooling.severe_i2 (%g) must not be below pooling.random_effects_i2 (%g)", p.SevereI2, p.RandomEffectsI2)
	}
	if p.MinStudies < 1 {
		return fmt.Errorf("pooling.min_studies must be at least 1, got %d", p.MinStudies)
	}

	if m.config.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("ingest.max_batch_size must be positive, got %d", m.config.Ingest.MaxBatchSize)
	}

	switch m.config.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return fmt.Errorf("invalid logging level: %s", m.config.Logging.Level)
	}

	return nil
}
