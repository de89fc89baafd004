package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periop-risk-server/internal/domain"
)

func TestDefaults(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	cfg := m.GetConfig()
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 50.0, cfg.Pooling.RandomEffectsI2)
	assert.Equal(t, 75.0, cfg.Pooling.SevereI2)
	assert.Equal(t, 3, cfg.Pooling.MinStudies)
	assert.Equal(t, 500, cfg.Pooling.MinTotalN)
	assert.Equal(t, 1000, cfg.Ingest.MaxBatchSize)
	assert.Empty(t, cfg.Cache.RedisURL)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("PERIOP_SERVER_PORT", "9090")
	t.Setenv("PERIOP_STORE_BACKEND", "postgres")
	t.Setenv("PERIOP_STORE_POSTGRES_HOST", "db.internal")

	m, err := NewManager()
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	assert.Equal(t, 9090, m.GetServerConfig().Port)
	assert.Equal(t, "postgres", m.GetStoreConfig().Backend)
	assert.Equal(t, "db.internal", m.GetStoreConfig().Postgres.Host)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Config)
	}{
		{"bad port", func(c *domain.Config) { c.Server.Port = -1 }},
		{"unknown backend", func(c *domain.Config) { c.Store.Backend = "dynamo" }},
		{"missing sqlite path", func(c *domain.Config) { c.Store.SQLitePath = "" }},
		{"inverted i2 thresholds", func(c *domain.Config) { c.Pooling.SevereI2 = 40 }},
		{"zero min studies", func(c *domain.Config) { c.Pooling.MinStudies = 0 }},
		{"bad log level", func(c *domain.Config) { c.Logging.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager()
			require.NoError(t, err)
			tt.mutate(m.config)
			assert.Error(t, m.Validate())
		})
	}
}
