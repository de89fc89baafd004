package store

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/periop-risk-server/internal/database"
	"github.com/periop-risk-server/internal/domain"
)

// Backend is an evidence store that can also enumerate its active rows
// for snapshot loading. Both store implementations satisfy it.
type Backend interface {
	domain.EvidenceStore
	Lister
}

// Open creates the configured store backend. For Postgres this
// establishes the connection pool and applies pending migrations; SQLite
// creates its schema on open.
func Open(ctx context.Context, cfg domain.StoreConfig, logger *logrus.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", "sqlite":
		s, err := NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		logger.WithField("path", cfg.SQLitePath).Info("Evidence store opened")
		return s, nil

	case "postgres":
		db, err := database.NewConnection(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}

		if err := database.RunMigrations(cfg.Postgres, logger); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating evidence schema: %w", err)
		}

		return NewPostgresStore(db), nil

	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}
