package database

import (
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"

	"github.com/periop-risk-server/internal/domain"
)

// RunMigrations brings the Postgres evidence schema up to date, applying
// any numbered SQL files under cfg.MigrationsPath that have not run yet.
// An already-current schema is not an error.
func RunMigrations(cfg domain.PostgresConfig, logger *logrus.Logger) error {
	m, err := migrate.New(fmt.Sprintf("file://%s", cfg.MigrationsPath), migrationURL(cfg))
	if err != nil {
		return fmt.Errorf("preparing evidence schema migrations: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.WithFields(logrus.Fields{
				"source_err": srcErr,
				"db_err":     dbErr,
			}).Warn("Closing migrator failed")
		}
	}()

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			logger.Info("Evidence schema already up to date")
			return nil
		}
		return fmt.Errorf("applying evidence schema migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		logger.WithError(err).Warn("Could not read schema version after migrating")
		return nil
	}

	logger.WithFields(logrus.Fields{
		"schema_version": version,
		"dirty":          dirty,
	}).Info("Evidence schema migrated")

	return nil
}

// migrationURL renders the postgres:// URL golang-migrate dials, from the
// same configuration the pgx pool connects with. Credentials are escaped;
// host and database names are used as configured.
func migrationURL(cfg domain.PostgresConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.Username),
		url.QueryEscape(cfg.Password),
		cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)
}
