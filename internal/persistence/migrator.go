package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"PerpRisk/internal/persistence/migrations"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Migrator applies the embedded schema migrations with golang-migrate.
// It owns its own connection: closing a migrate instance closes the
// underlying *sql.DB.
type Migrator struct {
	dsn    string
	logger zerolog.Logger
}

func NewMigrator(dsn string, logger zerolog.Logger) *Migrator {
	return &Migrator{dsn: dsn, logger: logger}
}

// Up applies all pending up-migrations in order.
func (m *Migrator) Up(ctx context.Context) error {
	return m.run(ctx, func(mg *migrate.Migrate) error {
		if err := mg.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				m.logger.Info().Msg("database migrations up-to-date")
				return nil
			}
			return fmt.Errorf("apply migrations: %w", err)
		}
		m.logger.Info().Msg("database migrations applied")
		return nil
	})
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.run(ctx, func(mg *migrate.Migrate) error {
		if err := mg.Steps(-1); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				m.logger.Info().Msg("no migrations to roll back")
				return nil
			}
			return fmt.Errorf("roll back migration: %w", err)
		}
		m.logger.Info().Msg("rolled back one migration")
		return nil
	})
}

// Version reports the current schema version and whether the last migration
// left it dirty. A fresh database reports version 0.
func (m *Migrator) Version(ctx context.Context) (uint, bool, error) {
	var version uint
	var dirty bool
	err := m.run(ctx, func(mg *migrate.Migrate) error {
		v, d, err := mg.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read migration version: %w", err)
		}
		version, dirty = v, d
		return nil
	})
	return version, dirty, err
}

func (m *Migrator) run(ctx context.Context, fn func(*migrate.Migrate) error) error {
	db, err := sql.Open("postgres", m.dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping migrations database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return fmt.Errorf("initialise postgres driver: %w", err)
	}

	src, err := iofs.New(migrations.Files, ".")
	if err != nil {
		db.Close()
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	mg, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := mg.Close()
		if sourceErr != nil {
			m.logger.Warn().Err(sourceErr).Msg("migrations source close")
		}
		if dbErr != nil {
			m.logger.Warn().Err(dbErr).Msg("migrations db close")
		}
	}()

	return fn(mg)
}
