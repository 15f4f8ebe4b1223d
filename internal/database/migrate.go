package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// Migrator applies the embedded schema migrations with goose.
type Migrator struct {
	dsn    string
	logger zerolog.Logger
}

// NewMigrator creates a migrator for the database described by cfg.
func NewMigrator(cfg Config, logger zerolog.Logger) *Migrator {
	return &Migrator{dsn: cfg.ConnectionString(), logger: logger}
}

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	return m.withDB(func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		m.logger.Info().Msg("applying migrations")
		if err := goose.UpContext(runCtx, db, migrationsDir); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		m.logger.Info().Msg("migrations applied")
		return nil
	})
}

// Down rolls back the latest migration, or down to targetVersion when it is positive.
func (m *Migrator) Down(ctx context.Context, targetVersion int64) error {
	return m.withDB(func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		if targetVersion > 0 {
			m.logger.Info().Int64("target", targetVersion).Msg("rolling back migrations")
			if err := goose.DownToContext(runCtx, db, migrationsDir, targetVersion); err != nil {
				return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
			}
			return nil
		}

		m.logger.Info().Msg("rolling back latest migration")
		if err := goose.DownContext(runCtx, db, migrationsDir); err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
		return nil
	})
}

// Status logs applied and pending migrations.
func (m *Migrator) Status(ctx context.Context) error {
	return m.withDB(func(db *sql.DB) error {
		if err := goose.StatusContext(ctx, db, migrationsDir); err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		return nil
	})
}

func (m *Migrator) withDB(fn func(*sql.DB) error) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}

	db, err := sql.Open("pgx", m.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}
	return fn(db)
}
