package featureflags

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL flag repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// GetFlag retrieves a single flag by key.
func (r *PostgresRepository) GetFlag(ctx context.Context, key string) (*Flag, error) {
	query := `
		SELECT key, enabled, updated_at, updated_by
		FROM feature_flags
		WHERE key = $1
	`

	var flag Flag
	err := r.pool.QueryRow(ctx, query, key).Scan(&flag.Key, &flag.Enabled, &flag.UpdatedAt, &flag.UpdatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFlagNotFound
		}
		return nil, fmt.Errorf("query feature flag: %w", err)
	}
	return &flag, nil
}

// GetAllFlags retrieves every stored flag.
func (r *PostgresRepository) GetAllFlags(ctx context.Context) (map[string]*Flag, error) {
	query := `
		SELECT key, enabled, updated_at, updated_by
		FROM feature_flags
		ORDER BY key
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query feature flags: %w", err)
	}

	flags, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Flag, error) {
		var f Flag
		err := row.Scan(&f.Key, &f.Enabled, &f.UpdatedAt, &f.UpdatedBy)
		return &f, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan feature flags: %w", err)
	}

	out := make(map[string]*Flag, len(flags))
	for _, f := range flags {
		out[f.Key] = f
	}
	return out, nil
}

// SetFlag creates or updates a flag.
func (r *PostgresRepository) SetFlag(ctx context.Context, flag *Flag) error {
	query := `
		INSERT INTO feature_flags (key, enabled, updated_at, updated_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at,
			updated_by = EXCLUDED.updated_by
	`

	if _, err := r.pool.Exec(ctx, query, flag.Key, flag.Enabled, flag.UpdatedAt, flag.UpdatedBy); err != nil {
		return fmt.Errorf("upsert feature flag: %w", err)
	}
	return nil
}

var _ Repository = (*PostgresRepository)(nil)
