package migrations

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// RunPostgres applies the migrations in dir that are not yet recorded in
// schema_migrations. Each file runs in its own transaction.
func RunPostgres(ctx context.Context, pool *pgxpool.Pool, dir string, logger logrus.FieldLogger) error {
	migrations, err := Load(dir, DialectPostgres)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT        PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	rows, err := pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}

	todo := pending(migrations, applied)
	if len(todo) == 0 {
		logger.Info("schema is up to date")
		return nil
	}

	for _, m := range todo {
		log := logger.WithField("version", m.Version)
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			for _, stmt := range m.Statements {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Version, err)
		}
		log.WithField("statements", len(m.Statements)).Info("applied migration")
	}
	return nil
}
