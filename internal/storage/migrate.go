package storage

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const migrationsDir = "migrations"

// Migrate applies the embedded goose migrations. A positive target migrates
// up (or down) to that version; zero or less migrates to the latest.
func Migrate(ctx context.Context, pool *pgxpool.Pool, target int64, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	current, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	logger.Info("applying migrations", "current_version", current, "target_version", target)

	if target > 0 && target < current {
		if err := goose.DownToContext(ctx, db, migrationsDir, target); err != nil {
			return fmt.Errorf("migrate down to %d: %w", target, err)
		}
		return nil
	}
	if target <= 0 {
		target = goose.MaxVersion
	}
	if err := goose.UpToContext(ctx, db, migrationsDir, target); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
