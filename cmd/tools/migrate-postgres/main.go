// Command migrate-postgres applies the session store schema to a Postgres
// database without starting the controller.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	"bbb-stream-controller/internal/storage"
)

const dsnEnv = "BBB_CONTROLLER_STORAGE_POSTGRES_DSN"

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := pflag.NewFlagSet("migrate-postgres", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	dsn := fs.String("postgres-dsn", "", "Postgres connection string (defaults to $"+dsnEnv+" or $DATABASE_URL)")
	target := fs.Int64("target", 0, "schema version to migrate to; 0 applies every migration")
	timeout := fs.Duration("timeout", time.Minute, "overall migration timeout")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	resolved, err := resolveDSN(*dsn)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, resolved)
	if err != nil {
		logger.Error("failed to open postgres pool", "error", err)
		return 1
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to reach postgres", "error", err)
		return 1
	}
	if err := storage.Migrate(ctx, pool, *target, logger); err != nil {
		logger.Error("migration failed", "error", err)
		return 1
	}
	logger.Info("migrations applied")
	return 0
}

func resolveDSN(flagValue string) (string, error) {
	for _, candidate := range []string{flagValue, os.Getenv(dsnEnv), os.Getenv("DATABASE_URL")} {
		if dsn := strings.TrimSpace(candidate); dsn != "" {
			return dsn, nil
		}
	}
	return "", fmt.Errorf("postgres DSN is required (set --postgres-dsn or %s)", dsnEnv)
}
