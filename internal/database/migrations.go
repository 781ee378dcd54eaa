package database

import (
	"context"
	"embed"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"storyteller-server/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ApplyMigrations применяет встроенные миграции к базе данных.
func ApplyMigrations(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	migrator := migration.NewMigrator(migration.Config{
		MigrationsPath: "migrations",
		MigrationsFS:   migrationsFS,
	}, pool, logger)
	return migrator.Up(ctx)
}
