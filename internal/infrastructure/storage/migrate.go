package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

// Migrator wraps bun's migrate.Migrator over a fixed embed.FS of numbered SQL
// migration files. Migration authoring stays external to Alphred (§6) --
// this only applies the SQL fixtures that define the schema.
type Migrator struct {
	migrator *migrate.Migrator
}

// NewMigrator discovers migrations in migrationsFS and wires them to db.
func NewMigrator(db *bun.DB, migrationsFS fs.FS) (*Migrator, error) {
	migrations := migrate.NewMigrations()
	if err := migrations.Discover(migrationsFS); err != nil {
		return nil, fmt.Errorf("failed to discover migrations: %w", err)
	}
	return &Migrator{migrator: migrate.NewMigrator(db, migrations)}, nil
}

// Init creates bun's migration bookkeeping tables.
func (m *Migrator) Init(ctx context.Context) error {
	return m.migrator.Init(ctx)
}

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context) error {
	group, err := m.migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	if group.IsZero() {
		slog.Info("no new migrations to run")
		return nil
	}
	slog.Info("migrations applied", slog.Int64("group_id", group.ID))
	return nil
}

// Down rolls back the last migration group.
func (m *Migrator) Down(ctx context.Context) error {
	group, err := m.migrator.Rollback(ctx)
	if err != nil {
		return fmt.Errorf("failed to rollback: %w", err)
	}
	if group.IsZero() {
		slog.Info("no migrations to rollback")
		return nil
	}
	slog.Info("migration rolled back", slog.Int64("group_id", group.ID))
	return nil
}

// Status reports applied vs pending migrations.
func (m *Migrator) Status(ctx context.Context) error {
	ms, err := m.migrator.MigrationsWithStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	for _, migration := range ms {
		status := "pending"
		if migration.GroupID > 0 {
			status = "applied"
		}
		slog.Info("migration", slog.String("name", migration.Name), slog.String("status", status))
	}
	return nil
}
