package migrations

import (
	"context"
	"embed"
	"log/slog"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

var Migrations = migrate.NewMigrations()

//go:embed schema/*.sql
var sqlMigrations embed.FS

func init() {
	if err := Migrations.Discover(sqlMigrations); err != nil {
		panic(err)
	}
}

func Migrate(ctx context.Context, db *bun.DB) error {
	m := migrate.NewMigrator(db, Migrations)
	if err := m.Init(ctx); err != nil {
		return err
	}

	if err := m.Lock(ctx); err != nil {
		return err
	}
	defer m.Unlock(ctx) //nolint:errcheck

	group, err := m.Migrate(ctx)
	if err != nil {
		return err
	}

	if group.IsZero() {
		slog.Info("no new migrations were applied")
	} else {
		slog.Info("applied migration group", "group", group.String(), "migrations", len(group.Migrations))
	}

	return nil
}

// Rollback reverts the last applied migration group.
func Rollback(ctx context.Context, db *bun.DB) error {
	m := migrate.NewMigrator(db, Migrations)
	if err := m.Init(ctx); err != nil {
		return err
	}

	group, err := m.Rollback(ctx)
	if err != nil {
		return err
	}

	if group.IsZero() {
		slog.Info("no migrations to roll back")
	} else {
		slog.Info("rolled back migration group", "group", group.String())
	}

	return nil
}
