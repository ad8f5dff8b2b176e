package db

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies every pending migration from the given directory. Running
// against an up-to-date schema is a no-op.
func Migrate(connString, migrationsDir string) error {
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	m, err := migrate.New("file://"+migrationsDir, connString)
	if err != nil {
		return fmt.Errorf("db: open migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: apply migrations: %w", err)
	}
	return nil
}
