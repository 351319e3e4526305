package db

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/acme/voice-campaign-orchestrator/internal/infra/db/migrations"
)

// ErrDirtySchema is returned when a previous migration run stopped half way.
var ErrDirtySchema = errors.New("migrate: database is in dirty state")

// Migrate brings the schema at dsn to migrations.Version. It returns the version found
// before migrating.
func Migrate(dsn string) (uint, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return 0, fmt.Errorf("migrate: open source: %w", err)
	}
	defer source.Close()

	mg, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return 0, fmt.Errorf("migrate: init: %w", err)
	}
	defer mg.Close()

	current, dirty, err := mg.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("migrate: read version: %w", err)
	}
	if dirty {
		return current, ErrDirtySchema
	}

	if err := mg.Migrate(migrations.Version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return current, fmt.Errorf("migrate: apply: %w", err)
	}
	return current, nil
}
