package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
)

// LatestMigrationVersion is the latest migration version known to this
// binary. Bump this whenever a migration file is added.
const LatestMigrationVersion uint = 1

// MigrationTarget selects how far applyMigrations should go.
type MigrationTarget func(mig *migrate.Migrate, currentDBVersion int,
	maxMigrationVersion uint) error

// TargetLatest migrates all the way up.
var TargetLatest MigrationTarget = func(mig *migrate.Migrate, _ int, _ uint) error {
	return mig.Up()
}

// TargetVersion returns a MigrationTarget pinned to a specific version.
func TargetVersion(version uint) MigrationTarget {
	return func(mig *migrate.Migrate, _ int, _ uint) error {
		return mig.Migrate(version)
	}
}

// ErrMigrationDowngrade is returned when the database's recorded version is
// newer than the latest migration this binary knows about.
var ErrMigrationDowngrade = errors.New("store: database downgrade detected")

type migrateOptions struct {
	latestVersion uint
}

func defaultMigrateOptions() *migrateOptions {
	return &migrateOptions{latestVersion: LatestMigrationVersion}
}

// MigrateOpt configures migration execution.
type MigrateOpt func(*migrateOptions)

// WithLatestVersion overrides the default latest-version check.
func WithLatestVersion(version uint) MigrateOpt {
	return func(o *migrateOptions) { o.latestVersion = version }
}

// migrationLogger adapts btclog.Logger to golang-migrate's Logger interface.
type migrationLogger struct{}

func (migrationLogger) Printf(format string, v ...any) {
	format = strings.TrimRight(format, "\n")
	log.Infof(format, v...)
}

func (migrationLogger) Verbose() bool { return true }

// applyMigrations runs the embedded migration files against driver up to
// (or down to) target, refusing to proceed if the on-disk version is ahead
// of what this binary knows (a downgrade) or if a previous migration left
// the database dirty.
func applyMigrations(fsys fs.FS, driver database.Driver, path, dbName string,
	target MigrationTarget, opts *migrateOptions,
) error {

	migrateFileServer, err := httpfs.New(http.FS(fsys), path)
	if err != nil {
		return err
	}

	sqlMigrate, err := migrate.NewWithInstance(
		"migrations", migrateFileServer, dbName, driver,
	)
	if err != nil {
		return err
	}

	migrationVersion, dirty, err := sqlMigrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("unable to determine current migration "+
			"version: %w", err)
	}

	if dirty {
		return fmt.Errorf("database is in a dirty state at version "+
			"%v, manual intervention required", migrationVersion)
	}

	if migrationVersion > opts.latestVersion {
		return fmt.Errorf("%w: db_version=%v latest_migration_version=%v",
			ErrMigrationDowngrade, migrationVersion, opts.latestVersion)
	}

	currentDBVersion, _, err := driver.Version()
	if err != nil {
		return fmt.Errorf("unable to get current db version: %w", err)
	}

	log.InfoS(context.Background(), "applying migrations",
		"current_db_version", currentDBVersion,
		"latest_migration_version", opts.latestVersion)

	sqlMigrate.Log = migrationLogger{}

	if err := target(sqlMigrate, currentDBVersion, opts.latestVersion); err != nil &&
		!errors.Is(err, migrate.ErrNoChange) {

		return err
	}

	currentDBVersion, _, err = driver.Version()
	if err != nil {
		return fmt.Errorf("unable to get current db version: %w", err)
	}

	log.InfoS(context.Background(), "database version after migration",
		"current_db_version", currentDBVersion)

	return nil
}
