package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlite_migrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultMaxConns        = 25
	defaultConnMaxLifetime = 10 * time.Minute
)

// SqliteConfig configures a sqlite-backed Store.
type SqliteConfig struct {
	// DatabaseFileName is the path to the sqlite database file.
	DatabaseFileName string

	// SkipMigrations, if true, leaves the schema as-is on open. Used by
	// tests that want to drive migrations explicitly.
	SkipMigrations bool

	// SkipMigrationDBBackup, if true, skips the VACUUM INTO backup
	// normally taken before an upgrading migration run.
	SkipMigrationDBBackup bool
}

// SqliteStore is the sqlite-backed Store used by cmd/quarkd.
type SqliteStore struct {
	cfg *SqliteConfig

	*Store
}

// NewSqliteStore opens (creating if necessary) the sqlite database at
// cfg.DatabaseFileName, applying WAL mode and the pragmas in
// configurePragmas, then runs migrations unless SkipMigrations is set.
func NewSqliteStore(cfg *SqliteConfig) (*SqliteStore, error) {
	db, err := OpenSQLite(cfg.DatabaseFileName)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(defaultMaxConns)
	db.SetMaxIdleConns(defaultMaxConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	s := &SqliteStore{
		cfg:   cfg,
		Store: NewStore(db),
	}

	if !cfg.SkipMigrations {
		if err := s.ExecuteMigrations(s.backupAndMigrate); err != nil {
			db.Close()
			return nil, fmt.Errorf("error executing migrations: %w", err)
		}
	}

	return s, nil
}

// backupAndMigrate implements MigrationTarget: it takes a VACUUM INTO
// backup (unless disabled) before migrating up, but only when an upgrade is
// actually pending.
func (s *SqliteStore) backupAndMigrate(mig *migrate.Migrate,
	currentDBVersion int, maxMigrationVersion uint,
) error {

	if currentDBVersion >= int(maxMigrationVersion) {
		log.InfoS(context.Background(), "database up to date, "+
			"skipping migration and backup",
			"current_db_version", currentDBVersion)

		return nil
	}

	if !s.cfg.SkipMigrationDBBackup {
		log.InfoS(context.Background(), "backing up database before "+
			"applying migrations")

		if err := backupSqliteDatabase(s.DB(), s.cfg.DatabaseFileName); err != nil {
			return err
		}
	} else {
		log.InfoS(context.Background(), "skipping database backup " +
			"before applying migrations")
	}

	return mig.Up()
}

// ExecuteMigrations runs the embedded migrations against s up to target.
func (s *SqliteStore) ExecuteMigrations(target MigrationTarget,
	optFuncs ...MigrateOpt,
) error {

	opts := defaultMigrateOptions()
	for _, optFunc := range optFuncs {
		optFunc(opts)
	}

	driver, err := sqlite_migrate.WithInstance(s.DB(), &sqlite_migrate.Config{})
	if err != nil {
		return fmt.Errorf("error creating sqlite migration driver: %w", err)
	}

	return applyMigrations(sqlSchemas, driver, "migrations", "sqlite",
		target, opts)
}

// OpenSQLite opens a sqlite database connection with foreign keys, WAL mode
// and a busy timeout enabled, creating the containing directory if needed.
// This is a low-level entry point; NewSqliteStore is preferred since it also
// runs migrations.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := configurePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	return db, nil
}

// configurePragmas sets additional sqlite pragmas for durability/throughput
// tuned for a single-writer, multiple-reader workload.
func configurePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA mmap_size = 268435456",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// backupSqliteDatabase takes a point-in-time backup of db via VACUUM INTO,
// writing it alongside the source file with a timestamp suffix.
func backupSqliteDatabase(db *sql.DB, dbFullFilePath string) error {
	if db == nil {
		return fmt.Errorf("backup source database is nil")
	}

	backupPath := fmt.Sprintf("%s.%d.backup", dbFullFilePath, time.Now().UnixNano())

	log.InfoS(context.Background(), "creating database backup",
		"source", dbFullFilePath, "backup", backupPath)

	stmt, err := db.Prepare("VACUUM INTO ?;")
	if err != nil {
		return err
	}
	defer stmt.Close()

	_, err = stmt.Exec(backupPath)
	return err
}

// DefaultDBPath returns the default on-disk location for the quark
// database, under the user's home directory.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(home, ".quark", "quark.db"), nil
}
