package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"teleclaude/internal/log"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrationsTable is where golang-migrate records the schema version.
const migrationsTable = "schema_migrations"

// runMigrations brings conn's schema up to date from the embedded migration
// files. Safe to call on every open; a current schema is a no-op.
func runMigrations(conn *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	drv, err := newMigrationDriver(conn)
	if err != nil {
		return fmt.Errorf("failed to init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	before, _, _ := drv.Version()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	after, _, _ := drv.Version()
	if after != before {
		log.Info(log.CatDB, "Migrations applied", "from", before, "to", after)
	}
	return nil
}

// migrationDriver adapts *sql.DB to golang-migrate's database.Driver. The
// wasm sqlite build has no cgo-based migrate driver; running migrations over
// the already-open connection also keeps them inside the same busy-timeout
// and WAL settings as the daemon itself.
type migrationDriver struct {
	db *sql.DB
}

var _ database.Driver = (*migrationDriver)(nil)

func newMigrationDriver(db *sql.DB) (*migrationDriver, error) {
	d := &migrationDriver{db: db}
	if err := d.ensureVersionTable(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *migrationDriver) ensureVersionTable() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS ` + migrationsTable +
		` (version INTEGER NOT NULL, dirty INTEGER NOT NULL)`)
	return err
}

// Open is unused; the driver is always constructed with an existing
// connection via NewWithInstance.
func (d *migrationDriver) Open(string) (database.Driver, error) {
	return d, nil
}

// Close is a no-op: the connection belongs to DB, not the migrator.
func (d *migrationDriver) Close() error {
	return nil
}

// Lock is a no-op. Exactly one daemon process opens the database, at boot,
// before anything else touches it; concurrent migrators cannot occur.
func (d *migrationDriver) Lock() error {
	return nil
}

// Unlock is a no-op; see Lock.
func (d *migrationDriver) Unlock() error {
	return nil
}

// Run executes one migration file as a single script.
func (d *migrationDriver) Run(migration io.Reader) error {
	stmts, err := io.ReadAll(migration)
	if err != nil {
		return fmt.Errorf("failed to read migration: %w", err)
	}
	if _, err := d.db.Exec(string(stmts)); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}
	return nil
}

func (d *migrationDriver) SetVersion(version int, dirty bool) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin version update: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM ` + migrationsTable); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to clear version: %w", err)
	}
	// Keep a row for dirty nil-versions so a failed first migration stays
	// visible as dirty instead of looking like a fresh database.
	if version >= 0 || (version == database.NilVersion && dirty) {
		if _, err := tx.Exec(
			`INSERT INTO `+migrationsTable+` (version, dirty) VALUES (?, ?)`,
			version, dirty,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to set version: %w", err)
		}
	}
	return tx.Commit()
}

func (d *migrationDriver) Version() (int, bool, error) {
	var version int
	var dirty bool
	err := d.db.QueryRow(`SELECT version, dirty FROM ` + migrationsTable + ` LIMIT 1`).
		Scan(&version, &dirty)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return database.NilVersion, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("failed to read version: %w", err)
	default:
		return version, dirty, nil
	}
}

// Drop removes every user table. Only migrate's testing paths call this.
func (d *migrationDriver) Drop() error {
	rows, err := d.db.Query(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tables: %w", err)
	}

	for _, name := range tables {
		if _, err := d.db.Exec(`DROP TABLE IF EXISTS ` + name); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", name, err)
		}
	}
	return nil
}
