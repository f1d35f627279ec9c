// Package sqlite provides the daemon's durable store: one SQLite database
// holding the session registry, the inbound queue, the event log, the
// outbound event queue, notifications, and the directory tables.
//
// The database opens in WAL mode with foreign keys on and a 5s busy timeout.
// Schema changes ship as embedded migrations; NewDB copies the existing file
// to a .bak sibling before applying them.
package sqlite

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"teleclaude/internal/log"
)

// DB wraps the SQLite connection and hands out repositories. All
// repositories share the one connection pool; Close tears it down.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens (creating if necessary) the database at path and brings the
// schema up to date. The parent directory is created with 0700: the database
// holds message content and session identifiers.
func NewDB(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Snapshot the previous file before migrations touch it.
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return nil, fmt.Errorf("failed to back up database: %w", err)
		}
		log.Debug(log.CatDB, "Pre-migration backup written", "path", path+".bak")
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info(log.CatDB, "Database ready", "path", path)
	return &DB{conn: conn, path: path}, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Connection returns the underlying *sql.DB for callers that need raw
// access (health checks, tests).
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Sessions returns the session registry repository.
func (db *DB) Sessions() *SessionRepository {
	return newSessionRepository(db.conn)
}

// Inbound returns the inbound queue repository.
func (db *DB) Inbound() *InboundRepository {
	return newInboundRepository(db.conn)
}

// Outbox returns the outbound event queue repository.
func (db *DB) Outbox() *OutboxRepository {
	return newOutboxRepository(db.conn)
}

// Envelopes returns the event log repository.
func (db *DB) Envelopes() *EnvelopeRepository {
	return newEnvelopeRepository(db.conn)
}

// Notifications returns the notifications repository.
func (db *DB) Notifications() *NotificationRepository {
	return newNotificationRepository(db.conn)
}

// Directory returns the computers/projects/people/channels repository.
func (db *DB) Directory() *DirectoryRepository {
	return newDirectoryRepository(db.conn)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
