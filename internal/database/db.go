// Package database provides the embedded SQLite store shared by every
// repository: WAL journaling, split read/write pools and corruption
// quarantine at start-up.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DB wraps one database file with two pools: a single-connection writer
// (SQLite allows one writer at a time; queueing in the pool beats
// SQLITE_BUSY retries) and a wider reader pool for WAL snapshots.
type DB struct {
	writer    *sql.DB
	reader    *sql.DB
	path      string
	recovered bool
	log       zerolog.Logger
}

// New opens (and if necessary repairs) the database file. A file that
// no longer parses as SQLite is renamed with a timestamped .corrupt
// suffix and replaced by a fresh empty database.
func New(dbPath string, log zerolog.Logger) (*DB, error) {
	log = log.With().Str("component", "database").Logger()

	if !strings.HasPrefix(dbPath, "file:") {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db := &DB{path: dbPath, log: log}

	if err := db.open(); err != nil {
		if !isCorruptionError(err) {
			return nil, err
		}
		log.Error().Err(err).Str("path", dbPath).Msg("Database file unreadable, quarantining and recreating")
		if qErr := db.quarantine(); qErr != nil {
			return nil, fmt.Errorf("failed to quarantine corrupt database: %w", qErr)
		}
		db.recovered = true
		if err := db.open(); err != nil {
			return nil, fmt.Errorf("failed to recreate database after quarantine: %w", err)
		}
	}

	return db, nil
}

func (db *DB) open() error {
	connStr := buildConnectionString(db.path)

	writer, err := sql.Open("sqlite", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(24 * time.Hour)

	reader, err := sql.Open("sqlite", connStr)
	if err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to open database reader: %w", err)
	}
	reader.SetMaxOpenConns(25)
	reader.SetMaxIdleConns(5)
	reader.SetConnMaxLifetime(24 * time.Hour)
	reader.SetConnMaxIdleTime(30 * time.Minute)

	// Ping alone succeeds on a garbage file; reading the schema table
	// actually parses the header and surfaces corruption.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := writer.PingContext(ctx); err == nil {
		var n int
		err = writer.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master").Scan(&n)
		if err == nil {
			db.writer = writer
			db.reader = reader
			return nil
		}
		_ = writer.Close()
		_ = reader.Close()
		return fmt.Errorf("failed to read database schema: %w", err)
	} else {
		_ = writer.Close()
		_ = reader.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
}

// isCorruptionError matches the driver messages for a file that is not
// (or is no longer) a valid SQLite database.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "unsupported file format") ||
		strings.Contains(msg, "database disk image is malformed")
}

func (db *DB) quarantine() error {
	stamp := time.Now().Format("20060102T150405")
	target := fmt.Sprintf("%s.%s.corrupt", db.path, stamp)
	if err := os.Rename(db.path, target); err != nil {
		return err
	}
	// WAL siblings refer to the old file; drop them with it.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Rename(db.path+suffix, target+suffix); err != nil && !os.IsNotExist(err) {
			db.log.Warn().Err(err).Str("file", db.path+suffix).Msg("Failed to move WAL sibling during quarantine")
		}
	}
	db.log.Warn().Str("quarantined", target).Msg("Corrupt database moved aside")
	return nil
}

func buildConnectionString(path string) string {
	connStr := path + "?_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(NORMAL)"
	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=busy_timeout(5000)"
	connStr += "&_pragma=cache_size(-64000)"
	return connStr
}

// Recovered reports whether start-up had to quarantine a corrupt file.
func (db *DB) Recovered() bool {
	return db.recovered
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes both pools.
func (db *DB) Close() error {
	rErr := db.reader.Close()
	wErr := db.writer.Close()
	if wErr != nil {
		return wErr
	}
	return rErr
}

// Reader returns the read pool.
func (db *DB) Reader() *sql.DB {
	return db.reader
}

// Writer returns the single-connection write pool.
func (db *DB) Writer() *sql.DB {
	return db.writer
}

// Exec executes a statement on the write pool.
func (db *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.writer.Exec(query, args...)
}

// Query executes a query on the read pool.
func (db *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.reader.Query(query, args...)
}

// QueryRow executes a single-row query on the read pool.
func (db *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.reader.QueryRow(query, args...)
}

// Begin starts a write transaction.
func (db *DB) Begin() (*sql.Tx, error) {
	return db.writer.Begin()
}

// WithTx runs fn inside a short write transaction, rolling back on any
// error.
func (db *DB) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.writer.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
