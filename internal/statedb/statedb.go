// Package statedb persists the delivery ledger in SQLite. Every delivery
// attempt gets a receipt row so operators can inspect what was sent where
// and whether the backend consumed it.
package statedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// StateDB wraps a SQLite database for receipt persistence.
// Thread-safe for concurrent use from multiple goroutines within one process.
// Multiple OS processes can safely read/write via WAL mode + busy timeout.
type StateDB struct {
	db *sql.DB
}

// ReceiptRow records one delivery: what transport carried it, how big it
// was, and where the mailbox entry (if any) lives.
type ReceiptRow struct {
	ID         string
	Scope      string
	Transport  string // "direct" or "file"
	FilePath   string
	Bytes      int
	CreatedAt  time.Time
	ConsumedAt sql.NullTime
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: foreign keys: %w", err)
	}

	return &StateDB{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist and runs any pending migrations.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS receipts (
			id          TEXT PRIMARY KEY,
			scope       TEXT NOT NULL,
			transport   TEXT NOT NULL,
			file_path   TEXT NOT NULL DEFAULT '',
			bytes       INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			consumed_at INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("statedb: create receipts: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_receipts_scope ON receipts (scope, created_at)
	`); err != nil {
		return fmt.Errorf("statedb: index receipts: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// InsertReceipt stores a new receipt row.
func (s *StateDB) InsertReceipt(r *ReceiptRow) error {
	_, err := s.db.Exec(`
		INSERT INTO receipts (id, scope, transport, file_path, bytes, created_at, consumed_at)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, r.ID, r.Scope, r.Transport, r.FilePath, r.Bytes, r.CreatedAt.Unix())
	return err
}

// MarkConsumed records when the backend acknowledged a receipt.
func (s *StateDB) MarkConsumed(id string, at time.Time) error {
	_, err := s.db.Exec(
		"UPDATE receipts SET consumed_at = ? WHERE id = ?",
		at.Unix(), id,
	)
	return err
}

// ListReceipts returns the most recent receipts for a scope, newest first.
// An empty scope matches all scopes. limit <= 0 means no limit.
func (s *StateDB) ListReceipts(scope string, limit int) ([]*ReceiptRow, error) {
	query := `
		SELECT id, scope, transport, file_path, bytes, created_at, consumed_at
		FROM receipts
	`
	var args []any
	if scope != "" {
		query += " WHERE scope = ?"
		args = append(args, scope)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ReceiptRow
	for rows.Next() {
		r := &ReceiptRow{}
		var createdUnix, consumedUnix int64
		if err := rows.Scan(
			&r.ID, &r.Scope, &r.Transport, &r.FilePath, &r.Bytes,
			&createdUnix, &consumedUnix,
		); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(createdUnix, 0)
		if consumedUnix > 0 {
			r.ConsumedAt = sql.NullTime{Time: time.Unix(consumedUnix, 0), Valid: true}
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// GetReceipt returns one receipt by ID, or nil if not found.
func (s *StateDB) GetReceipt(id string) (*ReceiptRow, error) {
	r := &ReceiptRow{}
	var createdUnix, consumedUnix int64
	err := s.db.QueryRow(`
		SELECT id, scope, transport, file_path, bytes, created_at, consumed_at
		FROM receipts WHERE id = ?
	`, id).Scan(&r.ID, &r.Scope, &r.Transport, &r.FilePath, &r.Bytes, &createdUnix, &consumedUnix)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(createdUnix, 0)
	if consumedUnix > 0 {
		r.ConsumedAt = sql.NullTime{Time: time.Unix(consumedUnix, 0), Valid: true}
	}
	return r, nil
}

// PruneOlderThan deletes receipts created before cutoff. Returns how many
// rows were removed.
func (s *StateDB) PruneOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM receipts WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
