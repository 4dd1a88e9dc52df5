// Package store persists chats, messages, attachments and protocol key
// material in SQLite and emits ordered change notifications.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a key is absent from its category.
var ErrNotFound = errors.New("store: not found")

// Category partitions the key space by entity kind.
type Category string

const (
	CategoryChat                  Category = "chat"
	CategoryMessage               Category = "message"
	CategoryRecipient             Category = "recipient"
	CategoryAttachmentPointer     Category = "attachmentPointer"
	CategorySender                Category = "sender"
	CategorySession               Category = "session"
	CategoryPreKey                Category = "preKey"
	CategorySignedPreKey          Category = "signedPreKey"
	CategoryIdentityKey           Category = "identityKey"
	CategorySenderKey             Category = "senderKey"
	CategoryLocalRegistrationID   Category = "localRegistrationId"
	CategoryCurrentSignedPreKeyID Category = "currentSignedPreKeyId"
)

// Entry is one stored value.
type Entry struct {
	Key   string
	Value []byte
}

// Store is an opaque key/value store over SQLite. Values are byte blobs;
// their encoding is the caller's concern.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	category TEXT NOT NULL,
	key TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (category, key)
);
`

// DefaultDataDir returns the default data directory.
// Uses $XDG_DATA_HOME/signal-courier, falling back to ~/.local/share/signal-courier.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "signal-courier")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/signal-courier/default.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// A single connection keeps writes ordered.
	db.SetMaxOpenConns(1)

	// WAL: readers do not block the writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// runMigrations applies any necessary schema changes.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec("ALTER TABLE kv ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0")
	if err != nil && !isColumnExistsError(err) {
		return fmt.Errorf("add updated_at column: %w", err)
	}
	return nil
}

// isColumnExistsError checks if the error is due to column already existing.
func isColumnExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts or replaces a value.
func (s *Store) Put(cat Category, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO kv (category, key, value, updated_at) VALUES (?, ?, ?, strftime('%s','now'))",
		string(cat), key, value,
	)
	if err != nil {
		return fmt.Errorf("store: put %s/%s: %w", cat, key, err)
	}
	return nil
}

// Get returns the value for key, or ErrNotFound.
func (s *Store) Get(cat Category, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(
		"SELECT value FROM kv WHERE category = ? AND key = ?", string(cat), key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s/%s: %w", cat, key, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get %s/%s: %w", cat, key, err)
	}
	return value, nil
}

// Has reports whether key exists in cat.
func (s *Store) Has(cat Category, key string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(1) FROM kv WHERE category = ? AND key = ?", string(cat), key,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: has %s/%s: %w", cat, key, err)
	}
	return n > 0, nil
}

// GetAll returns every entry in cat ordered by key.
func (s *Store) GetAll(cat Category) ([]Entry, error) {
	return s.query("SELECT key, value FROM kv WHERE category = ? ORDER BY key", string(cat))
}

// GetPrefix returns the entries in cat whose key starts with prefix.
func (s *Store) GetPrefix(cat Category, prefix string) ([]Entry, error) {
	return s.query(
		"SELECT key, value FROM kv WHERE category = ? AND substr(key, 1, ?) = ? ORDER BY key",
		string(cat), len(prefix), prefix,
	)
}

func (s *Store) query(q string, args ...any) ([]Entry, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Update replaces an existing value and fails with ErrNotFound if key is absent.
func (s *Store) Update(cat Category, key string, value []byte) error {
	res, err := s.db.Exec(
		"UPDATE kv SET value = ?, updated_at = strftime('%s','now') WHERE category = ? AND key = ?",
		value, string(cat), key,
	)
	if err != nil {
		return fmt.Errorf("store: update %s/%s: %w", cat, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s/%s: %w", cat, key, ErrNotFound)
	}
	return nil
}

// Delete removes key from cat. Deleting an absent key is not an error.
func (s *Store) Delete(cat Category, key string) error {
	_, err := s.db.Exec("DELETE FROM kv WHERE category = ? AND key = ?", string(cat), key)
	if err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", cat, key, err)
	}
	return nil
}
