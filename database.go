package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Collection names and the primary key field each one declares
const (
	CollectionStories = "stories"
	CollectionAuth    = "auth"
)

var collectionKeys = map[string]string{
	CollectionStories: "id",
	CollectionAuth:    "key",
}

// Store is a persistent key-value store organized into named collections.
// The database is opened and its schema created on first use.
type Store struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

// OpenStore returns a store backed by the SQLite file at path. Nothing is
// touched on disk until the first Put or Get.
func OpenStore(path string) *Store {
	return &Store{path: path}
}

// open lazily opens the database and initializes the schema
func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StorageError{Op: "open", Err: fmt.Errorf("failed to create store directory: %w", err)}
		}
	}

	slog.Debug("Opening store", "path", s.path)
	db, err := sql.Open("sqlite", s.path) // Use "sqlite" driver name
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	// a single connection keeps writes serialized and makes :memory: usable
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, &StorageError{Op: "open", Err: err}
	}

	s.db = db
	return db, nil
}

// initSchema creates the records table and registers the known collections.
// Safe to run against an already initialized database.
func initSchema(ctx context.Context, db *sql.DB) error {
	createCollections := `
	CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		key_path TEXT NOT NULL
	)`
	if _, err := db.ExecContext(ctx, createCollections); err != nil {
		return fmt.Errorf("failed to create collections table: %w", err)
	}

	createRecords := `
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL REFERENCES collections(name),
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		seq INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (collection, key)
	)`
	if _, err := db.ExecContext(ctx, createRecords); err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}

	createMeta := `
	CREATE TABLE IF NOT EXISTS meta (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`
	if _, err := db.ExecContext(ctx, createMeta); err != nil {
		return fmt.Errorf("failed to create meta table: %w", err)
	}

	for name, keyPath := range collectionKeys {
		_, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO collections (name, key_path) VALUES (?, ?)`, name, keyPath)
		if err != nil {
			return fmt.Errorf("failed to register collection %s: %w", name, err)
		}
	}

	slog.Debug("Store schema initialized", "collections", len(collectionKeys))
	return nil
}

// recordKey marshals record and extracts the value of the collection's key field
func recordKey(collection string, record any) (string, []byte, error) {
	keyPath, ok := collectionKeys[collection]
	if !ok {
		return "", nil, fmt.Errorf("unknown collection %q", collection)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode record: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", nil, fmt.Errorf("record is not an object: %w", err)
	}

	var key string
	if raw, ok := fields[keyPath]; !ok || json.Unmarshal(raw, &key) != nil || key == "" {
		return "", nil, fmt.Errorf("record has no %q key", keyPath)
	}

	return key, data, nil
}

// Put upserts record into collection, keyed by the collection's key field
func (s *Store) Put(ctx context.Context, collection string, record any) error {
	_, err := s.put(ctx, collection, record, nil)
	return err
}

// PutIfNewer upserts record only if seq is not older than the sequence of the
// stored record. It reports whether the write was applied.
func (s *Store) PutIfNewer(ctx context.Context, collection string, record any, seq int64) (bool, error) {
	return s.put(ctx, collection, record, &seq)
}

func (s *Store) put(ctx context.Context, collection string, record any, seq *int64) (bool, error) {
	key, data, err := recordKey(collection, record)
	if err != nil {
		return false, &StorageError{Op: "put", Collection: collection, Err: err}
	}

	db, err := s.open(ctx)
	if err != nil {
		return false, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, &StorageError{Op: "put", Collection: collection, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var result sql.Result
	if seq == nil {
		result, err = tx.ExecContext(ctx, `
			INSERT INTO records (collection, key, value, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(collection, key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at`,
			collection, key, data, time.Now())
	} else {
		result, err = tx.ExecContext(ctx, `
			INSERT INTO records (collection, key, value, seq, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(collection, key) DO UPDATE SET
				value = excluded.value,
				seq = excluded.seq,
				updated_at = excluded.updated_at
			WHERE excluded.seq >= records.seq`,
			collection, key, data, *seq, time.Now())
	}
	if err != nil {
		return false, &StorageError{Op: "put", Collection: collection, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return false, &StorageError{Op: "put", Collection: collection, Err: err}
	}

	rowsAffected, _ := result.RowsAffected()
	applied := rowsAffected > 0
	slog.Debug("Stored record", "collection", collection, "key", key, "applied", applied)
	return applied, nil
}

// NextSeq allocates a write sequence number for PutIfNewer. The counter lives
// in the database, so every call returns a value greater than any sequence
// previously allocated or stored, by this process or any other.
func (s *Store) NextSeq(ctx context.Context) (int64, error) {
	db, err := s.open(ctx)
	if err != nil {
		return 0, err
	}

	var seq int64
	err = db.QueryRowContext(ctx, `
		INSERT INTO meta (name, value)
		VALUES ('write_seq', (SELECT COALESCE(MAX(seq), 0) + 1 FROM records))
		ON CONFLICT(name) DO UPDATE SET
			value = MAX(meta.value, (SELECT COALESCE(MAX(seq), 0) FROM records)) + 1
		RETURNING value`).Scan(&seq)
	if err != nil {
		return 0, &StorageError{Op: "next_seq", Err: err}
	}
	return seq, nil
}

// Get decodes the record stored under key into dest. It returns false when
// the key is absent.
func (s *Store) Get(ctx context.Context, collection, key string, dest any) (bool, error) {
	if _, ok := collectionKeys[collection]; !ok {
		return false, &StorageError{Op: "get", Collection: collection, Err: fmt.Errorf("unknown collection %q", collection)}
	}

	db, err := s.open(ctx)
	if err != nil {
		return false, err
	}

	var data []byte
	err = db.QueryRowContext(ctx, `SELECT value FROM records WHERE collection = ? AND key = ?`, collection, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("No record found", "collection", collection, "key", key)
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "get", Collection: collection, Err: err}
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, &StorageError{Op: "get", Collection: collection, Err: fmt.Errorf("failed to decode record: %w", err)}
	}
	return true, nil
}

// Delete removes the record stored under key, if any
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if _, ok := collectionKeys[collection]; !ok {
		return &StorageError{Op: "delete", Collection: collection, Err: fmt.Errorf("unknown collection %q", collection)}
	}

	db, err := s.open(ctx)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND key = ?`, collection, key); err != nil {
		return &StorageError{Op: "delete", Collection: collection, Err: err}
	}
	return nil
}

// Close releases the underlying database, if it was opened
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
