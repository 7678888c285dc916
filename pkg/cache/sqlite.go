package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore implements Store on a SQLite database file.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the database at filename.
// If file name is empty, a shared in-memory db is opened.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS namespaces (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			seq INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (namespace, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_seq_idx ON entries (namespace, seq)",
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}

	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Open registers the namespace.
func (s *SQLiteStore) Open(ctx context.Context, namespace string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO namespaces (name) VALUES (?)", namespace)
	return err
}

// Get retrieves an entry by key.
func (s *SQLiteStore) Get(ctx context.Context, namespace string, key Key) (*Entry, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM entries WHERE namespace = ? AND key = ?",
		namespace, key.String(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return decodeEntry(data)
}

// Put stores an entry at the newest insertion position.
func (s *SQLiteStore) Put(ctx context.Context, namespace string, entry *Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq uint64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) + 1 FROM entries").Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	entry.Seq = seq

	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO namespaces (name) VALUES (?)", namespace); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (namespace, key, seq, data) VALUES (?, ?, ?, ?)",
		namespace, entry.Key().String(), seq, data,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMeta reads a metadata value.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// SetMeta writes a metadata value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key string, value []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, value)
	return err
}

// Delete removes an entry.
func (s *SQLiteStore) Delete(ctx context.Context, namespace string, key Key) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE namespace = ? AND key = ?", namespace, key.String())
	return err
}

// Keys returns keys ordered by insertion sequence.
func (s *SQLiteStore) Keys(ctx context.Context, namespace string) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM entries WHERE namespace = ? ORDER BY seq ASC", namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		key, err := ParseKey(raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteNamespace drops a namespace with all its entries.
func (s *SQLiteStore) DeleteNamespace(ctx context.Context, namespace string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE namespace = ?", namespace); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM namespaces WHERE name = ?", namespace)
	if err != nil {
		return false, err
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return removed > 0, tx.Commit()
}

// ListNamespaces returns every namespace name, sorted.
func (s *SQLiteStore) ListNamespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM namespaces ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
