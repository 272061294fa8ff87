// Package kvstore is the ordered key-value backend underneath
// pkg/kvadapter.KeyValueAdapter. It satisfies the capability set
// {get, put, delete, iterate(prefix), begin/commit/rollback} over a single
// SQLite table, using the database's default memcmp BLOB collation to give
// byte-lexicographic iteration order.
package kvstore

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps a *sql.DB holding one ordered key/value table.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or reopens the store at path ("" or ":memory:" for an
// ephemeral in-process store), applying the same WAL/busy-timeout pragmas
// the teacher applies to its own SQLite-backed stores.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one *sql.DB

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("kvstore: pragma %q: %w", p, err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   BLOB PRIMARY KEY,
	value BLOB NOT NULL
) WITHOUT ROWID;`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: create schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the filesystem path (or ":memory:") the store was opened with.
func (s *Store) Path() string { return s.path }

// DB exposes the raw *sql.DB for maintenance operations such as VACUUM.
func (s *Store) DB() *sql.DB { return s.db }

// Get returns the value stored under key, or (nil, false) if absent.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	return get(ctx, s.db, key)
}

func get(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, key []byte) ([]byte, bool, error) {
	var value []byte
	err := q.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: get: %w", err)
	}
	return value, true, nil
}

// Put inserts or overwrites the value stored under key.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO kv(key,value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value", key, value)
	if err != nil {
		return fmt.Errorf("kvstore: put: %w", err)
	}
	return nil
}

// Delete removes the record stored under key, if any.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("kvstore: delete: %w", err)
	}
	return nil
}

// DeletePrefix removes every record whose key starts with prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix []byte) error {
	lo, hi, ok := prefixRange(prefix)
	if !ok {
		_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key >= ?", prefix)
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key >= ? AND key < ?", lo, hi)
	return err
}

// KV is one record returned by iteration.
type KV struct {
	Key   []byte
	Value []byte
}

// Iterate streams every (key,value) pair whose key starts with prefix, in
// ascending key order, calling fn for each. Iteration stops early if fn
// returns false.
func (s *Store) Iterate(ctx context.Context, prefix []byte, fn func(KV) bool) error {
	return iterate(ctx, s.db, prefix, fn)
}

func iterate(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, prefix []byte, fn func(KV) bool) error {
	lo, hi, bounded := prefixRange(prefix)
	var rows *sql.Rows
	var err error
	if bounded {
		rows, err = q.QueryContext(ctx, "SELECT key,value FROM kv WHERE key >= ? AND key < ? ORDER BY key ASC", lo, hi)
	} else {
		rows, err = q.QueryContext(ctx, "SELECT key,value FROM kv WHERE key >= ? ORDER BY key ASC", prefix)
	}
	if err != nil {
		return fmt.Errorf("kvstore: iterate: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return fmt.Errorf("kvstore: iterate scan: %w", err)
		}
		if !fn(kv) {
			break
		}
	}
	return rows.Err()
}

// prefixRange derives the half-open byte range [lo,hi) covering every key
// with the given prefix. ok is false when prefix is all 0xFF bytes (or
// empty), in which case no finite upper bound exists and callers should fall
// back to an unbounded >= scan.
func prefixRange(prefix []byte) (lo, hi []byte, ok bool) {
	if len(prefix) == 0 {
		return nil, nil, false
	}
	hi = bytes.Clone(prefix)
	for i := len(hi) - 1; i >= 0; i-- {
		if hi[i] != 0xFF {
			hi[i]++
			return prefix, hi[:i+1], true
		}
	}
	return prefix, nil, false
}

// Tx is an in-flight transaction over the store.
type Tx struct {
	tx *sql.Tx
}

// Begin starts a new transaction; writes issued through it are invisible to
// other readers/writers until Commit.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("kvstore: begin: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Get reads a value within the transaction's view.
func (t *Tx) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	return get(ctx, t.tx, key)
}

// Put buffers a write to be applied atomically on Commit.
func (t *Tx) Put(ctx context.Context, key, value []byte) error {
	_, err := t.tx.ExecContext(ctx, "INSERT INTO kv(key,value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value", key, value)
	if err != nil {
		return fmt.Errorf("kvstore: tx put: %w", err)
	}
	return nil
}

// Delete buffers a delete to be applied atomically on Commit.
func (t *Tx) Delete(ctx context.Context, key []byte) error {
	_, err := t.tx.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("kvstore: tx delete: %w", err)
	}
	return nil
}

// Iterate streams records visible within the transaction.
func (t *Tx) Iterate(ctx context.Context, prefix []byte, fn func(KV) bool) error {
	return iterate(ctx, t.tx, prefix, fn)
}

// Commit applies every buffered write atomically.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("kvstore: commit: %w", err)
	}
	return nil
}

// Rollback discards every buffered write.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("kvstore: rollback: %w", err)
	}
	return nil
}
