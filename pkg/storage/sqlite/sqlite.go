package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Entry is one stored value. Value holds raw JSON.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}

// Store owns the SQLite database backing a key/value service.
type Store struct {
	db   *sql.DB
	path string
}

// Path returns the underlying SQLite file path.
func (s *Store) Path() string {
	return s.path
}

// Open initializes a SQLite database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; SQLite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &Store{db: db, path: path}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init ensures pragmas and schema are configured.
func (s *Store) Init(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	return s.applySchema(ctx)
}

func (s *Store) applySchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES ('schemaVersion','1');`,
		`CREATE TABLE IF NOT EXISTS entries (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	return s.db.PingContext(ctx)
}

// Get returns the entry stored under key.
func (s *Store) Get(ctx context.Context, key string) (Entry, error) {
	var (
		e     Entry
		value string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, created_at, updated_at FROM entries WHERE key = ?`, key,
	).Scan(&e.Key, &value, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Entry{}, err
	}
	e.Value = json.RawMessage(value)
	return e, nil
}

// Put inserts or replaces the value under key. It reports whether the key
// was newly created.
func (s *Store) Put(ctx context.Context, key string, value json.RawMessage) (bool, error) {
	if !json.Valid(value) {
		return false, fmt.Errorf("value for %s is not valid JSON", key)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM entries WHERE key = ?`, key).Scan(&exists); err != nil {
		return false, err
	}
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entries(key, value, created_at, updated_at) VALUES(?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), now, now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return exists == 0, nil
}

// Delete removes key, returning ErrNotFound if it was absent.
func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key)
	if err := wrapRowsAffected(res, err); err != nil {
		if errors.Is(err, errNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return err
	}
	return nil
}

// List returns entries whose key starts with prefix, ordered by key. A
// non-positive limit returns all matches.
func (s *Store) List(ctx context.Context, prefix string, limit int) ([]Entry, error) {
	query := `SELECT key, value, created_at, updated_at FROM entries WHERE key LIKE ? ESCAPE '\' ORDER BY key`
	args := []any{escapeLike(prefix) + "%"}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e     Entry
			value string
		)
		if err := rows.Scan(&e.Key, &value, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Value = json.RawMessage(value)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Count returns the number of stored keys.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM entries`).Scan(&n)
	return n, err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var errNoRows = errors.New("no rows affected")

func wrapRowsAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return errNoRows
	}
	return nil
}
