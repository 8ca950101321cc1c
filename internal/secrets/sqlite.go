package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS secrets (
	name       TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// SQLiteStore keeps the record as a JSON payload in a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	name string
}

// OpenSQLiteStore opens (or creates) the database at path and ensures the schema exists.
// The path can be ":memory:" for an in-memory database.
func OpenSQLiteStore(ctx context.Context, path, name string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating secrets table: %w", err)
	}

	return &SQLiteStore{db: db, name: name}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get reads the record stored under the configured name.
func (s *SQLiteStore) Get(ctx context.Context) (*Secrets, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM secrets WHERE name = ?`, s.name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %w: %s", ErrSecretRetrievalFailed, ErrNotFound, s.name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: querying secrets: %w", ErrSecretRetrievalFailed, err)
	}

	return Decode([]byte(payload))
}

// Put inserts or replaces the record stored under the configured name.
func (s *SQLiteStore) Put(ctx context.Context, sec *Secrets) error {
	data, err := Encode(sec)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSecretPersistFailed, err)
	}

	query := `
		INSERT INTO secrets (name, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, s.name, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("%w: upserting secrets: %w", ErrSecretPersistFailed, err)
	}

	return nil
}

var _ Store = (*SQLiteStore)(nil)
