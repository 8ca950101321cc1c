package db

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/justestif/go-spotify-recently-played/internal/secrets"
)

// SecretRepository stores one secrets record in the secrets table and
// implements secrets.Store.
type SecretRepository struct {
	pool *pgxpool.Pool
	name string
}

// Get retrieves the record.
func (r *SecretRepository) Get(ctx context.Context) (*secrets.Secrets, error) {
	query := `SELECT payload FROM secrets WHERE name = $1`

	var payload []byte
	err := r.pool.QueryRow(ctx, query, r.name).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %w: %s", secrets.ErrSecretRetrievalFailed, ErrNotFound, r.name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: querying secrets: %w", secrets.ErrSecretRetrievalFailed, err)
	}

	return secrets.Decode(payload)
}

// Put inserts or replaces the record.
func (r *SecretRepository) Put(ctx context.Context, s *secrets.Secrets) error {
	payload, err := secrets.Encode(s)
	if err != nil {
		return fmt.Errorf("%w: %w", secrets.ErrSecretPersistFailed, err)
	}

	query := `
		INSERT INTO secrets (name, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET
			payload = EXCLUDED.payload,
			updated_at = NOW()
	`
	if _, err := r.pool.Exec(ctx, query, r.name, payload); err != nil {
		return fmt.Errorf("%w: upserting secrets: %w", secrets.ErrSecretPersistFailed, err)
	}
	return nil
}

// WithLock runs fn while holding a session-level advisory lock derived from
// the record name, so only one instance refreshes the shared token at a time.
// The lock lives on a dedicated pooled connection and is released when fn returns.
func (r *SecretRepository) WithLock(ctx context.Context, fn func(context.Context) error) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring lock connection: %w", err)
	}
	defer conn.Release()

	key := lockKey(r.name)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return fmt.Errorf("acquiring advisory lock: %w", err)
	}
	defer func() {
		// Unlock even when ctx is already cancelled.
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
	}()

	return fn(ctx)
}

// lockKey maps a record name to the bigint key space of pg_advisory_lock.
func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte("secrets:" + name))
	return int64(h.Sum64())
}

var _ secrets.Store = (*SecretRepository)(nil)
