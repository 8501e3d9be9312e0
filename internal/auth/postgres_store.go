package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const tokenSchema = `
CREATE TABLE IF NOT EXISTS webrtsp_auth_tokens (
	token_hash TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
)`

// PostgresTokenStore persists token digests so several restreamer replicas
// and restarts share the same set of valid cookies.
type PostgresTokenStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// PostgresOption configures a PostgresTokenStore.
type PostgresOption func(*PostgresTokenStore)

// WithTimeout bounds every statement issued by the store.
func WithTimeout(timeout time.Duration) PostgresOption {
	return func(s *PostgresTokenStore) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// NewPostgresTokenStore opens a pool for dsn and creates the token table.
func NewPostgresTokenStore(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresTokenStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres token dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres token config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres token pool: %w", err)
	}
	store := &PostgresTokenStore{pool: pool, timeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresTokenStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// EnsureSchema creates the token table when it does not exist.
func (s *PostgresTokenStore) EnsureSchema(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.pool.Exec(ctx, tokenSchema); err != nil {
		return fmt.Errorf("create token table: %w", err)
	}
	return nil
}

// Close releases the pool, giving up when ctx ends first.
func (s *PostgresTokenStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *PostgresTokenStore) Save(ctx context.Context, digest string, expiresAt time.Time) error {
	if digest == "" {
		return ErrTokenRequired
	}
	if s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
INSERT INTO webrtsp_auth_tokens (token_hash, expires_at)
VALUES ($1, $2)
ON CONFLICT (token_hash) DO UPDATE SET expires_at = EXCLUDED.expires_at
`, digest, expiresAt.UTC())
	return err
}

func (s *PostgresTokenStore) LoadActive(ctx context.Context, now time.Time) ([]TokenRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres token pool not configured")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
SELECT token_hash, expires_at
FROM webrtsp_auth_tokens
WHERE expires_at > $1
ORDER BY expires_at, token_hash
`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []TokenRecord
	for rows.Next() {
		var record TokenRecord
		if err := rows.Scan(&record.Digest, &record.ExpiresAt); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *PostgresTokenStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("postgres token pool not configured")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM webrtsp_auth_tokens WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
