package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxPool is the subset of pgxpool.Pool the provider uses; pgxmock
// implements the same surface for tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresProvider persists attempt snapshots in PostgreSQL.
//
// Expected schema:
//
//	CREATE TABLE attempts (
//	    video_id TEXT PRIMARY KEY,
//	    success BOOLEAN NOT NULL,
//	    cookies_used BOOLEAN NOT NULL,
//	    cookie_source TEXT NOT NULL,
//	    client_used TEXT NOT NULL,
//	    proxy_used BOOLEAN NOT NULL,
//	    step1_error TEXT NOT NULL DEFAULT '',
//	    step2_error TEXT NOT NULL DEFAULT '',
//	    correlation_id TEXT NOT NULL,
//	    ts TIMESTAMPTZ NOT NULL
//	);
type PostgresProvider struct {
	pool pgxPool
}

// NewPostgresProvider connects to dsn and pings the pool.
func NewPostgresProvider(ctx context.Context, dsn string) (*PostgresProvider, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresProvider{pool: pool}, nil
}

// NewPostgresProviderWithPool wraps an existing pool; used by tests.
func NewPostgresProviderWithPool(pool pgxPool) *PostgresProvider {
	return &PostgresProvider{pool: pool}
}

const upsertAttempt = `
INSERT INTO attempts (video_id, success, cookies_used, cookie_source, client_used, proxy_used, step1_error, step2_error, correlation_id, ts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (video_id) DO UPDATE SET
    success = EXCLUDED.success,
    cookies_used = EXCLUDED.cookies_used,
    cookie_source = EXCLUDED.cookie_source,
    client_used = EXCLUDED.client_used,
    proxy_used = EXCLUDED.proxy_used,
    step1_error = EXCLUDED.step1_error,
    step2_error = EXCLUDED.step2_error,
    correlation_id = EXCLUDED.correlation_id,
    ts = EXCLUDED.ts`

const selectAttempt = `
SELECT video_id, success, cookies_used, cookie_source, client_used, proxy_used, step1_error, step2_error, correlation_id, ts
FROM attempts WHERE video_id = $1`

// SaveAttempt upserts the snapshot for the attempt's video.
func (p *PostgresProvider) SaveAttempt(ctx context.Context, attempt Attempt) error {
	_, err := p.pool.Exec(ctx, upsertAttempt,
		attempt.VideoID,
		attempt.Success,
		attempt.CookiesUsed,
		attempt.CookieSource,
		attempt.ClientUsed,
		attempt.ProxyUsed,
		attempt.Step1Error,
		attempt.Step2Error,
		attempt.CorrelationID,
		attempt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save attempt: %w", err)
	}
	return nil
}

// LastAttempt returns the stored snapshot for videoID.
func (p *PostgresProvider) LastAttempt(ctx context.Context, videoID string) (Attempt, error) {
	var attempt Attempt
	err := p.pool.QueryRow(ctx, selectAttempt, videoID).Scan(
		&attempt.VideoID,
		&attempt.Success,
		&attempt.CookiesUsed,
		&attempt.CookieSource,
		&attempt.ClientUsed,
		&attempt.ProxyUsed,
		&attempt.Step1Error,
		&attempt.Step2Error,
		&attempt.CorrelationID,
		&attempt.Timestamp,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Attempt{}, ErrNotFound
	}
	if err != nil {
		return Attempt{}, fmt.Errorf("load attempt: %w", err)
	}
	return attempt, nil
}

// Close releases the connection pool.
func (p *PostgresProvider) Close() error {
	p.pool.Close()
	return nil
}
