// Package postgres provides a PostgreSQL-backed [usage.Store] for multi-node
// deployments where sessions for the same user can land on different hosts.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Add(ctx, rec)
//	totals, _ := store.Totals(ctx, userID, periodStart)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/exalang/exastream/internal/usage"
)

// Store implements [usage.Store] on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time interface assertion.
var _ usage.Store = (*Store)(nil)

// NewStore connects to the database, verifies the connection, and runs the
// idempotent migration.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("usage store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("usage store: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// Ping checks database reachability. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Add appends one usage record.
func (s *Store) Add(ctx context.Context, rec usage.Record) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_records (user_id, session_id, audio_seconds, synthesized_chars, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.UserID, rec.SessionID, rec.AudioSeconds, rec.SynthesizedChars, at,
	)
	if err != nil {
		return fmt.Errorf("usage store: add: %w", err)
	}
	return nil
}

// Totals sums records for userID recorded at or after since.
func (s *Store) Totals(ctx context.Context, userID string, since time.Time) (usage.Totals, error) {
	var t usage.Totals
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(audio_seconds), 0), COALESCE(SUM(synthesized_chars), 0)
		FROM usage_records
		WHERE user_id = $1 AND recorded_at >= $2`,
		userID, since,
	).Scan(&t.AudioSeconds, &t.SynthesizedChars)
	if err != nil {
		return usage.Totals{}, fmt.Errorf("usage store: totals: %w", err)
	}
	return t, nil
}
