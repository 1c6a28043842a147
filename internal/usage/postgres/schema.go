package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlUsageRecords = `
CREATE TABLE IF NOT EXISTS usage_records (
    id                BIGSERIAL         PRIMARY KEY,
    user_id           TEXT              NOT NULL,
    session_id        TEXT              NOT NULL DEFAULT '',
    audio_seconds     DOUBLE PRECISION  NOT NULL DEFAULT 0,
    synthesized_chars BIGINT            NOT NULL DEFAULT 0,
    recorded_at       TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_usage_records_user_recorded
    ON usage_records (user_id, recorded_at);
`

// Migrate creates or ensures the usage tables exist. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlUsageRecords); err != nil {
		return fmt.Errorf("usage migrate: %w", err)
	}
	return nil
}
