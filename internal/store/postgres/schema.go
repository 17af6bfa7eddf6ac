package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations are applied in order on startup. Each statement is idempotent so
// repeated boots are safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		connection_id TEXT PRIMARY KEY,
		connected_at  TIMESTAMPTZ NOT NULL,
		status        TEXT NOT NULL,
		client_ip     TEXT NOT NULL DEFAULT '',
		user_agent    TEXT NOT NULL DEFAULT '',
		last_activity TIMESTAMPTZ NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS connections_status_connected_at
		ON connections (status, connected_at)`,
	`CREATE INDEX IF NOT EXISTS connections_expires_at
		ON connections (expires_at)`,
	`CREATE TABLE IF NOT EXISTS conversation_items (
		conversation_id TEXT NOT NULL,
		item_timestamp  TEXT NOT NULL,
		item_type       TEXT NOT NULL,
		connection_id   TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		expires_at      TIMESTAMPTZ,
		payload         JSONB NOT NULL,
		PRIMARY KEY (conversation_id, item_timestamp)
	)`,
	`CREATE INDEX IF NOT EXISTS conversation_items_expires_at
		ON conversation_items (expires_at)`,
}

// Migrate creates the schema objects the store needs.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres store: migration %d: %w", i, err)
		}
	}
	return nil
}
