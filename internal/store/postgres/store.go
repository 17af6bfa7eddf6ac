// Package postgres provides the PostgreSQL-backed persistence adapter for
// self-hosted deployments. It implements the same store.Store surface as the
// dynamo backend: connection records with an expiry column and the composite
// (conversation_id, item_timestamp) log table.
//
// PostgreSQL has no storage-level TTL, so the store runs a background reaper
// that deletes expired rows; the read paths additionally filter on expiry so
// a lagging reaper never resurrects a dead record.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/portvoice/internal/store"
)

// reapInterval is how often the background reaper sweeps expired rows.
const reapInterval = 10 * time.Minute

// Store implements store.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool

	reapCancel context.CancelFunc
	reapDone   chan struct{}
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// NewStore creates a Store, establishes a connection pool to the database at
// dsn, runs [Migrate], and starts the expiry reaper.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	reapCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:       pool,
		reapCancel: cancel,
		reapDone:   make(chan struct{}),
	}
	go s.reapLoop(reapCtx)
	return s, nil
}

// Close stops the reaper and releases the connection pool.
func (s *Store) Close() {
	s.reapCancel()
	<-s.reapDone
	s.pool.Close()
}

// Ping reports database reachability; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// PutConnection writes (or overwrites) the connection record.
func (s *Store) PutConnection(ctx context.Context, conn store.Connection) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connections
			(connection_id, connected_at, status, client_ip, user_agent, last_activity, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (connection_id) DO UPDATE SET
			connected_at = EXCLUDED.connected_at,
			status = EXCLUDED.status,
			client_ip = EXCLUDED.client_ip,
			user_agent = EXCLUDED.user_agent,
			last_activity = EXCLUDED.last_activity,
			expires_at = EXCLUDED.expires_at`,
		conn.ConnectionID, conn.ConnectedAt, string(conn.Status),
		conn.ClientIP, conn.UserAgent, conn.LastActivity, conn.TTL,
	)
	if err != nil {
		return fmt.Errorf("postgres store: put connection %s: %w", conn.ConnectionID, err)
	}
	return nil
}

// GetConnection returns the record, or store.ErrNotFound. Expired rows are
// treated as absent even before the reaper removes them.
func (s *Store) GetConnection(ctx context.Context, connectionID string) (*store.Connection, error) {
	var conn store.Connection
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT connection_id, connected_at, status, client_ip, user_agent, last_activity, expires_at
		FROM connections
		WHERE connection_id = $1 AND expires_at > now()`,
		connectionID,
	).Scan(&conn.ConnectionID, &conn.ConnectedAt, &status,
		&conn.ClientIP, &conn.UserAgent, &conn.LastActivity, &conn.TTL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get connection %s: %w", connectionID, err)
	}
	conn.Status = store.ConnectionStatus(status)
	return &conn, nil
}

// DeleteConnection removes the record if present.
func (s *Store) DeleteConnection(ctx context.Context, connectionID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM connections WHERE connection_id = $1`, connectionID)
	if err != nil {
		return fmt.Errorf("postgres store: delete connection %s: %w", connectionID, err)
	}
	return nil
}

// TouchConnection refreshes last_activity and the expiry on an existing record.
func (s *Store) TouchConnection(ctx context.Context, connectionID string, lastActivity, ttl time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE connections SET last_activity = $2, expires_at = $3
		WHERE connection_id = $1`,
		connectionID, lastActivity, ttl)
	if err != nil {
		return fmt.Errorf("postgres store: touch connection %s: %w", connectionID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendItem writes one conversation log entry. The full item is stored as a
// JSONB payload next to the key columns so backends stay field-compatible.
func (s *Store) AppendItem(ctx context.Context, item store.ConversationItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("postgres store: marshal item: %w", err)
	}

	var expires any
	if !item.ExpiresAt.IsZero() {
		expires = item.ExpiresAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversation_items
			(conversation_id, item_timestamp, item_type, connection_id, created_at, expires_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (conversation_id, item_timestamp) DO UPDATE SET payload = EXCLUDED.payload`,
		item.ConversationID, item.ItemTimestamp, string(item.ItemType),
		item.ConnectionID, item.CreatedAt, expires, payload,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append item %s/%s: %w", item.ConversationID, item.ItemTimestamp, err)
	}
	return nil
}

// UpdateSessionStatus transitions a TRANSCRIPTION_SESSION item's status in
// both the payload and (implicitly) any future reads.
func (s *Store) UpdateSessionStatus(ctx context.Context, conversationID, itemTimestamp string, status store.SessionStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversation_items
		SET payload = jsonb_set(payload, '{sessionStatus}', to_jsonb($3::text))
		WHERE conversation_id = $1 AND item_timestamp = $2`,
		conversationID, itemTimestamp, string(status))
	if err != nil {
		return fmt.Errorf("postgres store: update session %s/%s: %w", conversationID, itemTimestamp, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListItems returns up to limit items for one conversation in sort-key order.
func (s *Store) ListItems(ctx context.Context, conversationID string, limit int) ([]store.ConversationItem, error) {
	query := `
		SELECT payload FROM conversation_items
		WHERE conversation_id = $1 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY item_timestamp`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list items %s: %w", conversationID, err)
	}
	defer rows.Close()

	var items []store.ConversationItem
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres store: scan item: %w", err)
		}
		var item store.ConversationItem
		if err := json.Unmarshal(payload, &item); err != nil {
			return nil, fmt.Errorf("postgres store: decode item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: list items %s: %w", conversationID, err)
	}
	return items, nil
}

// reapLoop deletes expired rows on a fixed cadence until ctx is cancelled.
func (s *Store) reapLoop(ctx context.Context) {
	defer close(s.reapDone)

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap(ctx)
		}
	}
}

// reap removes rows whose expiry has passed.
func (s *Store) reap(ctx context.Context) {
	if tag, err := s.pool.Exec(ctx,
		`DELETE FROM connections WHERE expires_at <= now()`); err != nil {
		slog.Warn("connection reap failed", "err", err)
	} else if n := tag.RowsAffected(); n > 0 {
		slog.Debug("reaped expired connections", "count", n)
	}

	if tag, err := s.pool.Exec(ctx,
		`DELETE FROM conversation_items WHERE expires_at IS NOT NULL AND expires_at <= now()`); err != nil {
		slog.Warn("conversation reap failed", "err", err)
	} else if n := tag.RowsAffected(); n > 0 {
		slog.Debug("reaped expired conversation items", "count", n)
	}
}
