// Package connection tracks live operator console connections.
//
// The Manager owns every connection record: it registers on connect, removes
// on disconnect, refreshes activity on every inbound frame, and answers the
// health predicate. Failure semantics follow the gateway contract — only the
// register path may refuse a connection; remove and touch failures are logged
// and swallowed because the storage-level TTL eventually reclaims stale
// records anyway.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/portvoice/internal/store"
)

// Metadata describes the remote peer at registration time.
type Metadata struct {
	// ClientIP is the remote address as reported by the transport.
	ClientIP string

	// UserAgent is the client's User-Agent header, when present.
	UserAgent string
}

// Manager is the sole writer of connection records. Safe for concurrent use;
// all state lives in the backing store.
type Manager struct {
	store            store.ConnectionStore
	inactivityHealth time.Duration
	ttl              time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// NewManager creates a Manager over the given store. inactivityHealth is the
// window within which a connection must have shown activity to be considered
// healthy; ttl is the storage-level expiry extension applied on every write.
func NewManager(s store.ConnectionStore, inactivityHealth, ttl time.Duration) *Manager {
	return &Manager{
		store:            s,
		inactivityHealth: inactivityHealth,
		ttl:              ttl,
		now:              time.Now,
	}
}

// SetClock replaces the manager's clock. Test use only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Register writes a new CONNECTED record for connectionID. Re-registering an
// existing id overwrites the record; the transport layer guarantees id
// uniqueness among live connections. A storage failure here is fatal to the
// connect handshake and propagates to the caller.
func (m *Manager) Register(ctx context.Context, connectionID string, meta Metadata) (store.Connection, error) {
	now := m.now().UTC()
	conn := store.Connection{
		ConnectionID: connectionID,
		ConnectedAt:  now,
		Status:       store.StatusConnected,
		ClientIP:     meta.ClientIP,
		UserAgent:    meta.UserAgent,
		LastActivity: now,
		TTL:          now.Add(m.ttl),
	}
	if err := m.store.PutConnection(ctx, conn); err != nil {
		return store.Connection{}, err
	}
	return conn, nil
}

// Remove deletes the record. The transport already considers the connection
// gone, so failures are logged and swallowed.
func (m *Manager) Remove(ctx context.Context, connectionID string) {
	if err := m.store.DeleteConnection(ctx, connectionID); err != nil {
		slog.Warn("failed to remove connection record",
			"connection_id", connectionID, "err", err)
	}
}

// Touch refreshes lastActivity and extends the TTL. Called on every inbound
// frame. Failures are logged and swallowed; an unrefreshed record expires via
// TTL.
func (m *Manager) Touch(ctx context.Context, connectionID string) {
	now := m.now().UTC()
	err := m.store.TouchConnection(ctx, connectionID, now, now.Add(m.ttl))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("failed to touch connection record",
			"connection_id", connectionID, "err", err)
	}
}

// Get returns the record, or store.ErrNotFound.
func (m *Manager) Get(ctx context.Context, connectionID string) (*store.Connection, error) {
	return m.store.GetConnection(ctx, connectionID)
}

// IsHealthy reports whether a record exists and showed activity within the
// inactivity window.
func (m *Manager) IsHealthy(ctx context.Context, connectionID string) bool {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return false
	}
	return m.now().Sub(conn.LastActivity) < m.inactivityHealth
}
