package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store implementation used by tests and local
// development. TTLs are honoured lazily: expired records are dropped when
// read. Safe for concurrent use.
type MemStore struct {
	mu          sync.RWMutex
	connections map[string]Connection
	items       map[string]map[string]ConversationItem // conversationID → sortKey → item

	// now is replaceable in tests.
	now func() time.Time
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		connections: make(map[string]Connection),
		items:       make(map[string]map[string]ConversationItem),
		now:         time.Now,
	}
}

// SetClock replaces the store's clock. Test use only.
func (m *MemStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// PutConnection writes (or overwrites) the connection record.
func (m *MemStore) PutConnection(_ context.Context, conn Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[conn.ConnectionID] = conn
	return nil
}

// GetConnection returns the record, or ErrNotFound. Records past their TTL
// are treated as absent.
func (m *MemStore) GetConnection(_ context.Context, connectionID string) (*Connection, error) {
	m.mu.RLock()
	conn, ok := m.connections[connectionID]
	now := m.now()
	m.mu.RUnlock()
	if !ok || (!conn.TTL.IsZero() && now.After(conn.TTL)) {
		return nil, ErrNotFound
	}
	c := conn
	return &c, nil
}

// DeleteConnection removes the record if present.
func (m *MemStore) DeleteConnection(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, connectionID)
	return nil
}

// TouchConnection refreshes lastActivity and TTL on an existing record.
func (m *MemStore) TouchConnection(_ context.Context, connectionID string, lastActivity, ttl time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[connectionID]
	if !ok {
		return ErrNotFound
	}
	conn.LastActivity = lastActivity
	conn.TTL = ttl
	m.connections[connectionID] = conn
	return nil
}

// AppendItem writes one conversation log entry.
func (m *MemStore) AppendItem(_ context.Context, item ConversationItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.items[item.ConversationID]
	if !ok {
		conv = make(map[string]ConversationItem)
		m.items[item.ConversationID] = conv
	}
	conv[item.ItemTimestamp] = item
	return nil
}

// UpdateSessionStatus transitions a session marker's status.
func (m *MemStore) UpdateSessionStatus(_ context.Context, conversationID, itemTimestamp string, status SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.items[conversationID]
	if !ok {
		return ErrNotFound
	}
	item, ok := conv[itemTimestamp]
	if !ok {
		return ErrNotFound
	}
	item.SessionStatus = status
	conv[itemTimestamp] = item
	return nil
}

// ListItems returns up to limit items in sort-key order.
func (m *MemStore) ListItems(_ context.Context, conversationID string, limit int) ([]ConversationItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv := m.items[conversationID]
	now := m.now()
	out := make([]ConversationItem, 0, len(conv))
	for _, item := range conv {
		if !item.ExpiresAt.IsZero() && now.After(item.ExpiresAt) {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ItemTimestamp < out[j].ItemTimestamp
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ConnectionCount reports the number of stored (possibly expired) connection
// records. Test use only.
func (m *MemStore) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}
