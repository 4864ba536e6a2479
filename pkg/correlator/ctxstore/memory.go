package ctxstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-memory context store for testing and
// single-process deployments. Data is lost when the process exits.
type MemoryStore struct {
	mu         sync.Mutex
	perMessage map[string]map[string]storedValue // msgID -> key -> value
	shared     map[string]storedValue
	messageTTL time.Duration
	sharedTTL  time.Duration

	// now is swappable for TTL tests.
	now func() time.Time
}

// storedValue holds an encoded value with its expiry.
type storedValue struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory context store.
// Zero TTLs mean keys never expire.
func NewMemoryStore(messageTTL, sharedTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		perMessage: make(map[string]map[string]storedValue),
		shared:     make(map[string]storedValue),
		messageTTL: messageTTL,
		sharedTTL:  sharedTTL,
		now:        time.Now,
	}
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (v storedValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && v.expiresAt.Before(now)
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, msgID, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.perMessage[msgID] == nil {
		m.perMessage[msgID] = make(map[string]storedValue)
	}
	m.perMessage[msgID][key] = storedValue{data: data, expiresAt: m.expiry(m.messageTTL)}
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, msgID, key string, dest any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.perMessage[msgID][key]
	if !ok || v.expired(m.now()) {
		return ErrNotFound
	}
	return json.Unmarshal(v.data, dest)
}

// SetShared implements Store.
func (m *MemoryStore) SetShared(_ context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.shared[key] = storedValue{data: data, expiresAt: m.expiry(m.sharedTTL)}
	return nil
}

// GetShared implements Store.
func (m *MemoryStore) GetShared(_ context.Context, key string, dest any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.shared[key]
	if !ok || v.expired(m.now()) {
		return ErrNotFound
	}
	return json.Unmarshal(v.data, dest)
}

// IncrShared implements Store.
func (m *MemoryStore) IncrShared(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if v, ok := m.shared[key]; ok && !v.expired(m.now()) {
		if err := json.Unmarshal(v.data, &current); err != nil {
			return 0, err
		}
	}
	current++

	data, err := json.Marshal(current)
	if err != nil {
		return 0, err
	}
	m.shared[key] = storedValue{data: data, expiresAt: m.expiry(m.sharedTTL)}
	return current, nil
}

// Expire implements Store.
func (m *MemoryStore) Expire(_ context.Context, msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.perMessage, msgID)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
