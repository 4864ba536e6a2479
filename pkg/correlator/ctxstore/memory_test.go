package ctxstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryStore_SetGet tests basic per-message storage.
func TestMemoryStore_SetGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0, 0)

	require.NoError(t, store.Set(ctx, "msg-1", KeyHostname, "server.example.com"))

	var host string
	require.NoError(t, store.Get(ctx, "msg-1", KeyHostname, &host))
	assert.Equal(t, "server.example.com", host)
}

// TestMemoryStore_MissingKey tests that absent keys yield ErrNotFound.
func TestMemoryStore_MissingKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0, 0)

	var v string
	assert.ErrorIs(t, store.Get(ctx, "msg-1", "absent", &v), ErrNotFound)
	assert.ErrorIs(t, store.GetShared(ctx, "absent", &v), ErrNotFound)
}

// TestMemoryStore_Scoping tests that per-message keys do not leak
// across message ids.
func TestMemoryStore_Scoping(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0, 0)

	require.NoError(t, store.Set(ctx, "msg-1", KeyStatename, "DOWN"))

	var v string
	assert.ErrorIs(t, store.Get(ctx, "msg-2", KeyStatename, &v), ErrNotFound)
}

// TestMemoryStore_Shared tests shared keys and atomic increment.
func TestMemoryStore_Shared(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0, 0)

	require.NoError(t, store.SetShared(ctx, OpenAggrKey(12), int64(7)))

	var open int64
	require.NoError(t, store.GetShared(ctx, OpenAggrKey(12), &open))
	assert.Equal(t, int64(7), open)

	n, err := store.IncrShared(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = store.IncrShared(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

// TestMemoryStore_Expire tests dropping all keys of one message.
func TestMemoryStore_Expire(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0, 0)

	require.NoError(t, store.Set(ctx, "msg-1", KeyStatename, "DOWN"))
	require.NoError(t, store.Set(ctx, "msg-1", KeyTimestamp, int64(1)))
	require.NoError(t, store.SetShared(ctx, OpenAggrKey(1), int64(3)))

	require.NoError(t, store.Expire(ctx, "msg-1"))

	var v string
	assert.ErrorIs(t, store.Get(ctx, "msg-1", KeyStatename, &v), ErrNotFound)

	// Shared keys survive per-message expiry.
	var open int64
	require.NoError(t, store.GetShared(ctx, OpenAggrKey(1), &open))
	assert.Equal(t, int64(3), open)
}

// TestMemoryStore_TTL tests expiry of both scopes.
func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute, time.Hour)

	now := time.Unix(1000, 0)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, "msg-1", KeyStatename, "DOWN"))
	require.NoError(t, store.SetShared(ctx, OpenAggrKey(1), int64(3)))

	// Inside both TTLs.
	now = now.Add(30 * time.Second)
	var v string
	require.NoError(t, store.Get(ctx, "msg-1", KeyStatename, &v))

	// Past the message TTL, inside the shared TTL.
	now = now.Add(time.Minute)
	assert.ErrorIs(t, store.Get(ctx, "msg-1", KeyStatename, &v), ErrNotFound)
	var open int64
	require.NoError(t, store.GetShared(ctx, OpenAggrKey(1), &open))

	// Past the shared TTL.
	now = now.Add(2 * time.Hour)
	assert.ErrorIs(t, store.GetShared(ctx, OpenAggrKey(1), &open), ErrNotFound)
}

// TestMemoryStore_ComplexValues tests slices round-tripping, as used
// by the topology rules.
func TestMemoryStore_ComplexValues(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0, 0)

	require.NoError(t, store.Set(ctx, "msg-1", KeyPredecessors, []int64{4, 8}))

	var preds []int64
	require.NoError(t, store.Get(ctx, "msg-1", KeyPredecessors, &preds))
	assert.Equal(t, []int64{4, 8}, preds)
}
