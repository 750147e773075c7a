package port

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nobletooth/larder/pkg/cache"
	"github.com/nobletooth/larder/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) (*cacheBackend, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	manager := cache.NewManager(storage.NewMemory(), cache.WithClock(mock))
	t.Cleanup(func() { _ = manager.Close() })
	return newCacheBackend(manager, mock), mock
}

func TestCacheBackend_Set(t *testing.T) {
	ctx := context.Background()
	backend, mock := newTestBackend(t)

	t.Run("set", func(t *testing.T) {
		result := backend.Set(ctx, "p", SetCommand{key: "k1", value: []byte("v1")})
		require.NoError(t, result.err)
		assert.True(t, result.couldSet)
		value, found, err := backend.Get(ctx, "p", "k1")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("v1"), value)
	})
	t.Run("nx_on_existing_key", func(t *testing.T) {
		result := backend.Set(ctx, "p", SetCommand{key: "k1", value: []byte("other"), existence: ifNotExists})
		require.NoError(t, result.err)
		assert.False(t, result.couldSet)
		value, _, err := backend.Get(ctx, "p", "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), value)
	})
	t.Run("xx_on_missing_key", func(t *testing.T) {
		result := backend.Set(ctx, "p", SetCommand{key: "missing", value: []byte("v"), existence: ifExists})
		require.NoError(t, result.err)
		assert.False(t, result.couldSet)
		_, found, err := backend.Get(ctx, "p", "missing")
		require.NoError(t, err)
		assert.False(t, found)
	})
	t.Run("get_returns_previous_value", func(t *testing.T) {
		result := backend.Set(ctx, "p", SetCommand{key: "k1", value: []byte("v2"), get: true})
		require.NoError(t, result.err)
		assert.True(t, result.couldSet)
		assert.True(t, result.hasPreviousValue)
		assert.Equal(t, []byte("v1"), result.previousValue)
	})
	t.Run("expired_keys_are_missing", func(t *testing.T) {
		require.NoError(t, backend.Set(ctx, "p", SetCommand{key: "kx", value: []byte("v"), ttl: time.Second}).err)
		mock.Add(2 * time.Second)
		result := backend.Set(ctx, "p", SetCommand{key: "kx", value: []byte("new"), existence: ifNotExists, get: true})
		require.NoError(t, result.err)
		assert.True(t, result.couldSet)
		assert.False(t, result.hasPreviousValue)
	})
	t.Run("keepttl", func(t *testing.T) {
		require.NoError(t, backend.Set(ctx, "p", SetCommand{key: "kt", value: []byte("v"), ttl: 10 * time.Second}).err)
		mock.Add(4 * time.Second)
		require.NoError(t, backend.Set(ctx, "p", SetCommand{key: "kt", value: []byte("v2"), keepTTL: true}).err)
		remaining, exists, expires, err := backend.TTL(ctx, "p", "kt")
		require.NoError(t, err)
		assert.True(t, exists)
		assert.True(t, expires)
		assert.Equal(t, 6*time.Second, remaining)
	})
	t.Run("set_drops_ttl", func(t *testing.T) {
		require.NoError(t, backend.Set(ctx, "p", SetCommand{key: "kt", value: []byte("v3")}).err)
		_, exists, expires, err := backend.TTL(ctx, "p", "kt")
		require.NoError(t, err)
		assert.True(t, exists)
		assert.False(t, expires)
	})
}

func TestCacheBackend_Partitions(t *testing.T) {
	ctx := context.Background()
	backend, _ := newTestBackend(t)
	require.NoError(t, backend.Set(ctx, "a", SetCommand{key: "k", value: []byte("in a")}).err)
	require.NoError(t, backend.Set(ctx, "b", SetCommand{key: "k", value: []byte("in b")}).err)

	require.NoError(t, backend.Flush(ctx, "a"))
	size, err := backend.Size(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, size)
	value, found, err := backend.Get(ctx, "b", "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("in b"), value)
}

func TestCacheBackend_DeleteAndExists(t *testing.T) {
	ctx := context.Background()
	backend, _ := newTestBackend(t)
	for _, key := range []string{"k1", "k2"} {
		require.NoError(t, backend.Set(ctx, "p", SetCommand{key: key, value: []byte("v")}).err)
	}

	count, err := backend.Exists(ctx, "p", "k1", "k1", "k2", "missing")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	deleted, err := backend.Delete(ctx, "p", "k1", "missing")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	count, err = backend.Exists(ctx, "p", "k1")
	require.NoError(t, err)
	assert.Zero(t, count)
}
