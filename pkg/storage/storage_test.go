package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/nobletooth/larder/pkg/utils"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

// drivers returns a fresh instance of every storage driver.
func drivers(t *testing.T) map[string]Storage {
	t.Helper()
	boltStore, err := OpenBolt(filepath.Join(t.TempDir(), "larder.db"),
		BoltOptions{Filter: FilterOptions{Capacity: 1_000, FalsePositiveRate: 0.01}})
	require.NoError(t, err)

	server := miniredis.RunT(t)
	redisStore := NewRedis(redis.NewClient(&redis.Options{Addr: server.Addr()}), "test:")

	return map[string]Storage{"memory": NewMemory(), "bolt": boltStore, "redis": redisStore}
}

func TestStorage(t *testing.T) {
	ctx := context.Background()
	for name, store := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			t.Cleanup(func() { _ = store.Close() })

			partition, err := store.Open(ctx, "api-cache")
			require.NoError(t, err)
			assert.Equal(t, "api-cache", partition.Name())

			t.Run("open_is_memoized", func(t *testing.T) {
				again, err := store.Open(ctx, "api-cache")
				require.NoError(t, err)
				assert.Same(t, partition, again)
			})
			t.Run("empty_name", func(t *testing.T) {
				_, err := store.Open(ctx, "")
				assert.ErrorIs(t, err, ErrInvalidPartition)
			})
			t.Run("put_and_match", func(t *testing.T) {
				payload := Payload{ContentType: "application/json", Body: []byte(`{"x":1}`)}
				require.NoError(t, partition.Put(ctx, "a", payload))
				got, found, err := partition.Match(ctx, "a")
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, payload, got)
			})
			t.Run("overwrite", func(t *testing.T) {
				require.NoError(t, partition.Put(ctx, "a", Payload{ContentType: "text/plain", Body: []byte("v2")}))
				got, found, err := partition.Match(ctx, "a")
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, "text/plain", got.ContentType)
				assert.Equal(t, []byte("v2"), got.Body)
			})
			t.Run("match_missing", func(t *testing.T) {
				_, found, err := partition.Match(ctx, "missing")
				require.NoError(t, err)
				assert.False(t, found)
			})
			t.Run("delete", func(t *testing.T) {
				deleted, err := partition.Delete(ctx, "a")
				require.NoError(t, err)
				assert.True(t, deleted)
				deleted, err = partition.Delete(ctx, "a")
				require.NoError(t, err)
				assert.False(t, deleted, "Deleting twice is a no-op")
				_, found, err := partition.Match(ctx, "a")
				require.NoError(t, err)
				assert.False(t, found)
			})
			t.Run("partitions_are_isolated", func(t *testing.T) {
				other, err := store.Open(ctx, "other")
				require.NoError(t, err)
				require.NoError(t, partition.Put(ctx, "shared", Payload{Body: []byte("mine")}))
				_, found, err := other.Match(ctx, "shared")
				require.NoError(t, err)
				assert.False(t, found)

				existed, err := store.Drop(ctx, "other")
				require.NoError(t, err)
				_ = existed // A partition that was never written to may not exist in lazily creating drivers.
				_, found, err = partition.Match(ctx, "shared")
				require.NoError(t, err)
				assert.True(t, found, "Dropping another partition must not touch this one")
			})
			t.Run("drop_then_reuse_handle", func(t *testing.T) {
				require.NoError(t, partition.Put(ctx, "k", Payload{Body: []byte("v")}))
				existed, err := store.Drop(ctx, "api-cache")
				require.NoError(t, err)
				assert.True(t, existed)
				_, found, err := partition.Match(ctx, "k")
				require.NoError(t, err)
				assert.False(t, found)

				require.NoError(t, partition.Put(ctx, "k2", Payload{Body: []byte("v2")}))
				got, found, err := partition.Match(ctx, "k2")
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, []byte("v2"), got.Body)
			})
			t.Run("concurrent_puts", func(t *testing.T) {
				var wg sync.WaitGroup
				for i := range 16 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						assert.NoError(t, partition.Put(ctx, string(rune('a'+i)), Payload{Body: []byte{byte(i)}}))
					}()
				}
				wg.Wait()
				for i := range 16 {
					got, found, err := partition.Match(ctx, string(rune('a'+i)))
					require.NoError(t, err)
					assert.True(t, found)
					assert.Equal(t, []byte{byte(i)}, got.Body)
				}
			})
			t.Run("cancelled_context", func(t *testing.T) {
				cancelled, cancel := context.WithCancel(ctx)
				cancel()
				assert.Error(t, partition.Put(cancelled, "x", Payload{Body: []byte("x")}))
			})
			t.Run("closed", func(t *testing.T) {
				require.NoError(t, store.Close())
				_, err := store.Open(ctx, "api-cache")
				assert.ErrorIs(t, err, ErrClosed)
				assert.ErrorIs(t, partition.Put(ctx, "x", Payload{}), ErrClosed)
				_, _, err = partition.Match(ctx, "x")
				assert.ErrorIs(t, err, ErrClosed)
			})
		})
	}
}

func TestBolt_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "larder.db")
	opts := BoltOptions{Filter: FilterOptions{Capacity: 100, FalsePositiveRate: 0.01}}

	store, err := OpenBolt(path, opts)
	require.NoError(t, err)
	partition, err := store.Open(ctx, "files")
	require.NoError(t, err)
	require.NoError(t, partition.Put(ctx, "report.pdf", Payload{ContentType: "application/pdf", Body: []byte("%PDF")}))
	require.NoError(t, store.Close())

	store, err = OpenBolt(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	partition, err = store.Open(ctx, "files")
	require.NoError(t, err)
	// The lookup filter is seeded from the file, so the key must pass it.
	got, found, err := partition.Match(ctx, "report.pdf")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, Payload{ContentType: "application/pdf", Body: []byte("%PDF")}, got)
}

func TestBolt_DropKeepsConcurrentPutsVisible(t *testing.T) {
	ctx := context.Background()
	store, err := OpenBolt(filepath.Join(t.TempDir(), "larder.db"),
		BoltOptions{Filter: FilterOptions{Capacity: 10_000, FalsePositiveRate: 0.01}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	partition, err := store.Open(ctx, "api-cache")
	require.NoError(t, err)

	const rounds = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range rounds {
			assert.NoError(t, partition.Put(ctx, fmt.Sprintf("k%d", i), Payload{Body: []byte("v")}))
		}
	}()
	go func() {
		defer wg.Done()
		for range rounds {
			_, err := store.Drop(ctx, "api-cache")
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	// Every key that survived the drops must pass the lookup filter.
	var stored []string
	require.NoError(t, store.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte("api-cache"))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			stored = append(stored, string(k))
			return nil
		})
	}))
	for _, key := range stored {
		_, found, err := partition.Match(ctx, key)
		require.NoError(t, err)
		assert.True(t, found, key)
	}
}

func TestRedis_ForeignValueIsMissing(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)
	store := NewRedis(redis.NewClient(&redis.Options{Addr: server.Addr()}), "larder:")
	t.Cleanup(func() { _ = store.Close() })

	server.HSet("larder:api-cache", "foreign", "written by someone else")
	partition, err := store.Open(ctx, "api-cache")
	require.NoError(t, err)
	_, found, err := partition.Match(ctx, "foreign")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDialRedis(t *testing.T) {
	ctx := context.Background()
	t.Run("reachable", func(t *testing.T) {
		server := miniredis.RunT(t)
		store, err := DialRedis(ctx, RedisOptions{Address: server.Addr(), KeyPrefix: "p:"})
		require.NoError(t, err)
		partition, err := store.Open(ctx, "x")
		require.NoError(t, err)
		require.NoError(t, partition.Put(ctx, "k", Payload{Body: []byte("v")}))
		assert.True(t, server.Exists("p:x"))
		require.NoError(t, store.Close())
	})
	t.Run("unreachable", func(t *testing.T) {
		server := miniredis.RunT(t)
		addr := server.Addr()
		server.Close()
		_, err := DialRedis(ctx, RedisOptions{Address: addr})
		assert.Error(t, err)
	})
}

func TestOpenFromFlags(t *testing.T) {
	ctx := context.Background()
	t.Run("memory", func(t *testing.T) {
		utils.SetTestFlag(t, "storage_driver", "memory")
		store, err := OpenFromFlags(ctx)
		require.NoError(t, err)
		assert.IsType(t, &Memory{}, store)
	})
	t.Run("bolt", func(t *testing.T) {
		utils.SetTestFlag(t, "storage_driver", "bolt")
		utils.SetTestFlag(t, "bolt_path", filepath.Join(t.TempDir(), "nested", "larder.db"))
		store, err := OpenFromFlags(ctx)
		require.NoError(t, err)
		assert.IsType(t, &Bolt{}, store)
		assert.NoError(t, store.Close())
	})
	t.Run("unknown", func(t *testing.T) {
		utils.SetTestFlag(t, "storage_driver", "floppy")
		_, err := OpenFromFlags(ctx)
		assert.ErrorContains(t, err, "floppy")
	})
}
