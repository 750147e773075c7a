// Larder's cache keeps content-typed payloads in one storage partition and tracks, for every key, when it was
// written and for how long it stays valid. Expiry is lazy: nothing sweeps the partition, an expired key is only
// removed when a single-key read (Get*, Has, Meta) finds it.
//
// Listing is asymmetric: Keys and Size report every key in the metadata document, expired or not,
// while Select skips expired keys. Callers that want "live keys" use Select with a predicate that returns true.
//
// Mutations of one partition are serialized by a lock shared by every Cache handle of that partition within the
// process, so concurrent writers never lose each other's metadata entries. WithUnserializedMeta turns the lock off.
// Processes sharing a networked partition (e.g. the Redis driver) are not coordinated.

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nobletooth/larder/pkg/storage"
	"github.com/nobletooth/larder/pkg/utils"
)

// ErrInvalidKey is returned for empty keys and keys starting with NUL, which are reserved for bookkeeping.
var ErrInvalidKey = errors.New("cache: invalid key")

// Predicate decides whether Select keeps a live key. An error aborts the scan and is returned as is.
type Predicate func(key string, meta Meta) (bool, error)

// Accessor is the set of operations shared by Cache and its decorators.
type Accessor interface {
	// Put stores `value` JSON-encoded; ttl <= 0 never expires.
	Put(ctx context.Context, key string, value any, ttl time.Duration) error
	// Get decodes the JSON payload of `key` into `dst`.
	Get(ctx context.Context, key string, dst any) (bool /*found*/, error)
	PutText(ctx context.Context, key, text string, ttl time.Duration) error
	PutHTML(ctx context.Context, key, html string, ttl time.Duration) error
	GetText(ctx context.Context, key string) (string, bool, error)
	PutBlob(ctx context.Context, key string, blob Blob, ttl time.Duration) error
	GetBlob(ctx context.Context, key string) (Blob, bool, error)
	PutBytes(ctx context.Context, key string, data []byte, ttl time.Duration) error
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	PutFile(ctx context.Context, key string, file File, ttl time.Duration) error
	GetFile(ctx context.Context, key string) (File, bool, error)
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	Meta(ctx context.Context, key string) (Meta, bool, error)
	Keys(ctx context.Context) ([]string, error)
	Select(ctx context.Context, keep Predicate) ([]string, error)
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int, error)
}

type options struct {
	clock        clock.Clock
	unserialized bool
}

// Option configures a Cache.
type Option func(*options)

// WithClock sets the clock used for creation times and expiry checks.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithUnserializedMeta disables the per-partition lock. Concurrent writers may then overwrite each other's
// metadata entries: the payload survives but its key disappears from Keys and loses its TTL.
func WithUnserializedMeta() Option {
	return func(o *options) { o.unserialized = true }
}

// partitionLock serializes the mutations of one partition; refs counts the live Caches sharing it.
type partitionLock struct {
	sync.Mutex
	refs int
}

// partitionLocks maps a storage.Partition handle to its lock. Storages memoize handles, so every Cache over the
// same partition shares one lock. An entry is removed once the last Cache using it is garbage collected.
var partitionLocks = struct {
	mux   sync.Mutex
	locks map[storage.Partition]*partitionLock
}{locks: make(map[storage.Partition]*partitionLock)}

func acquirePartitionLock(partition storage.Partition) *partitionLock {
	partitionLocks.mux.Lock()
	defer partitionLocks.mux.Unlock()
	lock, exists := partitionLocks.locks[partition]
	if !exists {
		lock = &partitionLock{}
		partitionLocks.locks[partition] = lock
	}
	lock.refs++
	return lock
}

func releasePartitionLock(partition storage.Partition) {
	partitionLocks.mux.Lock()
	defer partitionLocks.mux.Unlock()
	lock, exists := partitionLocks.locks[partition]
	if !exists {
		utils.RaiseInvariant("cache", "partition_lock_released_twice", "Released an unknown partition lock.",
			"partition", partition.Name())
		return
	}
	if lock.refs--; lock.refs <= 0 {
		delete(partitionLocks.locks, partition)
	}
}

// Cache is a TTL-tracked key/value cache over one storage partition. It's safe for concurrent use.
type Cache struct { // Implements Accessor.
	store     storage.Storage
	partition storage.Partition
	clock     clock.Clock
	lock      sync.Locker
}

var _ Accessor = (*Cache)(nil)

// New opens partition `name` of `store` as a cache.
func New(ctx context.Context, store storage.Storage, name string, opts ...Option) (*Cache, error) {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	partition, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	c := &Cache{store: store, partition: partition, clock: o.clock, lock: noLock{}}
	if !o.unserialized {
		c.lock = acquirePartitionLock(partition)
		runtime.AddCleanup(c, releasePartitionLock, partition)
	}
	return c, nil
}

// Name returns the name of the underlying partition.
func (c *Cache) Name() string { return c.partition.Name() }

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// put stores the payload and then records its metadata entry.
func (c *Cache) put(ctx context.Context, key string, payload storage.Payload, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.partition.Put(ctx, key, payload); err != nil {
		return err
	}
	doc, err := loadMeta(ctx, c.partition)
	if err != nil {
		return err
	}
	doc.Set(key, newMeta(key, c.clock.Now(), ttl))
	return saveMeta(ctx, c.partition, doc)
}

// live reports the metadata entry of `key` unless it expired, in which case the key is evicted first.
// Keys without a metadata entry (e.g. lost by an unserialized writer) are live and never expire.
func (c *Cache) live(ctx context.Context, key string) (Meta, bool /*hasMeta*/, bool /*live*/, error) {
	doc, err := loadMeta(ctx, c.partition)
	if err != nil {
		return Meta{}, false, false, err
	}
	meta, hasMeta := doc.Get(key)
	if !hasMeta || !meta.Expired(c.clock.Now()) {
		return meta, hasMeta, true, nil
	}
	if err := c.evict(ctx, key); err != nil {
		return Meta{}, false, false, err
	}
	return Meta{}, false, false, nil
}

// evict deletes `key` if it is still expired once the lock is held; a concurrent Put may have renewed it.
func (c *Cache) evict(ctx context.Context, key string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	doc, err := loadMeta(ctx, c.partition)
	if err != nil {
		return err
	}
	if meta, exists := doc.Get(key); !exists || !meta.Expired(c.clock.Now()) {
		return nil
	}
	if _, err := c.partition.Delete(ctx, key); err != nil {
		return err
	}
	doc.Delete(key)
	if err := saveMeta(ctx, c.partition, doc); err != nil {
		return err
	}
	expiredEvictionsMetric.Inc()
	slog.Debug("Evicted expired key.", "partition", c.partition.Name(), "key", key)
	return nil
}

// lookup runs the expiry check and then fetches the payload of `key`.
func (c *Cache) lookup(ctx context.Context, op, key string) (storage.Payload, bool, error) {
	if err := validateKey(key); err != nil {
		return storage.Payload{}, false, err
	}
	if _, _, live, err := c.live(ctx, key); err != nil {
		return storage.Payload{}, false, err
	} else if !live {
		lookupsMetric.WithLabelValues(op, lookupExpired).Inc()
		return storage.Payload{}, false, nil
	}
	payload, found, err := c.partition.Match(ctx, key)
	if err != nil {
		return storage.Payload{}, false, err
	}
	if !found {
		lookupsMetric.WithLabelValues(op, lookupMiss).Inc()
		return storage.Payload{}, false, nil
	}
	return payload, true, nil
}

// decoded records the outcome of decoding a payload that was found.
func decoded(op string, ok bool) bool {
	if ok {
		lookupsMetric.WithLabelValues(op, lookupHit).Inc()
	} else {
		lookupsMetric.WithLabelValues(op, lookupMismatch).Inc()
	}
	return ok
}

func (c *Cache) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value of %q: %w", key, err)
	}
	return c.put(ctx, key, storage.Payload{ContentType: jsonContentType, Body: body}, ttl)
}

// Get reports false when the key is missing, expired, not JSON or doesn't decode into `dst`.
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	payload, found, err := c.lookup(ctx, "get", key)
	if err != nil || !found {
		return false, err
	}
	if !isMediaType(payload.ContentType, jsonContentType) {
		return decoded("get", false), nil
	}
	return decoded("get", json.Unmarshal(payload.Body, dst) == nil), nil
}

// GetJSON is Get for a value of type T.
func GetJSON[T any](ctx context.Context, accessor Accessor, key string) (T, bool, error) {
	var value T
	found, err := accessor.Get(ctx, key, &value)
	if err != nil || !found {
		var zero T
		return zero, false, err
	}
	return value, true, nil
}

func (c *Cache) PutText(ctx context.Context, key, text string, ttl time.Duration) error {
	return c.put(ctx, key, storage.Payload{ContentType: textContentType, Body: []byte(text)}, ttl)
}

func (c *Cache) PutHTML(ctx context.Context, key, html string, ttl time.Duration) error {
	return c.put(ctx, key, storage.Payload{ContentType: htmlContentType, Body: []byte(html)}, ttl)
}

// GetText reads any text/* payload.
func (c *Cache) GetText(ctx context.Context, key string) (string, bool, error) {
	payload, found, err := c.lookup(ctx, "get_text", key)
	if err != nil || !found {
		return "", false, err
	}
	if !decoded("get_text", isText(payload.ContentType)) {
		return "", false, nil
	}
	return string(payload.Body), true, nil
}

func (c *Cache) PutBlob(ctx context.Context, key string, blob Blob, ttl time.Duration) error {
	return c.put(ctx, key, storage.Payload{ContentType: blob.Type, Body: blob.Data}, ttl)
}

// GetBlob reads any payload along with the content type it was stored with.
func (c *Cache) GetBlob(ctx context.Context, key string) (Blob, bool, error) {
	payload, found, err := c.lookup(ctx, "get_blob", key)
	if err != nil || !found {
		return Blob{}, false, err
	}
	decoded("get_blob", true)
	return Blob{Type: payload.ContentType, Data: payload.Body}, true, nil
}

// PutBytes stores raw bytes as an untyped blob.
func (c *Cache) PutBytes(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return c.PutBlob(ctx, key, Blob{Data: data}, ttl)
}

func (c *Cache) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	blob, found, err := c.GetBlob(ctx, key)
	return blob.Data, found, err
}

// PutFile stores the file contents as a blob; the file name is not kept.
func (c *Cache) PutFile(ctx context.Context, key string, file File, ttl time.Duration) error {
	return c.PutBlob(ctx, key, Blob{Type: file.Type, Data: file.Data}, ttl)
}

// GetFile reads a blob back as a file named after `key`.
func (c *Cache) GetFile(ctx context.Context, key string) (File, bool, error) {
	blob, found, err := c.GetBlob(ctx, key)
	if err != nil || !found {
		return File{}, false, err
	}
	return File{Name: key, Type: blob.Type, Data: blob.Data}, true, nil
}

// Delete removes the payload and the metadata entry of `key`. Deleting a missing key is a no-op.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, err := c.partition.Delete(ctx, key); err != nil {
		return err
	}
	doc, err := loadMeta(ctx, c.partition)
	if err != nil {
		return err
	}
	if _, present := doc.Delete(key); !present {
		return nil
	}
	return saveMeta(ctx, c.partition, doc)
}

// Has agrees with Get*: an expired key is evicted and reported missing.
func (c *Cache) Has(ctx context.Context, key string) (bool, error) {
	_, found, err := c.lookup(ctx, "has", key)
	if err != nil || !found {
		return false, err
	}
	decoded("has", true)
	return true, nil
}

// Meta returns the metadata entry of a live key; an expired key is evicted and reported missing.
func (c *Cache) Meta(ctx context.Context, key string) (Meta, bool, error) {
	if err := validateKey(key); err != nil {
		return Meta{}, false, err
	}
	meta, hasMeta, live, err := c.live(ctx, key)
	if err != nil || !live || !hasMeta {
		return Meta{}, false, err
	}
	return meta, true, nil
}

// Keys lists every key of the metadata document in insertion order, including expired ones.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	doc, err := loadMeta(ctx, c.partition)
	if err != nil {
		return nil, err
	}
	return metaKeys(doc), nil
}

// Select lists, in insertion order, the live keys for which `keep` returns true.
// Expired keys are skipped without being passed to `keep`, and without being evicted.
func (c *Cache) Select(ctx context.Context, keep Predicate) ([]string, error) {
	doc, err := loadMeta(ctx, c.partition)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	selected := make([]string, 0, doc.Len())
	for pair := doc.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Expired(now) {
			continue
		}
		ok, err := keep(pair.Key, pair.Value)
		if err != nil {
			return nil, err
		}
		if ok {
			selected = append(selected, pair.Key)
		}
	}
	return selected, nil
}

// Clear drops the whole partition; the cache stays usable and starts out empty.
func (c *Cache) Clear(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	_, err := c.store.Drop(ctx, c.partition.Name())
	return err
}

// Size is len(Keys()), so it counts expired keys too.
func (c *Cache) Size(ctx context.Context) (int, error) {
	keys, err := c.Keys(ctx)
	return len(keys), err
}

// All is a Select predicate keeping every live key.
func All(string, Meta) (bool, error) { return true, nil }

type noLock struct{}

func (noLock) Lock()   {}
func (noLock) Unlock() {}
