// Larder's Redis port stores every value as an untyped blob in the cache partition selected by the connection.
// Conditional writes (NX / XX), GET and KEEPTTL need a read before the write; the backend serializes SET and DEL
// so that read and write are not interleaved with another connection's.

package port

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nobletooth/larder/pkg/cache"
	"github.com/nobletooth/larder/pkg/scan"
	"github.com/nobletooth/larder/pkg/utils"
)

type existenceCheck uint8

const (
	noCheck     existenceCheck = iota
	ifNotExists                // NX
	ifExists                   // XX
)

var allExistenceChecks = []existenceCheck{noCheck, ifExists, ifNotExists}

type SetCommand struct {
	key       string
	value     []byte
	ttl       time.Duration // Zero means no expiry.
	existence existenceCheck
	keepTTL   bool // The Redis KEEPTTL option; overrides the `ttl`.
	get       bool // The Redis GET option; if true, should return the previous value.
}

type SetResult struct {
	previousValue    []byte // Only set if the command requires the previous value.
	hasPreviousValue bool   // If true, the `key` specified in SetCommand had a live previous value.
	couldSet         bool   // If true, something was set in the cache.
	err              error
}

// cacheBackend runs Redis commands against the caches of a manager.
type cacheBackend struct {
	mux     sync.Mutex
	manager *cache.Manager
	clock   clock.Clock
}

func newCacheBackend(manager *cache.Manager, clk clock.Clock) *cacheBackend {
	return &cacheBackend{manager: manager, clock: clk}
}

// Set executes the given `cmd` on partition `partition` and returns the previous value if required.
func (cb *cacheBackend) Set(ctx context.Context, partition string, cmd SetCommand) SetResult {
	if !slices.Contains(allExistenceChecks, cmd.existence) {
		utils.RaiseInvariant("port", "unknown_set_existence_constraint",
			"Got an unknown existence constraint in the given set command.", "constraint", cmd.existence)
		return SetResult{err: fmt.Errorf("got unknown set constraint '%d'", cmd.existence)}
	}
	c, err := cb.manager.Open(ctx, partition)
	if err != nil {
		return SetResult{err: err}
	}

	cb.mux.Lock()
	defer cb.mux.Unlock()

	// Check if the previous value needs to be retrieved; expired keys read as missing.
	var prevValue []byte
	hasPrevValue := false
	if cmd.existence != noCheck || cmd.keepTTL || cmd.get {
		if prevValue, hasPrevValue, err = c.GetBytes(ctx, cmd.key); err != nil {
			return SetResult{err: fmt.Errorf("failed to get previous value: %w", err)}
		}
	}

	ttl := cmd.ttl
	// KEEPTTL only carries over what is left of the previous expiry.
	if cmd.keepTTL {
		ttl = 0
		if hasPrevValue {
			meta, found, err := c.Meta(ctx, cmd.key)
			if err != nil {
				return SetResult{err: fmt.Errorf("failed to get previous metadata: %w", err)}
			}
			if expiresAt, expires := meta.ExpiresAt(); found && expires {
				ttl = max(expiresAt.Sub(cb.clock.Now()), time.Millisecond)
			}
		}
	}

	// Check whether we can set the value or not.
	couldSet := cmd.existence == noCheck || // Set any way.
		(cmd.existence == ifNotExists && !hasPrevValue) || // NX; Set only if not exists.
		(cmd.existence == ifExists && hasPrevValue) // XX; Set only if exists.
	if couldSet {
		if err := c.PutBytes(ctx, cmd.key, cmd.value, ttl); err != nil {
			return SetResult{err: fmt.Errorf("failed to set value: %w", err)}
		}
	}

	if cmd.get {
		return SetResult{previousValue: prevValue, hasPreviousValue: hasPrevValue, couldSet: couldSet}
	}
	return SetResult{couldSet: couldSet}
}

// Get returns the value of `key` in any content type.
func (cb *cacheBackend) Get(ctx context.Context, partition, key string) ([]byte, bool, error) {
	c, err := cb.manager.Open(ctx, partition)
	if err != nil {
		return nil, false, err
	}
	return c.GetBytes(ctx, key)
}

// Delete removes `keys` and returns how many of them were live.
func (cb *cacheBackend) Delete(ctx context.Context, partition string, keys ...string) (int, error) {
	c, err := cb.manager.Open(ctx, partition)
	if err != nil {
		return 0, err
	}
	cb.mux.Lock()
	defer cb.mux.Unlock()
	deletedCount := 0
	for _, key := range keys {
		found, err := c.Has(ctx, key)
		if err != nil {
			return deletedCount, err
		}
		if err := c.Delete(ctx, key); err != nil {
			return deletedCount, err
		}
		if found {
			deletedCount++
		}
	}
	return deletedCount, nil
}

// Exists counts the live keys among `keys`; repeated keys are counted repeatedly.
func (cb *cacheBackend) Exists(ctx context.Context, partition string, keys ...string) (int, error) {
	c, err := cb.manager.Open(ctx, partition)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, key := range keys {
		found, err := c.Has(ctx, key)
		if err != nil {
			return count, err
		}
		if found {
			count++
		}
	}
	return count, nil
}

// TTL returns the remaining time to live of `key`, whether the key is live, and whether it expires at all.
func (cb *cacheBackend) TTL(ctx context.Context, partition, key string) (time.Duration, bool, bool, error) {
	c, err := cb.manager.Open(ctx, partition)
	if err != nil {
		return 0, false, false, err
	}
	found, err := c.Has(ctx, key)
	if err != nil || !found {
		return 0, false, false, err
	}
	meta, found, err := c.Meta(ctx, key)
	if err != nil {
		return 0, false, false, err
	}
	expiresAt, expires := meta.ExpiresAt()
	if !found || !expires {
		return 0, true, false, nil
	}
	return max(expiresAt.Sub(cb.clock.Now()), 0), true, true, nil
}

// Keys lists the live keys matching the glob `pattern`.
func (cb *cacheBackend) Keys(ctx context.Context, partition, pattern string) ([]string, error) {
	c, err := cb.manager.Open(ctx, partition)
	if err != nil {
		return nil, err
	}
	live, err := c.Select(ctx, cache.All)
	if err != nil {
		return nil, err
	}
	return slices.Collect(scan.MatchGlob(pattern, slices.Values(live))), nil
}

// Size counts every tracked key of the partition, expired ones included.
func (cb *cacheBackend) Size(ctx context.Context, partition string) (int, error) {
	c, err := cb.manager.Open(ctx, partition)
	if err != nil {
		return 0, err
	}
	return c.Size(ctx)
}

// Flush drops the partition.
func (cb *cacheBackend) Flush(ctx context.Context, partition string) error {
	c, err := cb.manager.Open(ctx, partition)
	if err != nil {
		return err
	}
	cb.mux.Lock()
	defer cb.mux.Unlock()
	return c.Clear(ctx)
}
