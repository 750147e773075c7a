// Larder keeps cache payloads in named partitions provided by a storage driver. A partition is an isolated key
// space holding content-typed payloads; partitions can be dropped independently of each other.
// Drivers in this package: Memory (in-process), Bolt (a bbolt file, one bucket per partition) and Redis (one hash
// per partition).

package storage

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by every operation on a storage (or its partitions) after Close.
	ErrClosed = errors.New("storage: closed")
	// ErrInvalidPartition is returned when opening a partition with an empty name.
	ErrInvalidPartition = errors.New("storage: invalid partition name")
)

// Payload is a stored body along with the content type it was written with.
type Payload struct {
	ContentType string
	Body        []byte
}

// Partition is a handle over one named storage area.
// A handle stays usable after its partition was dropped: reads report nothing and the next write recreates the
// partition empty. Implementations must be safe for concurrent use by multiple goroutines.
type Partition interface {
	Name() string
	// Put stores `payload` under `key`, overwriting any previous payload.
	Put(ctx context.Context, key string, payload Payload) error
	// Match looks up `key`. Missing keys and payloads that can't be decoded are reported as not found.
	Match(ctx context.Context, key string) (Payload, bool /*found*/, error)
	// Delete removes `key` and reports whether something was removed.
	Delete(ctx context.Context, key string) (bool /*deleted*/, error)
}

// Storage opens and drops partitions.
// Open returns the same handle for the same name for the lifetime of the storage, so callers may use handle
// identity as partition identity.
type Storage interface {
	Open(ctx context.Context, name string) (Partition, error)
	// Drop removes a partition with all of its payloads and reports whether it existed.
	Drop(ctx context.Context, name string) (bool /*existed*/, error)
	Close() error
}

// copyBytes returns a copy of `b` that is safe to keep after the source buffer is reused.
func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}
