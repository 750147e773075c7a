package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"
)

// BoltOptions configures a Bolt storage.
type BoltOptions struct {
	// OpenTimeout bounds how long Open waits for the file lock held by another process.
	OpenTimeout time.Duration
	Filter      FilterOptions
}

// Bolt stores every partition as a bucket inside one bbolt file.
type Bolt struct { // Implements Storage.
	db      *bolt.DB
	opts    BoltOptions
	mux     sync.Mutex
	handles map[ /*name*/ string]*boltPartition
}

var _ Storage = (*Bolt)(nil)

// OpenBolt opens (or creates) the bbolt file at `path`.
func OpenBolt(path string, opts BoltOptions) (*Bolt, error) {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = time.Second
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create bolt directory %s: %w", dir, err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt file %s: %w", path, err)
	}
	slog.Info("Opened bolt storage.", "path", path)
	return &Bolt{db: db, opts: opts, handles: make(map[string]*boltPartition)}, nil
}

func (b *Bolt) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, ErrInvalidPartition
	}
	b.mux.Lock()
	defer b.mux.Unlock()
	if b.handles == nil {
		return nil, ErrClosed
	}
	if handle, exists := b.handles[name]; exists {
		return handle, nil
	}

	handle := &boltPartition{store: b, db: b.db, name: name, bucket: []byte(name), filter: newLookupFilter(b.opts.Filter)}
	// Create the bucket and seed the lookup filter with whatever the file already holds.
	if err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(handle.bucket)
		if err != nil {
			return err
		}
		if handle.filter == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			handle.filter.add(string(k))
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("failed to open partition %s: %w", name, err)
	}
	b.handles[name] = handle
	return handle, nil
}

func (b *Bolt) Drop(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mux.Lock()
	defer b.mux.Unlock()
	if b.handles == nil {
		return false, ErrClosed
	}
	// Puts through the handle stay out until the filter matches the dropped bucket.
	handle := b.handles[name]
	if handle != nil {
		handle.writes.Lock()
		defer handle.writes.Unlock()
	}
	existed := true
	err := b.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(name))
		if errors.Is(err, bolterrors.ErrBucketNotFound) {
			existed = false
			return nil
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to drop partition %s: %w", name, err)
	}
	if handle != nil {
		handle.filter.reset()
	}
	return existed, nil
}

func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	b.mux.Lock()
	defer b.mux.Unlock()
	b.handles = nil
	return b.db.Close()
}

func (b *Bolt) isClosed() bool {
	b.mux.Lock()
	defer b.mux.Unlock()
	return b.handles == nil
}

type boltPartition struct { // Implements Partition.
	store  *Bolt
	db     *bolt.DB
	name   string
	bucket []byte
	filter *lookupFilter
	writes sync.RWMutex // Held shared by Put and exclusively by Drop, so a drop can't erase a newer key.
}

func (p *boltPartition) Name() string { return p.name }

// closedAware maps bbolt's closed-database error to ErrClosed.
func closedAware(err error) error {
	if errors.Is(err, bolterrors.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

func (p *boltPartition) Put(ctx context.Context, key string, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.store.isClosed() {
		return ErrClosed
	}
	packed := packPayload(payload)
	p.writes.RLock()
	defer p.writes.RUnlock()
	err := p.db.Update(func(tx *bolt.Tx) error {
		// The bucket is recreated when the partition was dropped since it was opened.
		bucket, err := tx.CreateBucketIfNotExists(p.bucket)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), packed)
	})
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", p.name, key, closedAware(err))
	}
	p.filter.add(key)
	return nil
}

func (p *boltPartition) Match(ctx context.Context, key string) (Payload, bool, error) {
	if err := ctx.Err(); err != nil {
		return Payload{}, false, err
	}
	if p.store.isClosed() {
		return Payload{}, false, ErrClosed
	}
	if !p.filter.mayContain(key) {
		return Payload{}, false, nil
	}
	var (
		payload Payload
		found   bool
	)
	err := p.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(p.bucket)
		if bucket == nil {
			return nil
		}
		packed := bucket.Get([]byte(key))
		if packed == nil {
			return nil
		}
		// unpackPayload copies the body out of the mmap'ed page before the transaction ends.
		unpacked, err := unpackPayload(packed)
		if err != nil {
			corruptPayloads.WithLabelValues("bolt").Inc()
			slog.Warn("Ignoring corrupt payload.", "partition", p.name, "key", key, "error", err)
			return nil
		}
		payload, found = unpacked, true
		return nil
	})
	if err != nil {
		return Payload{}, false, fmt.Errorf("failed to match %s/%s: %w", p.name, key, closedAware(err))
	}
	return payload, found, nil
}

func (p *boltPartition) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if p.store.isClosed() {
		return false, ErrClosed
	}
	deleted := false
	err := p.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(p.bucket)
		if bucket == nil || bucket.Get([]byte(key)) == nil {
			return nil
		}
		deleted = true
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete %s/%s: %w", p.name, key, closedAware(err))
	}
	return deleted, nil
}
