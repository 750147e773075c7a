package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a Redis storage created with DialRedis.
type RedisOptions struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string // Prepended to partition names to form the hash key, e.g. "larder:".
}

// Redis stores each partition as one Redis hash keyed by `KeyPrefix + name`.
// Several processes may share a Redis storage; the metadata document kept by the cache is then subject to lost
// updates between processes.
type Redis struct { // Implements Storage.
	client     *redis.Client
	ownsClient bool
	keyPrefix  string
	mux        sync.Mutex
	closed     bool
	handles    map[ /*name*/ string]*redisPartition
}

var _ Storage = (*Redis)(nil)

// NewRedis wraps an existing client; Close leaves the client open.
func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	return &Redis{client: client, keyPrefix: keyPrefix, handles: make(map[string]*redisPartition)}
}

// DialRedis connects to Redis and checks the connection with a PING.
func DialRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Address, err)
	}
	slog.Info("Connected to redis storage.", "address", opts.Address, "db", opts.DB)

	store := NewRedis(client, opts.KeyPrefix)
	store.ownsClient = true
	return store, nil
}

func (r *Redis) hashKey(name string) string {
	return r.keyPrefix + name
}

func (r *Redis) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, ErrInvalidPartition
	}
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	// Redis creates hashes on first write, so opening is bookkeeping only.
	handle, exists := r.handles[name]
	if !exists {
		handle = &redisPartition{store: r, name: name, hashKey: r.hashKey(name)}
		r.handles[name] = handle
	}
	return handle, nil
}

func (r *Redis) Drop(ctx context.Context, name string) (bool, error) {
	if r.isClosed() {
		return false, ErrClosed
	}
	removed, err := r.client.Del(ctx, r.hashKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to drop partition %s: %w", name, err)
	}
	return removed > 0, nil
}

func (r *Redis) Close() error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}

func (r *Redis) isClosed() bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.closed
}

type redisPartition struct { // Implements Partition.
	store   *Redis
	name    string
	hashKey string
}

func (p *redisPartition) Name() string { return p.name }

func (p *redisPartition) Put(ctx context.Context, key string, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.store.isClosed() {
		return ErrClosed
	}
	if err := p.store.client.HSet(ctx, p.hashKey, key, packPayload(payload)).Err(); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", p.name, key, err)
	}
	return nil
}

func (p *redisPartition) Match(ctx context.Context, key string) (Payload, bool, error) {
	if err := ctx.Err(); err != nil {
		return Payload{}, false, err
	}
	if p.store.isClosed() {
		return Payload{}, false, ErrClosed
	}
	packed, err := p.store.client.HGet(ctx, p.hashKey, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Payload{}, false, nil
	}
	if err != nil {
		return Payload{}, false, fmt.Errorf("failed to match %s/%s: %w", p.name, key, err)
	}
	payload, err := unpackPayload(packed)
	if err != nil { // Foreign writers may share the hash; their values are not ours to read.
		corruptPayloads.WithLabelValues("redis").Inc()
		slog.Warn("Ignoring corrupt payload.", "partition", p.name, "key", key, "error", err)
		return Payload{}, false, nil
	}
	return payload, true, nil
}

func (p *redisPartition) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if p.store.isClosed() {
		return false, ErrClosed
	}
	removed, err := p.store.client.HDel(ctx, p.hashKey, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete %s/%s: %w", p.name, key, err)
	}
	return removed > 0, nil
}
