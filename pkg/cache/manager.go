package cache

import (
	"context"
	"sync"

	"github.com/nobletooth/larder/pkg/storage"
)

// Manager hands out one Cache per partition of a storage.
type Manager struct {
	store  storage.Storage
	opts   []Option
	mux    sync.Mutex
	caches map[ /*partition*/ string]*Cache
}

// NewManager is the constructor for Manager; `opts` apply to every cache it opens.
func NewManager(store storage.Storage, opts ...Option) *Manager {
	return &Manager{store: store, opts: opts, caches: make(map[string]*Cache)}
}

// Open returns the cache of partition `name`, opening it on first use.
func (m *Manager) Open(ctx context.Context, name string) (*Cache, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if c, exists := m.caches[name]; exists {
		return c, nil
	}
	c, err := New(ctx, m.store, name, m.opts...)
	if err != nil {
		return nil, err
	}
	m.caches[name] = c
	return c, nil
}

// Close closes the underlying storage; caches handed out before fail with storage.ErrClosed afterwards.
func (m *Manager) Close() error {
	m.mux.Lock()
	defer m.mux.Unlock()
	clear(m.caches)
	return m.store.Close()
}
