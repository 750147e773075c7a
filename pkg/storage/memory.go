package storage

import (
	"context"
	"sync"
)

// Memory keeps partitions in process memory; everything is lost on Close.
type Memory struct { // Implements Storage.
	mux        sync.RWMutex
	closed     bool
	partitions map[ /*name*/ string]map[ /*key*/ string]Payload
	handles    map[ /*name*/ string]*memoryPartition
}

var _ Storage = (*Memory)(nil)

// NewMemory is the constructor for Memory.
func NewMemory() *Memory {
	return &Memory{
		partitions: make(map[string]map[string]Payload),
		handles:    make(map[string]*memoryPartition),
	}
}

func (m *Memory) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, ErrInvalidPartition
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, exists := m.partitions[name]; !exists {
		m.partitions[name] = make(map[string]Payload)
	}
	handle, exists := m.handles[name]
	if !exists {
		handle = &memoryPartition{store: m, name: name}
		m.handles[name] = handle
	}
	return handle, nil
}

func (m *Memory) Drop(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, existed := m.partitions[name]
	delete(m.partitions, name)
	return existed, nil
}

func (m *Memory) Close() error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.closed = true
	m.partitions = nil
	return nil
}

// memoryPartition looks its data up on every call so that it keeps working across Drop.
type memoryPartition struct { // Implements Partition.
	store *Memory
	name  string
}

func (p *memoryPartition) Name() string { return p.name }

func (p *memoryPartition) Put(ctx context.Context, key string, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.store.mux.Lock()
	defer p.store.mux.Unlock()
	if p.store.closed {
		return ErrClosed
	}
	entries, exists := p.store.partitions[p.name]
	if !exists { // Dropped since it was opened.
		entries = make(map[string]Payload)
		p.store.partitions[p.name] = entries
	}
	entries[key] = Payload{ContentType: payload.ContentType, Body: copyBytes(payload.Body)}
	return nil
}

func (p *memoryPartition) Match(ctx context.Context, key string) (Payload, bool, error) {
	if err := ctx.Err(); err != nil {
		return Payload{}, false, err
	}
	p.store.mux.RLock()
	defer p.store.mux.RUnlock()
	if p.store.closed {
		return Payload{}, false, ErrClosed
	}
	payload, found := p.store.partitions[p.name][key]
	if !found {
		return Payload{}, false, nil
	}
	return Payload{ContentType: payload.ContentType, Body: copyBytes(payload.Body)}, true, nil
}

func (p *memoryPartition) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.store.mux.Lock()
	defer p.store.mux.Unlock()
	if p.store.closed {
		return false, ErrClosed
	}
	entries := p.store.partitions[p.name]
	if _, exists := entries[key]; !exists {
		return false, nil
	}
	delete(entries, key)
	return true, nil
}
