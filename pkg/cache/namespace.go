package cache

import (
	"context"
	"strings"
	"time"
)

// Namespace scopes an Accessor to the keys prefixed with "<name>/". Keys are passed in and reported without the
// prefix. Namespaces nest: a namespace "b" over a namespace "a" stores its keys as "a/b/<key>".
type Namespace struct { // Implements Accessor.
	base   Accessor
	prefix string
}

var _ Accessor = (*Namespace)(nil)

// NewNamespace is the constructor for Namespace.
func NewNamespace(base Accessor, name string) *Namespace {
	return &Namespace{base: base, prefix: name + "/"}
}

func (n *Namespace) key(key string) string { return n.prefix + key }

func (n *Namespace) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	return n.base.Put(ctx, n.key(key), value, ttl)
}

func (n *Namespace) Get(ctx context.Context, key string, dst any) (bool, error) {
	return n.base.Get(ctx, n.key(key), dst)
}

func (n *Namespace) PutText(ctx context.Context, key, text string, ttl time.Duration) error {
	return n.base.PutText(ctx, n.key(key), text, ttl)
}

func (n *Namespace) PutHTML(ctx context.Context, key, html string, ttl time.Duration) error {
	return n.base.PutHTML(ctx, n.key(key), html, ttl)
}

func (n *Namespace) GetText(ctx context.Context, key string) (string, bool, error) {
	return n.base.GetText(ctx, n.key(key))
}

func (n *Namespace) PutBlob(ctx context.Context, key string, blob Blob, ttl time.Duration) error {
	return n.base.PutBlob(ctx, n.key(key), blob, ttl)
}

func (n *Namespace) GetBlob(ctx context.Context, key string) (Blob, bool, error) {
	return n.base.GetBlob(ctx, n.key(key))
}

func (n *Namespace) PutBytes(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return n.base.PutBytes(ctx, n.key(key), data, ttl)
}

func (n *Namespace) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	return n.base.GetBytes(ctx, n.key(key))
}

func (n *Namespace) PutFile(ctx context.Context, key string, file File, ttl time.Duration) error {
	return n.base.PutFile(ctx, n.key(key), file, ttl)
}

// GetFile names the file after the unprefixed key.
func (n *Namespace) GetFile(ctx context.Context, key string) (File, bool, error) {
	file, found, err := n.base.GetFile(ctx, n.key(key))
	if found {
		file.Name = key
	}
	return file, found, err
}

func (n *Namespace) Delete(ctx context.Context, key string) error {
	return n.base.Delete(ctx, n.key(key))
}

func (n *Namespace) Has(ctx context.Context, key string) (bool, error) {
	return n.base.Has(ctx, n.key(key))
}

func (n *Namespace) Meta(ctx context.Context, key string) (Meta, bool, error) {
	meta, found, err := n.base.Meta(ctx, n.key(key))
	if found {
		meta.Key = key
	}
	return meta, found, err
}

// Keys lists the live keys of the namespace; unlike Cache.Keys, expired keys are left out.
func (n *Namespace) Keys(ctx context.Context) ([]string, error) {
	return n.Select(ctx, All)
}

func (n *Namespace) Select(ctx context.Context, keep Predicate) ([]string, error) {
	keys, err := n.base.Select(ctx, func(key string, meta Meta) (bool, error) {
		stripped, ok := strings.CutPrefix(key, n.prefix)
		if !ok {
			return false, nil
		}
		meta.Key = stripped
		return keep(stripped, meta)
	})
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i] = strings.TrimPrefix(keys[i], n.prefix)
	}
	return keys, nil
}

// Clear deletes every key of the namespace, expired ones included. Keys outside the namespace are kept.
func (n *Namespace) Clear(ctx context.Context) error {
	keys, err := n.base.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, n.prefix) {
			continue
		}
		if err := n.base.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Size counts the live keys of the namespace.
func (n *Namespace) Size(ctx context.Context) (int, error) {
	keys, err := n.Keys(ctx)
	return len(keys), err
}
