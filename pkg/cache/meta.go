// Every partition carries one metadata document: a JSON object mapping each key to its bookkeeping record,
//   {"user/1": {"key": "user/1", "createdAt": 1718000000000, "ttl": 60}, ...}
// stored as a regular payload under metaKey. Object order is insertion order; overwriting a key keeps its
// position, deleting and re-adding it moves it to the end.
// The document is always rewritten as a whole (load, mutate one entry, save).

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nobletooth/larder/pkg/storage"
	"github.com/nobletooth/larder/pkg/utils"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// metaKey holds the metadata document. User keys starting with NUL are rejected, so it can't collide.
const metaKey = "\x00meta"

// Meta is the bookkeeping record of one cache key.
type Meta struct {
	Key       string   `json:"key"`
	CreatedAt int64    `json:"createdAt"`     // Unix milliseconds.
	TTL       *float64 `json:"ttl,omitempty"` // Seconds; nil, zero or negative never expires.
}

// newMeta builds the record of a key written at `now`; a non-positive ttl never expires.
func newMeta(key string, now time.Time, ttl time.Duration) Meta {
	meta := Meta{Key: key, CreatedAt: now.UnixMilli()}
	if ttl > 0 {
		seconds := ttl.Seconds()
		meta.TTL = &seconds
	}
	return meta
}

// expires reports whether the entry has a TTL at all; a missing, zero or negative TTL never expires.
func (m Meta) expires() bool {
	return m.TTL != nil && *m.TTL > 0
}

// Expired reports whether more than TTL seconds have passed since CreatedAt.
// Exactly TTL seconds after creation the entry is still live.
func (m Meta) Expired(now time.Time) bool {
	if !m.expires() {
		return false
	}
	return float64(now.UnixMilli()-m.CreatedAt) > *m.TTL*1000
}

// ExpiresAt returns the last instant the entry is live, or false when it never expires.
func (m Meta) ExpiresAt() (time.Time, bool) {
	if !m.expires() {
		return time.Time{}, false
	}
	return time.UnixMilli(m.CreatedAt).Add(time.Duration(*m.TTL * float64(time.Second))), true
}

// metaDocument is the in-memory form of a partition's metadata document.
type metaDocument = orderedmap.OrderedMap[string, Meta]

func newMetaDocument() *metaDocument {
	return orderedmap.New[string, Meta]()
}

// loadMeta reads the metadata document. A missing or undecodable document reads as empty.
func loadMeta(ctx context.Context, partition storage.Partition) (*metaDocument, error) {
	doc := newMetaDocument()
	payload, found, err := partition.Match(ctx, metaKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return doc, nil
	}
	if !isMediaType(payload.ContentType, jsonContentType) {
		slog.Warn("Ignoring metadata document with unexpected content type.",
			"partition", partition.Name(), "contentType", payload.ContentType)
		return doc, nil
	}
	if err := json.Unmarshal(payload.Body, doc); err != nil {
		slog.Warn("Ignoring undecodable metadata document.", "partition", partition.Name(), "error", err)
		return newMetaDocument(), nil
	}
	for pair := doc.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Key != pair.Key {
			utils.RaiseInvariant("cache", "meta_key_mismatch", "Metadata entry is filed under another key.",
				"partition", partition.Name(), "key", pair.Key, "metaKey", pair.Value.Key)
			pair.Value.Key = pair.Key
		}
	}
	return doc, nil
}

// saveMeta overwrites the metadata document.
func saveMeta(ctx context.Context, partition storage.Partition, doc *metaDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode metadata of %s: %w", partition.Name(), err)
	}
	return partition.Put(ctx, metaKey, storage.Payload{ContentType: jsonContentType, Body: body})
}

// metaKeys lists the document keys in insertion order.
func metaKeys(doc *metaDocument) []string {
	keys := make([]string, 0, doc.Len())
	for pair := doc.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}
