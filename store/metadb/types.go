// Package metadb provides the bbolt-backed index for the media cache:
// cached object entries, the access-time LRU index and session mirrors.
package metadb

import "time"

// ObjectEntry is the index record for one cached plaintext object.
type ObjectEntry struct {
	ObjectID    string        `json:"object_id"`
	MimeType    string        `json:"mime_type"`
	Size        int64         `json:"size"`
	CachedAt    time.Time     `json:"cached_at"`
	TTL         time.Duration `json:"ttl"`
	LastAccess  time.Time     `json:"last_access"`
	ContentHash string        `json:"content_hash"`
}

// AccessedAt returns the time used for LRU ordering, falling back to the
// cache time for entries that were never read.
func (e *ObjectEntry) AccessedAt() time.Time {
	if e.LastAccess.IsZero() {
		return e.CachedAt
	}
	return e.LastAccess
}

// SessionMirror is the serializable trace of a cached auth session. It
// carries no secret material; the auth context itself lives only in memory.
type SessionMirror struct {
	Address    string    `json:"address"`
	CachedAt   time.Time `json:"cached_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	HasSession bool      `json:"has_session"`
}

// Totals summarises the object index.
type Totals struct {
	Count  int
	Bytes  int64
	Oldest time.Time
	Newest time.Time
}
