package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketObjectsByID      = []byte("objects_by_id")       // id -> ObjectEntry JSON
	bucketObjectsByAccess  = []byte("objects_by_access")   // timestamp+id -> id (LRU index)
	bucketObjectAccessByID = []byte("object_access_by_id") // id -> 8-byte timestamp (reverse index for O(1) delete)
	bucketSessionMirrors   = []byte("session_mirrors")     // address -> SessionMirror JSON
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice
// that sorts in time order, including pre-1970 values.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp reverses encodeTimestamp.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeAccessKey creates a key for the objects_by_access index.
// Format: [8-byte timestamp][object id]
func makeAccessKey(accessTime time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	copy(key[:8], encodeTimestamp(accessTime))
	copy(key[8:], id)
	return key
}
