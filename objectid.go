package mediacache

import (
	"fmt"
	"strings"
)

// MaxObjectIDLength bounds object identifiers so they remain usable as
// filesystem path components.
const MaxObjectIDLength = 256

// ValidateObjectID checks that id is usable as a cache key. Object ids come
// from the remote content-addressed store (CIDs, hex digests, entity keys)
// and are restricted to a path-safe alphabet.
func ValidateObjectID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty object id", ErrInvalidObjectID)
	}
	if len(id) > MaxObjectIDLength {
		return fmt.Errorf("%w: object id exceeds %d characters", ErrInvalidObjectID, MaxObjectIDLength)
	}
	if id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: object id %q", ErrInvalidObjectID, id)
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return fmt.Errorf("%w: object id %q contains %q", ErrInvalidObjectID, id, c)
		}
	}
	return nil
}

// StorageKey returns the backend storage key for an object id under prefix.
// Format: {prefix}/{blake3(id)[:2]}/{id}
func StorageKey(prefix, id string) string {
	return prefix + "/" + HashBytes([]byte(id)).Dir() + "/" + id
}

// ParseStorageKey extracts the object id from a key produced by StorageKey.
func ParseStorageKey(prefix, key string) (string, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != prefix {
		return "", fmt.Errorf("invalid storage key format: %s", key)
	}
	id := parts[2]
	if HashBytes([]byte(id)).Dir() != parts[1] {
		return "", fmt.Errorf("invalid storage key shard: %s", key)
	}
	return id, nil
}
