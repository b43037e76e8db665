// Package backend provides durable byte storage for staged ciphertext and
// cached plaintext objects.
package backend

import (
	"context"
	"fmt"
	"io"

	mediacache "github.com/wolfeidau/media-cache"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = fmt.Errorf("backend: %w", mediacache.ErrNotFound)

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key.
	// If the key already exists, it is overwritten.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix uses "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// WriterBackend extends Backend with direct writer access so callers can
// stream into a key incrementally. The write is committed on Close; writers
// that implement Aborter can be discarded without committing.
type WriterBackend interface {
	Backend

	Writer(ctx context.Context, key string) (io.WriteCloser, error)
}

// Aborter is implemented by writers returned from WriterBackend.Writer that
// can discard an uncommitted write.
type Aborter interface {
	Abort() error
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// PrefixBackend extends Backend with whole-prefix operations.
type PrefixBackend interface {
	Backend

	// DeletePrefix removes every key under prefix. A missing prefix is not an error.
	DeletePrefix(ctx context.Context, prefix string) error

	// Usage returns the total bytes stored under prefix.
	Usage(ctx context.Context, prefix string) (int64, error)
}

// ReadAtCloser is returned by Read on backends that support random access.
// Range reads use it to serve byte slices without a shared cursor.
type ReadAtCloser interface {
	io.ReaderAt
	io.ReadCloser
}
