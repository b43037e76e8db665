// Package staging holds ciphertext on durable local storage while it is
// fetched, so a payload never has to sit in memory in full before
// decryption starts.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/telemetry"
)

const (
	// Prefix is the backend key prefix for staged objects.
	Prefix = "staging"

	defaultChunkSize = 256 * 1024
)

var (
	// ErrUnavailable is returned when no staging backend is configured.
	ErrUnavailable = fmt.Errorf("staging: %w", mediacache.ErrUnavailable)

	// ErrNotFound is returned when nothing is staged under an id.
	ErrNotFound = fmt.Errorf("staging: %w", mediacache.ErrNotFound)

	// ErrWriteFailed is returned when the staging target cannot be created or written.
	ErrWriteFailed = errors.New("staging: write failed")

	// ErrCorrupted is returned when staged bytes no longer match the digest
	// recorded while they were written.
	ErrCorrupted = fmt.Errorf("staging: %w", mediacache.ErrCorrupted)
)

// Backend is the storage a Store needs: streaming writes, sizes and
// whole-prefix clear and usage.
type Backend interface {
	backend.WriterBackend
	backend.SizeAwareBackend
	backend.PrefixBackend
}

// ProgressFunc receives the cumulative number of bytes staged so far.
type ProgressFunc func(written int64)

// Store is the staging area. A Store with a nil backend is valid and
// behaves as an unavailable host: writes and reads fail with
// ErrUnavailable, everything else degrades to a no-op.
type Store struct {
	backend   Backend
	logger    *slog.Logger
	chunkSize int

	mu      sync.Mutex
	digests map[string]digest
}

// digest records what Write committed for an entry. Entries staged by an
// earlier process have none and are read unchecked.
type digest struct {
	sum  mediacache.Hash
	size int64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithChunkSize sets how many bytes are copied between cancellation checks.
func WithChunkSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// New creates a staging store over b, which may be nil.
func New(b Backend, opts ...Option) *Store {
	s := &Store{
		backend:   b,
		logger:    slog.Default(),
		chunkSize: defaultChunkSize,
		digests:   make(map[string]digest),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "staging")
	return s
}

// Available reports whether a staging backend is present.
func (s *Store) Available() bool {
	return s != nil && s.backend != nil
}

// Write streams r into the staging entry for id, replacing any previous
// entry. The context is checked between chunks; on cancellation or error
// the partial entry is discarded. The digest of the committed bytes is
// checked again by Read.
func (s *Store) Write(ctx context.Context, id string, r io.Reader, onProgress ProgressFunc) (int64, error) {
	if !s.Available() {
		return 0, ErrUnavailable
	}
	if err := mediacache.ValidateObjectID(id); err != nil {
		return 0, err
	}

	s.forget(id)
	w, err := s.backend.Writer(ctx, mediacache.StorageKey(Prefix, id))
	if err != nil {
		return 0, fmt.Errorf("%w: opening %s: %w", ErrWriteFailed, id, err)
	}

	hr := mediacache.NewHashingReader(r)
	written, err := s.copyChunks(ctx, w, hr, onProgress)
	if err != nil {
		abort(w)
		telemetry.RecordStagingWrite(ctx, written, outcome(err))
		return written, err
	}
	if err := w.Close(); err != nil {
		telemetry.RecordStagingWrite(ctx, written, "error")
		return written, fmt.Errorf("%w: committing %s: %w", ErrWriteFailed, id, err)
	}

	sum := hr.Sum()
	s.mu.Lock()
	s.digests[id] = digest{sum: sum, size: hr.BytesRead()}
	s.mu.Unlock()

	telemetry.RecordStagingWrite(ctx, written, "success")
	s.logger.Debug("staged object", "object_id", id, "bytes", written, "digest", sum.ShortString())
	return written, nil
}

func (s *Store) copyChunks(ctx context.Context, w io.Writer, r io.Reader, onProgress ProgressFunc) (int64, error) {
	buf := make([]byte, s.chunkSize)
	defer clear(buf)

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("%w: %w", ErrWriteFailed, err)
			}
			written += int64(n)
			if onProgress != nil {
				onProgress(written)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("reading source stream: %w", rerr)
		}
	}
}

// Read returns the staged bytes for id. Bytes that differ in length or
// digest from what Write committed fail with ErrCorrupted.
func (s *Store) Read(ctx context.Context, id string) ([]byte, error) {
	if !s.Available() {
		return nil, ErrUnavailable
	}
	rc, err := s.backend.Read(ctx, mediacache.StorageKey(Prefix, id))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("reading staged %s: %w", id, err)
	}
	defer func() { _ = rc.Close() }()

	hr := mediacache.NewHashingReader(rc)
	data, err := io.ReadAll(hr)
	if err != nil {
		return nil, fmt.Errorf("reading staged %s: %w", id, err)
	}

	s.mu.Lock()
	want, ok := s.digests[id]
	s.mu.Unlock()
	if ok && (hr.BytesRead() != want.size || hr.Sum() != want.sum) {
		clear(data)
		return nil, fmt.Errorf("%w: %s read %d bytes, staged %d", ErrCorrupted, id, hr.BytesRead(), want.size)
	}
	return data, nil
}

// Delete removes the staged entry for id. Missing entries and a missing
// backend are not errors.
func (s *Store) Delete(ctx context.Context, id string) error {
	if !s.Available() {
		return nil
	}
	s.forget(id)
	if err := s.backend.Delete(ctx, mediacache.StorageKey(Prefix, id)); err != nil {
		return fmt.Errorf("deleting staged %s: %w", id, err)
	}
	return nil
}

// ClearAll removes the entire staging area.
func (s *Store) ClearAll(ctx context.Context) error {
	if !s.Available() {
		return nil
	}
	s.mu.Lock()
	clear(s.digests)
	s.mu.Unlock()
	if err := s.backend.DeletePrefix(ctx, Prefix); err != nil {
		return fmt.Errorf("clearing staging: %w", err)
	}
	return nil
}

// Exists reports whether id is staged. Backend errors read as false.
func (s *Store) Exists(ctx context.Context, id string) bool {
	if !s.Available() {
		return false
	}
	ok, err := s.backend.Exists(ctx, mediacache.StorageKey(Prefix, id))
	if err != nil {
		s.logger.Debug("exists check failed", "object_id", id, "error", err)
		return false
	}
	return ok
}

// Size returns the staged byte length of id, or 0 if unknown.
func (s *Store) Size(ctx context.Context, id string) int64 {
	if !s.Available() {
		return 0
	}
	n, err := s.backend.Size(ctx, mediacache.StorageKey(Prefix, id))
	if err != nil {
		return 0
	}
	return n
}

// List returns the staged object ids in sorted order.
func (s *Store) List(ctx context.Context) []string {
	if !s.Available() {
		return nil
	}
	keys, err := s.backend.List(ctx, Prefix)
	if err != nil {
		s.logger.Debug("listing staging failed", "error", err)
		return nil
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id, err := mediacache.ParseStorageKey(Prefix, key)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TotalSize returns the bytes held by the staging area, or 0 if unknown.
func (s *Store) TotalSize(ctx context.Context) int64 {
	if !s.Available() {
		return 0
	}
	n, err := s.backend.Usage(ctx, Prefix)
	if err != nil {
		return 0
	}
	return n
}

func (s *Store) forget(id string) {
	s.mu.Lock()
	delete(s.digests, id)
	s.mu.Unlock()
}

func abort(w io.WriteCloser) {
	if a, ok := w.(backend.Aborter); ok {
		_ = a.Abort()
		return
	}
	_ = w.Close()
}

func outcome(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}
