// Package content is the persistent store of decrypted, range-servable
// media objects and the HTTP gateway that serves them.
package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/telemetry"
)

// Prefix is the backend key prefix for cached objects.
const Prefix = "objects"

var (
	// ErrNotFound is returned when no live entry exists for an id.
	ErrNotFound = fmt.Errorf("content: %w", mediacache.ErrNotFound)

	// ErrQuotaExceeded is returned when a write would exceed the quota.
	ErrQuotaExceeded = fmt.Errorf("content: %w", mediacache.ErrQuotaExceeded)

	// ErrCorrupted is returned when a stored object fails its integrity check.
	ErrCorrupted = fmt.Errorf("content: %w", mediacache.ErrCorrupted)
)

// Entry is the index record for a cached object.
type Entry = metadb.ObjectEntry

// Backend stores the framed object files.
type Backend interface {
	backend.WriterBackend
	backend.PrefixBackend
}

// Index is the metadata index for cached objects. *metadb.BoltDB
// implements it.
type Index interface {
	GetObject(ctx context.Context, id string) (*metadb.ObjectEntry, error)
	PutObject(ctx context.Context, entry *metadb.ObjectEntry) error
	TouchObject(ctx context.Context, id string) error
	DeleteObject(ctx context.Context, id string) error
	ListObjects(ctx context.Context) ([]*metadb.ObjectEntry, error)
	ObjectsByAccess(ctx context.Context, limit int) ([]*metadb.ObjectEntry, error)
	Totals(ctx context.Context) (metadb.Totals, error)
	ClearObjects(ctx context.Context) error
}

// Config holds content cache configuration.
type Config struct {
	// DefaultTTL applies to entries stored without a TTL.
	DefaultTTL time.Duration
	// MinTTL and MaxTTL bound per-entry TTLs.
	MinTTL time.Duration
	MaxTTL time.Duration
	// Quota is the maximum bytes of plaintext held. Zero disables the check.
	Quota int64
	// Logger for cache events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTTL: 7 * 24 * time.Hour,
		MinTTL:     time.Hour,
		MaxTTL:     30 * 24 * time.Hour,
		Quota:      10 * 1024 * 1024 * 1024, // 10 GiB
		Logger:     slog.Default(),
	}
}

// Estimate is the storage usage reported to the eviction engine and the
// prefetch queue.
type Estimate struct {
	Usage int64
	Quota int64
}

// Ratio returns usage as a fraction of quota, or 0 without a quota.
func (e Estimate) Ratio() float64 {
	if e.Quota <= 0 {
		return 0
	}
	return float64(e.Usage) / float64(e.Quota)
}

// Stats describes the cache for diagnostics.
type Stats struct {
	Entries    int       `json:"entries"`
	Bytes      int64     `json:"bytes"`
	Quota      int64     `json:"quota"`
	OldestUsed time.Time `json:"oldest_used,omitzero"`
	NewestUsed time.Time `json:"newest_used,omitzero"`
}

// Meta describes an object being stored.
type Meta struct {
	ObjectID string
	MimeType string
	// TTL is clamped to the configured bounds; zero means the default.
	TTL time.Duration
}

// Cache is the persistent plaintext store. Object bytes live in framed
// files on the backend; the index tracks metadata and access order.
type Cache struct {
	config  Config
	backend Backend
	index   Index
	logger  *slog.Logger
	now     func() time.Time

	// writeMu serializes writes so the quota check and the write agree.
	writeMu sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithNow sets the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a content cache.
func New(b Backend, index Index, cfg Config, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.MinTTL <= 0 {
		cfg.MinTTL = def.MinTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = def.MaxTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cache{
		config:  cfg,
		backend: b,
		index:   index,
		logger:  cfg.Logger.With("component", "content"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultTTL returns the TTL applied to entries stored without one.
func (c *Cache) DefaultTTL() time.Duration {
	return c.config.DefaultTTL
}

// ExpiresAt returns when e expires given the cache's default TTL.
func ExpiresAt(e *Entry, defaultTTL time.Duration) time.Time {
	ttl := e.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return e.CachedAt.Add(ttl)
}

func (c *Cache) expired(e *Entry) bool {
	return !c.now().Before(ExpiresAt(e, c.config.DefaultTTL))
}

func (c *Cache) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	return min(max(ttl, c.config.MinTTL), c.config.MaxTTL)
}

// Put stores data as the plaintext for meta.ObjectID, replacing any
// previous entry.
func (c *Cache) Put(ctx context.Context, meta Meta, data []byte) (*Entry, error) {
	now := c.now()
	entry := &Entry{
		ObjectID:   meta.ObjectID,
		MimeType:   meta.MimeType,
		Size:       int64(len(data)),
		CachedAt:   now,
		TTL:        c.clampTTL(meta.TTL),
		LastAccess: now,
	}
	if err := c.store(ctx, entry, data); err != nil {
		return nil, err
	}
	return entry, nil
}

// Restore stores data with the field values of entry unchanged, for
// import. The TTL is still clamped.
func (c *Cache) Restore(ctx context.Context, entry *Entry, data []byte) error {
	if int64(len(data)) != entry.Size {
		return fmt.Errorf("%w: %s has %d bytes, entry says %d", ErrCorrupted, entry.ObjectID, len(data), entry.Size)
	}
	restored := *entry
	restored.TTL = c.clampTTL(entry.TTL)
	return c.store(ctx, &restored, data)
}

func (c *Cache) store(ctx context.Context, entry *Entry, data []byte) error {
	if err := mediacache.ValidateObjectID(entry.ObjectID); err != nil {
		return err
	}
	if entry.MimeType == "" {
		entry.MimeType = "application/octet-stream"
	}

	hash := mediacache.HashBytes(data)
	if entry.ContentHash != "" && entry.ContentHash != hash.String() {
		return fmt.Errorf("%w: %s digest mismatch", ErrCorrupted, entry.ObjectID)
	}
	entry.ContentHash = hash.String()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.checkQuota(ctx, entry.ObjectID, entry.Size); err != nil {
		return err
	}

	header := &backend.ObjectHeader{
		ObjectID:    entry.ObjectID,
		MimeType:    entry.MimeType,
		ByteLength:  entry.Size,
		CachedAt:    entry.CachedAt,
		TTL:         entry.TTL,
		ContentHash: entry.ContentHash,
	}

	key := mediacache.StorageKey(Prefix, entry.ObjectID)
	w, err := c.backend.Writer(ctx, key)
	if err != nil {
		return fmt.Errorf("opening object %s: %w", entry.ObjectID, err)
	}
	if err := backend.WriteFramed(w, header, bytes.NewReader(data)); err != nil {
		if a, ok := w.(backend.Aborter); ok {
			_ = a.Abort()
		}
		return fmt.Errorf("writing object %s: %w", entry.ObjectID, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("committing object %s: %w", entry.ObjectID, err)
	}

	if err := c.index.PutObject(ctx, entry); err != nil {
		_ = c.backend.Delete(ctx, key)
		return fmt.Errorf("indexing object %s: %w", entry.ObjectID, err)
	}

	telemetry.RecordObjectWrite(ctx, entry.Size)
	c.reportUsage(ctx)
	c.logger.Debug("cached object",
		"object_id", entry.ObjectID,
		"size", entry.Size,
		"ttl", entry.TTL,
	)
	return nil
}

func (c *Cache) checkQuota(ctx context.Context, id string, size int64) error {
	if c.config.Quota <= 0 {
		return nil
	}
	totals, err := c.index.Totals(ctx)
	if err != nil {
		return fmt.Errorf("reading usage: %w", err)
	}
	usage := totals.Bytes
	if old, err := c.index.GetObject(ctx, id); err == nil {
		usage -= old.Size
	}
	if usage+size > c.config.Quota {
		return fmt.Errorf("%w: %d bytes used, %d requested, quota %d", ErrQuotaExceeded, usage, size, c.config.Quota)
	}
	return nil
}

// Get returns the live entry for id. Expired entries read as not found
// until the eviction engine removes them.
func (c *Cache) Get(ctx context.Context, id string) (*Entry, error) {
	entry, err := c.index.GetObject(ctx, id)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	if c.expired(entry) {
		return nil, fmt.Errorf("%w: %s expired", ErrNotFound, id)
	}
	return entry, nil
}

// Has reports whether a live entry exists for id.
func (c *Cache) Has(ctx context.Context, id string) bool {
	_, err := c.Get(ctx, id)
	return err == nil
}

// Open returns a random-access handle on the plaintext of id. Each call
// returns an independent handle; the caller must Close it.
func (c *Cache) Open(ctx context.Context, id string) (*Object, error) {
	entry, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	rc, err := c.backend.Read(ctx, mediacache.StorageKey(Prefix, id))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s missing from storage", ErrCorrupted, id)
		}
		return nil, fmt.Errorf("opening object %s: %w", id, err)
	}

	ra, ok := rc.(backend.ReadAtCloser)
	if !ok {
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading object %s: %w", id, err)
		}
		ra = nopReadAtCloser{bytes.NewReader(data)}
	}

	header, offset, err := backend.ReadFramedAt(ra)
	if err != nil {
		_ = ra.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupted, id, err)
	}
	if header.ObjectID != id || header.ByteLength != entry.Size || !bodyLengthMatches(ra, offset, entry.Size) {
		_ = ra.Close()
		return nil, fmt.Errorf("%w: %s length mismatch", ErrCorrupted, id)
	}

	return &Object{
		Entry:  entry,
		body:   io.NewSectionReader(ra, offset, entry.Size),
		closer: ra,
	}, nil
}

// bodyLengthMatches probes the last body byte and the byte after it.
func bodyLengthMatches(r io.ReaderAt, offset, size int64) bool {
	probe := make([]byte, 1)
	if size > 0 {
		if n, _ := r.ReadAt(probe, offset+size-1); n != 1 {
			return false
		}
	}
	n, _ := r.ReadAt(probe, offset+size)
	return n == 0
}

// Touch records a read of id for LRU ordering.
func (c *Cache) Touch(ctx context.Context, id string) error {
	if err := c.index.TouchObject(ctx, id); err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	return nil
}

// Delete removes id. Missing entries are not an error.
func (c *Cache) Delete(ctx context.Context, id string) error {
	if err := c.backend.Delete(ctx, mediacache.StorageKey(Prefix, id)); err != nil {
		return fmt.Errorf("deleting object %s: %w", id, err)
	}
	if err := c.index.DeleteObject(ctx, id); err != nil {
		return fmt.Errorf("unindexing object %s: %w", id, err)
	}
	c.reportUsage(ctx)
	return nil
}

// Clear removes every cached object.
func (c *Cache) Clear(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.backend.DeletePrefix(ctx, Prefix); err != nil {
		return fmt.Errorf("clearing objects: %w", err)
	}
	if err := c.index.ClearObjects(ctx); err != nil {
		return fmt.Errorf("clearing index: %w", err)
	}
	c.reportUsage(ctx)
	c.logger.Info("cleared content cache")
	return nil
}

// Reconciliation is the outcome of Reconcile.
type Reconciliation struct {
	// OrphanFiles are object files with no index entry.
	OrphanFiles int `json:"orphan_files"`
	// DanglingEntries are index entries whose file is gone.
	DanglingEntries int   `json:"dangling_entries"`
	BytesFreed      int64 `json:"bytes_freed"`
}

// Reconcile brings the object files and the index back into agreement
// after a crash between the two writes. Files without an entry are
// deleted, as are entries without a file.
func (c *Cache) Reconcile(ctx context.Context) (Reconciliation, error) {
	var rec Reconciliation

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	keys, err := c.backend.List(ctx, Prefix)
	if err != nil {
		return rec, fmt.Errorf("listing objects: %w", err)
	}
	onDisk := make(map[string]bool, len(keys))
	var errs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return rec, err
		}
		id, err := mediacache.ParseStorageKey(Prefix, key)
		if err != nil {
			continue
		}
		onDisk[id] = true

		_, err = c.index.GetObject(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, mediacache.ErrNotFound) {
			errs = append(errs, fmt.Errorf("checking %s: %w", id, err))
			continue
		}

		var size int64
		if sb, ok := c.backend.(backend.SizeAwareBackend); ok {
			size, _ = sb.Size(ctx, key)
		}
		if err := c.backend.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("deleting orphan %s: %w", key, err))
			continue
		}
		rec.OrphanFiles++
		rec.BytesFreed += size
		c.logger.Debug("deleted orphan object file", "key", key, "size", size)
	}

	entries, err := c.index.ListObjects(ctx)
	if err != nil {
		return rec, fmt.Errorf("listing index: %w", err)
	}
	for _, e := range entries {
		if onDisk[e.ObjectID] {
			continue
		}
		if err := c.index.DeleteObject(ctx, e.ObjectID); err != nil {
			errs = append(errs, fmt.Errorf("unindexing %s: %w", e.ObjectID, err))
			continue
		}
		rec.DanglingEntries++
		c.logger.Debug("dropped index entry without file", "object_id", e.ObjectID)
	}

	if rec.OrphanFiles > 0 || rec.DanglingEntries > 0 {
		c.reportUsage(ctx)
	}
	return rec, errors.Join(errs...)
}

// List returns every indexed entry, expired ones included, ordered by id.
func (c *Cache) List(ctx context.Context) ([]*Entry, error) {
	return c.index.ListObjects(ctx)
}

// ByAccess returns every indexed entry, least recently used first.
func (c *Cache) ByAccess(ctx context.Context) ([]*Entry, error) {
	return c.index.ObjectsByAccess(ctx, 0)
}

// Estimate returns the current usage and quota.
func (c *Cache) Estimate(ctx context.Context) (Estimate, error) {
	totals, err := c.index.Totals(ctx)
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{Usage: totals.Bytes, Quota: c.config.Quota}, nil
}

// Stats returns diagnostic totals.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	totals, err := c.index.Totals(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Entries:    totals.Count,
		Bytes:      totals.Bytes,
		Quota:      c.config.Quota,
		OldestUsed: totals.Oldest,
		NewestUsed: totals.Newest,
	}, nil
}

// Verify re-hashes the stored plaintext of id against its recorded digest.
func (c *Cache) Verify(ctx context.Context, id string) error {
	obj, err := c.Open(ctx, id)
	if err != nil {
		return err
	}
	defer func() { _ = obj.Close() }()

	hash, n, err := mediacache.HashReader(obj.Reader())
	if err != nil {
		return fmt.Errorf("hashing object %s: %w", id, err)
	}
	if n != obj.Entry.Size || hash.String() != obj.Entry.ContentHash {
		return fmt.Errorf("%w: %s digest mismatch", ErrCorrupted, id)
	}
	return nil
}

// ReadAll returns the full plaintext of id.
func (c *Cache) ReadAll(ctx context.Context, id string) (*Entry, []byte, error) {
	obj, err := c.Open(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = obj.Close() }()

	data := make([]byte, obj.Entry.Size)
	if _, err := io.ReadFull(obj.Reader(), data); err != nil {
		return nil, nil, fmt.Errorf("reading object %s: %w", id, err)
	}
	return obj.Entry, data, nil
}

func (c *Cache) reportUsage(ctx context.Context) {
	if est, err := c.Estimate(ctx); err == nil {
		telemetry.UpdateStorageUsage(ctx, est.Usage, est.Quota)
	}
}

// Object is an open cached object.
type Object struct {
	Entry  *Entry
	body   *io.SectionReader
	closer io.Closer
}

// Size returns the plaintext length.
func (o *Object) Size() int64 {
	return o.body.Size()
}

// Reader returns a reader over the whole plaintext with its own cursor.
func (o *Object) Reader() *io.SectionReader {
	return io.NewSectionReader(o.body, 0, o.body.Size())
}

// Section returns a reader over length bytes starting at off, with its
// own cursor.
func (o *Object) Section(off, length int64) *io.SectionReader {
	return io.NewSectionReader(o.body, off, length)
}

// Close releases the underlying file.
func (o *Object) Close() error {
	return o.closer.Close()
}

type nopReadAtCloser struct {
	*bytes.Reader
}

func (nopReadAtCloser) Close() error { return nil }
