package content

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/store/metadb"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type testEnv struct {
	cache *Cache
	fs    *backend.Filesystem
	db    *metadb.BoltDB
	clock *fakeClock
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	fs, err := backend.NewFilesystem(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	db := metadb.NewBoltDB(metadb.WithNoSync(true), metadb.WithNow(clock.now))
	require.NoError(t, db.Open(filepath.Join(dir, "meta.db")))
	t.Cleanup(func() { _ = db.Close() })

	return &testEnv{
		cache: New(fs, db, cfg, WithNow(clock.now)),
		fs:    fs,
		db:    db,
		clock: clock,
	}
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestPutGetHas(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	data := payload(1000)

	entry, err := env.cache.Put(ctx, Meta{ObjectID: "video-1", MimeType: "video/mp4"}, data)
	require.NoError(t, err)
	require.Equal(t, int64(1000), entry.Size)
	require.Equal(t, 7*24*time.Hour, entry.TTL)
	require.Equal(t, mediacache.HashBytes(data).String(), entry.ContentHash)

	require.True(t, env.cache.Has(ctx, "video-1"))
	require.False(t, env.cache.Has(ctx, "video-2"))

	got, err := env.cache.Get(ctx, "video-1")
	require.NoError(t, err)
	require.Equal(t, "video/mp4", got.MimeType)
	require.True(t, got.CachedAt.Equal(env.clock.now()))

	_, read, err := env.cache.ReadAll(ctx, "video-1")
	require.NoError(t, err)
	require.Equal(t, data, read)
}

func TestPutClampsTTL(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	short, err := env.cache.Put(ctx, Meta{ObjectID: "short", TTL: time.Minute}, payload(10))
	require.NoError(t, err)
	require.Equal(t, time.Hour, short.TTL)

	long, err := env.cache.Put(ctx, Meta{ObjectID: "long", TTL: 365 * 24 * time.Hour}, payload(10))
	require.NoError(t, err)
	require.Equal(t, 30*24*time.Hour, long.TTL)

	require.Equal(t, "application/octet-stream", short.MimeType)
}

func TestPutRejectsInvalidID(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.cache.Put(context.Background(), Meta{ObjectID: "../escape"}, payload(10))
	require.ErrorIs(t, err, mediacache.ErrInvalidObjectID)
}

func TestPutQuota(t *testing.T) {
	env := newTestEnv(t, Config{Quota: 1500})
	ctx := context.Background()

	_, err := env.cache.Put(ctx, Meta{ObjectID: "a"}, payload(1000))
	require.NoError(t, err)

	_, err = env.cache.Put(ctx, Meta{ObjectID: "b"}, payload(1000))
	require.ErrorIs(t, err, ErrQuotaExceeded)
	require.ErrorIs(t, err, mediacache.ErrQuotaExceeded)
	require.False(t, env.cache.Has(ctx, "b"))

	// Replacing an entry only counts the difference.
	_, err = env.cache.Put(ctx, Meta{ObjectID: "a"}, payload(1400))
	require.NoError(t, err)

	est, err := env.cache.Estimate(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1400), est.Usage)
	require.Equal(t, int64(1500), est.Quota)
	require.InDelta(t, 1400.0/1500.0, est.Ratio(), 0.0001)
}

func TestExpiredEntriesAreHidden(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.cache.Put(ctx, Meta{ObjectID: "video-1", TTL: time.Hour}, payload(10))
	require.NoError(t, err)

	env.clock.advance(59 * time.Minute)
	require.True(t, env.cache.Has(ctx, "video-1"))

	env.clock.advance(time.Minute)
	require.False(t, env.cache.Has(ctx, "video-1"))
	_, err = env.cache.Open(ctx, "video-1")
	require.ErrorIs(t, err, ErrNotFound)

	// Still indexed until eviction removes it.
	entries, err := env.cache.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestOpenIndependentReaders(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	data := payload(1000)

	_, err := env.cache.Put(ctx, Meta{ObjectID: "video-1", MimeType: "video/mp4"}, data)
	require.NoError(t, err)

	obj, err := env.cache.Open(ctx, "video-1")
	require.NoError(t, err)
	defer func() { _ = obj.Close() }()
	require.Equal(t, int64(1000), obj.Size())

	a := obj.Section(0, 100)
	b := obj.Section(500, 500)

	bufA := make([]byte, 100)
	bufB := make([]byte, 500)
	_, err = b.Read(bufB[:10])
	require.NoError(t, err)
	_, err = a.Read(bufA)
	require.NoError(t, err)
	_, err = b.Read(bufB[10:])
	require.NoError(t, err)

	require.Equal(t, data[:100], bufA)
	require.Equal(t, data[500:], bufB)
}

func TestOpenDetectsTruncation(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.cache.Put(ctx, Meta{ObjectID: "video-1"}, payload(1000))
	require.NoError(t, err)

	path := filepath.Join(env.fs.Root(), mediacache.StorageKey(Prefix, "video-1"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-10))

	_, err = env.cache.Open(ctx, "video-1")
	require.ErrorIs(t, err, ErrCorrupted)
	require.ErrorIs(t, err, mediacache.ErrCorrupted)
}

func TestOpenMissingFileIsCorrupted(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.cache.Put(ctx, Meta{ObjectID: "video-1"}, payload(10))
	require.NoError(t, err)
	require.NoError(t, env.fs.Delete(ctx, mediacache.StorageKey(Prefix, "video-1")))

	_, err = env.cache.Open(ctx, "video-1")
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestVerify(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.cache.Put(ctx, Meta{ObjectID: "video-1"}, payload(1000))
	require.NoError(t, err)
	require.NoError(t, env.cache.Verify(ctx, "video-1"))

	// Flip the final body byte in place.
	path := filepath.Join(env.fs.Root(), mediacache.StorageKey(Prefix, "video-1"))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	require.ErrorIs(t, env.cache.Verify(ctx, "video-1"), ErrCorrupted)
}

func TestDeleteAndClear(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := env.cache.Put(ctx, Meta{ObjectID: id}, payload(100))
		require.NoError(t, err)
	}

	require.NoError(t, env.cache.Delete(ctx, "a"))
	require.NoError(t, env.cache.Delete(ctx, "a"))
	require.False(t, env.cache.Has(ctx, "a"))

	stats, err := env.cache.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Entries)
	require.Equal(t, int64(200), stats.Bytes)

	require.NoError(t, env.cache.Clear(ctx))
	entries, err := env.cache.List(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)

	usage, err := env.fs.Usage(ctx, Prefix)
	require.NoError(t, err)
	require.Zero(t, usage)
}

func TestTouchOrdersByAccess(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := env.cache.Put(ctx, Meta{ObjectID: id}, payload(10))
		require.NoError(t, err)
		env.clock.advance(time.Second)
	}
	require.NoError(t, env.cache.Touch(ctx, "a"))

	entries, err := env.cache.ByAccess(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "b", entries[0].ObjectID)
	require.Equal(t, "a", entries[1].ObjectID)

	require.ErrorIs(t, env.cache.Touch(ctx, "missing"), ErrNotFound)
}

func TestRestoreKeepsFields(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	data := payload(64)
	cachedAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	in := &Entry{
		ObjectID:    "video-1",
		MimeType:    "video/webm",
		Size:        64,
		CachedAt:    cachedAt,
		TTL:         48 * time.Hour,
		LastAccess:  cachedAt.Add(time.Hour),
		ContentHash: mediacache.HashBytes(data).String(),
	}
	require.NoError(t, env.cache.Restore(ctx, in, data))

	entries, err := env.cache.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].CachedAt.Equal(cachedAt))
	require.Equal(t, 48*time.Hour, entries[0].TTL)
	require.Equal(t, "video/webm", entries[0].MimeType)

	bad := *in
	bad.ObjectID = "video-2"
	require.ErrorIs(t, env.cache.Restore(ctx, &bad, bytes.Repeat([]byte{1}, 64)), ErrCorrupted)
	require.ErrorIs(t, env.cache.Restore(ctx, &bad, data[:10]), ErrCorrupted)
}

func TestReconcile(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	for _, id := range []string{"kept", "orphan", "dangling"} {
		_, err := env.cache.Put(ctx, Meta{ObjectID: id}, payload(1000))
		require.NoError(t, err)
	}
	// A crash after the file write but before indexing leaves an orphan.
	require.NoError(t, env.db.DeleteObject(ctx, "orphan"))
	// A lost file leaves a dangling entry.
	require.NoError(t, env.fs.Delete(ctx, mediacache.StorageKey(Prefix, "dangling")))

	rec, err := env.cache.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rec.OrphanFiles)
	require.Equal(t, 1, rec.DanglingEntries)
	require.Greater(t, rec.BytesFreed, int64(1000))

	entries, err := env.cache.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "kept", entries[0].ObjectID)

	keys, err := env.fs.List(ctx, Prefix)
	require.NoError(t, err)
	require.Equal(t, []string{mediacache.StorageKey(Prefix, "kept")}, keys)

	rec, err = env.cache.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, rec)
}
