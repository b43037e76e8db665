package metadb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	mediacache "github.com/wolfeidau/media-cache"
)

func newTestDB(t *testing.T, opts ...BoltDBOption) *BoltDB {
	t.Helper()
	db := NewBoltDB(append([]BoltDBOption{WithNoSync(true)}, opts...)...)
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func entry(id string, size int64, cachedAt time.Time) *ObjectEntry {
	return &ObjectEntry{
		ObjectID: id,
		MimeType: "video/mp4",
		Size:     size,
		CachedAt: cachedAt,
		TTL:      time.Hour,
	}
}

func TestPutGetObject(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutObject(ctx, entry("video-1", 100, epoch)))

	got, err := db.GetObject(ctx, "video-1")
	require.NoError(t, err)
	require.Equal(t, "video-1", got.ObjectID)
	require.Equal(t, int64(100), got.Size)
	require.True(t, got.CachedAt.Equal(epoch))
	require.Equal(t, time.Hour, got.TTL)
	require.True(t, got.AccessedAt().Equal(epoch))

	_, err = db.GetObject(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, mediacache.ErrNotFound)
}

func TestObjectsByAccessOrder(t *testing.T) {
	now := epoch.Add(time.Hour)
	db := newTestDB(t, WithNow(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, db.PutObject(ctx, entry("a", 1, epoch)))
	require.NoError(t, db.PutObject(ctx, entry("b", 1, epoch.Add(time.Minute))))
	require.NoError(t, db.PutObject(ctx, entry("c", 1, epoch.Add(2*time.Minute))))

	// Reading "a" makes it the most recently used.
	require.NoError(t, db.TouchObject(ctx, "a"))

	entries, err := db.ObjectsByAccess(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "a"}, ids(entries))

	limited, err := db.ObjectsByAccess(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, ids(limited))

	got, err := db.GetObject(ctx, "a")
	require.NoError(t, err)
	require.True(t, got.LastAccess.Equal(now))
}

func TestTouchMissing(t *testing.T) {
	db := newTestDB(t)
	require.ErrorIs(t, db.TouchObject(context.Background(), "missing"), ErrNotFound)
}

func TestPutObjectReplacesIndex(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutObject(ctx, entry("a", 1, epoch)))
	require.NoError(t, db.PutObject(ctx, entry("a", 5, epoch.Add(time.Hour))))

	entries, err := db.ObjectsByAccess(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(5), entries[0].Size)
}

func TestDeleteObject(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutObject(ctx, entry("a", 10, epoch)))
	require.NoError(t, db.DeleteObject(ctx, "a"))
	require.NoError(t, db.DeleteObject(ctx, "a"))

	_, err := db.GetObject(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)

	entries, err := db.ObjectsByAccess(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestTotalsAndClear(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutObject(ctx, entry("a", 10, epoch)))
	require.NoError(t, db.PutObject(ctx, entry("b", 20, epoch.Add(time.Hour))))

	totals, err := db.Totals(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, totals.Count)
	require.Equal(t, int64(30), totals.Bytes)
	require.True(t, totals.Oldest.Equal(epoch))
	require.True(t, totals.Newest.Equal(epoch.Add(time.Hour)))

	require.NoError(t, db.ClearObjects(ctx))

	totals, err = db.Totals(ctx)
	require.NoError(t, err)
	require.Zero(t, totals.Count)

	list, err := db.ListObjects(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestSessionMirrors(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mirror := &SessionMirror{Address: "0xabc", CachedAt: epoch, ExpiresAt: epoch.Add(time.Hour), HasSession: true}
	require.NoError(t, db.PutSessionMirror(ctx, mirror))
	require.NoError(t, db.PutSessionMirror(ctx, &SessionMirror{Address: "0xdef", HasSession: true}))

	got, err := db.GetSessionMirror(ctx, "0xabc")
	require.NoError(t, err)
	require.True(t, got.HasSession)
	require.True(t, got.ExpiresAt.Equal(epoch.Add(time.Hour)))

	require.NoError(t, db.DeleteSessionMirror(ctx, "0xabc"))
	_, err = db.GetSessionMirror(ctx, "0xabc")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.ClearSessionMirrors(ctx))
	_, err = db.GetSessionMirror(ctx, "0xdef")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTimestampOrdering(t *testing.T) {
	before := time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC)
	after := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	require.Less(t, string(encodeTimestamp(before)), string(encodeTimestamp(after)))
	require.True(t, decodeTimestamp(encodeTimestamp(before)).Equal(before))
	require.True(t, decodeTimestamp(encodeTimestamp(after)).Equal(after))
}

func ids(entries []*ObjectEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ObjectID
	}
	return out
}
