package staging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return New(fs, opts...)
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t, WithChunkSize(7))
	ctx := context.Background()
	data := bytes.Repeat([]byte("ciphertext"), 100)

	var progress []int64
	n, err := s.Write(ctx, "video-1", bytes.NewReader(data), func(written int64) {
		progress = append(progress, written)
	})
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.NotEmpty(t, progress)
	require.Equal(t, int64(len(data)), progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		require.Greater(t, progress[i], progress[i-1])
	}

	got, err := s.Read(ctx, "video-1")
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.True(t, s.Exists(ctx, "video-1"))
	require.Equal(t, int64(len(data)), s.Size(ctx, "video-1"))
	require.Equal(t, int64(len(data)), s.TotalSize(ctx))
}

func TestWriteReplacesEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, "video-1", strings.NewReader("first version"), nil)
	require.NoError(t, err)
	_, err = s.Write(ctx, "video-1", strings.NewReader("second"), nil)
	require.NoError(t, err)

	got, err := s.Read(ctx, "video-1")
	require.NoError(t, err)
	require.Equal(t, "second", string(got))
	require.Equal(t, []string{"video-1"}, s.List(ctx))
}

func TestReadNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Read(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, mediacache.ErrNotFound)
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, "video-1", strings.NewReader("data"), nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "video-1"))
	require.NoError(t, s.Delete(ctx, "video-1"))
	require.False(t, s.Exists(ctx, "video-1"))
}

func TestClearAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		_, err := s.Write(ctx, id, strings.NewReader("data-"+id), nil)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a", "b", "c"}, s.List(ctx))

	require.NoError(t, s.ClearAll(ctx))
	require.Empty(t, s.List(ctx))
	require.Zero(t, s.TotalSize(ctx))

	// Clearing a missing area is fine.
	require.NoError(t, s.ClearAll(ctx))
}

// cancelAfterReader cancels the context once n bytes have been read.
type cancelAfterReader struct {
	r      io.Reader
	n      int
	read   int
	cancel context.CancelFunc
}

func (c *cancelAfterReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += n
	if c.read >= c.n {
		c.cancel()
	}
	return n, err
}

func TestWriteCancelledDiscardsPartial(t *testing.T) {
	s := newTestStore(t, WithChunkSize(4))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &cancelAfterReader{r: strings.NewReader(strings.Repeat("x", 64)), n: 8, cancel: cancel}
	_, err := s.Write(ctx, "video-1", src, nil)
	require.ErrorIs(t, err, context.Canceled)

	require.False(t, s.Exists(context.Background(), "video-1"))
	require.Empty(t, s.List(context.Background()))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestWriteSourceErrorDiscardsPartial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, "video-1", io.MultiReader(strings.NewReader("partial"), failingReader{}), nil)
	require.Error(t, err)
	require.False(t, s.Exists(ctx, "video-1"))
}

func TestWriteInvalidID(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Write(context.Background(), "../escape", strings.NewReader("x"), nil)
	require.ErrorIs(t, err, mediacache.ErrInvalidObjectID)
}

func TestUnavailableBackendDegrades(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	require.False(t, s.Available())

	_, err := s.Write(ctx, "video-1", strings.NewReader("data"), nil)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, mediacache.ErrUnavailable)

	_, err = s.Read(ctx, "video-1")
	require.ErrorIs(t, err, ErrUnavailable)

	require.NoError(t, s.Delete(ctx, "video-1"))
	require.NoError(t, s.ClearAll(ctx))
	require.False(t, s.Exists(ctx, "video-1"))
	require.Zero(t, s.Size(ctx, "video-1"))
	require.Empty(t, s.List(ctx))
	require.Zero(t, s.TotalSize(ctx))
}

func TestReadDetectsTamperedEntry(t *testing.T) {
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	s := New(fs)
	ctx := context.Background()

	_, err = s.Write(ctx, "video-1", strings.NewReader("ciphertext"), nil)
	require.NoError(t, err)

	// Same length, different bytes.
	key := mediacache.StorageKey(Prefix, "video-1")
	require.NoError(t, fs.Write(ctx, key, strings.NewReader("CIPHERTEXT")))
	_, err = s.Read(ctx, "video-1")
	require.ErrorIs(t, err, ErrCorrupted)
	require.ErrorIs(t, err, mediacache.ErrCorrupted)

	// Truncated.
	require.NoError(t, fs.Write(ctx, key, strings.NewReader("cipher")))
	_, err = s.Read(ctx, "video-1")
	require.ErrorIs(t, err, ErrCorrupted)

	// A fresh write records a fresh digest.
	_, err = s.Write(ctx, "video-1", strings.NewReader("replacement"), nil)
	require.NoError(t, err)
	got, err := s.Read(ctx, "video-1")
	require.NoError(t, err)
	require.Equal(t, "replacement", string(got))
}

func TestReadUncheckedWithoutRecordedDigest(t *testing.T) {
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	// Staged by an earlier process.
	require.NoError(t, fs.Write(ctx, mediacache.StorageKey(Prefix, "video-1"), strings.NewReader("leftover")))

	got, err := New(fs).Read(ctx, "video-1")
	require.NoError(t, err)
	require.Equal(t, "leftover", string(got))
}
