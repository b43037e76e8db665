package buffers

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReleaseZeroFills(t *testing.T) {
	m := NewManager()
	buf := []byte("secret plaintext")

	m.Track("plaintext", buf)
	require.Equal(t, int64(len(buf)), m.TotalSize())

	m.Release("plaintext")
	require.Equal(t, make([]byte, len(buf)), buf)
	require.Zero(t, m.TotalSize())

	// Releasing again is a no-op.
	m.Release("plaintext")
}

func TestTrackSameNameReleasesPrevious(t *testing.T) {
	m := NewManager()
	first := []byte("first")
	second := []byte("second")

	m.Track("key", first)
	m.Track("key", second)

	require.Equal(t, make([]byte, len(first)), first)
	require.Equal(t, []byte("second"), second)
	require.Equal(t, 1, m.Stats().Count)
}

func TestReleaseAll(t *testing.T) {
	m := NewManager()
	bufs := [][]byte{[]byte("aaaa"), []byte("bbbbbb"), []byte("cc")}
	for i, b := range bufs {
		m.Track(string(rune('a'+i)), b)
	}
	require.Equal(t, int64(12), m.TotalSize())

	m.ReleaseAll()

	for _, b := range bufs {
		require.True(t, bytes.Equal(b, make([]byte, len(b))))
	}
	require.Zero(t, m.Stats().Count)
}

func TestReleaseAllOnFailurePath(t *testing.T) {
	m := NewManager()
	buf := []byte("ciphertext")

	stage := func() (err error) {
		defer m.ReleaseAll()
		m.Track("ciphertext", buf)
		panic("decrypt failed")
	}

	require.Panics(t, func() { _ = stage() })
	require.Equal(t, make([]byte, len(buf)), buf)
}

func TestReclaimReceivesZeroedBacking(t *testing.T) {
	var reclaimed [][]byte
	m := NewManager(WithReclaim(func(b []byte) { reclaimed = append(reclaimed, b) }))

	buf := make([]byte, 8, 16)
	copy(buf, "sensitiv")
	m.Track("chunk", buf)
	m.Release("chunk")

	require.Len(t, reclaimed, 1)
	require.Zero(t, len(reclaimed[0]))
	require.Equal(t, 16, cap(reclaimed[0]))
	require.Equal(t, make([]byte, 8), buf)
}

func TestReclaimPanicIsSwallowed(t *testing.T) {
	m := NewManager(WithReclaim(func([]byte) { panic("pool closed") }))
	m.Track("x", []byte("data"))

	require.NotPanics(t, func() { m.Release("x") })
	require.Zero(t, m.TotalSize())
}

func TestStatsOrderedByCreation(t *testing.T) {
	m := NewManager()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	m.Track("second", make([]byte, 2))
	m.Track("first", make([]byte, 1))

	stats := m.Stats()
	require.Equal(t, 2, stats.Count)
	require.Equal(t, int64(3), stats.TotalSize)
	require.Equal(t, "second", stats.Handles[0].Name)
	require.Equal(t, "first", stats.Handles[1].Name)
}
