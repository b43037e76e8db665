package credentials

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func testKey() ([]byte, []byte) {
	return bytes.Repeat([]byte{0xAA}, KeySize), bytes.Repeat([]byte{0xBB}, IVSize)
}

func TestKeyCacheSetGet(t *testing.T) {
	c := NewKeyCache()
	key, iv := testKey()

	require.NoError(t, c.Set("video-1", key, iv, 0))

	got, ok := c.Get("video-1")
	require.True(t, ok)
	require.Equal(t, key, got.Key)
	require.Equal(t, iv, got.IV)

	_, ok = c.Get("missing")
	require.False(t, ok)
}

func TestKeyCacheCopyIsolation(t *testing.T) {
	c := NewKeyCache()
	key, iv := testKey()
	require.NoError(t, c.Set("video-1", key, iv, 0))

	// Mutating the caller's input does not reach the cache.
	key[0] = 0x00
	iv[0] = 0x00

	first, ok := c.Get("video-1")
	require.True(t, ok)
	require.Equal(t, byte(0xAA), first.Key[0])

	// Mutating a returned copy does not reach later copies.
	first.Key[1] = 0x11
	first.IV[1] = 0x11
	first.Destroy()

	second, ok := c.Get("video-1")
	require.True(t, ok)
	require.Equal(t, bytes.Repeat([]byte{0xAA}, KeySize), second.Key)
	require.Equal(t, bytes.Repeat([]byte{0xBB}, IVSize), second.IV)
}

func TestKeyCacheExpiryRemovesEntry(t *testing.T) {
	clock := newClock()
	c := NewKeyCache(WithKeyNow(clock.now), WithKeyTTL(time.Minute))
	key, iv := testKey()
	require.NoError(t, c.Set("video-1", key, iv, 0))

	c.mu.Lock()
	stored := c.entries["video-1"].key
	c.mu.Unlock()

	clock.advance(time.Minute)

	_, ok := c.Get("video-1")
	require.False(t, ok)
	require.Zero(t, c.Len())
	require.Equal(t, make([]byte, KeySize), stored, "expired key is zero-filled")
}

func TestKeyCacheExplicitTTL(t *testing.T) {
	clock := newClock()
	c := NewKeyCache(WithKeyNow(clock.now))
	key, iv := testKey()
	require.NoError(t, c.Set("video-1", key, iv, 10*time.Second))

	clock.advance(9 * time.Second)
	_, ok := c.Get("video-1")
	require.True(t, ok)

	clock.advance(time.Second)
	_, ok = c.Get("video-1")
	require.False(t, ok)
}

func TestKeyCacheSetReplacesAndZeroes(t *testing.T) {
	c := NewKeyCache()
	key, iv := testKey()
	require.NoError(t, c.Set("video-1", key, iv, 0))

	c.mu.Lock()
	old := c.entries["video-1"].key
	c.mu.Unlock()

	newKey := bytes.Repeat([]byte{0xCC}, KeySize)
	require.NoError(t, c.Set("video-1", newKey, iv, 0))

	require.Equal(t, make([]byte, KeySize), old)
	got, ok := c.Get("video-1")
	require.True(t, ok)
	require.Equal(t, newKey, got.Key)
	require.Equal(t, 1, c.Len())
}

func TestKeyCacheInvalidMaterial(t *testing.T) {
	c := NewKeyCache()
	_, iv := testKey()

	require.ErrorIs(t, c.Set("video-1", []byte("short"), iv, 0), ErrInvalidKey)
	require.ErrorIs(t, c.Set("video-1", make([]byte, KeySize), []byte("iv"), 0), ErrInvalidKey)
	require.Zero(t, c.Len())
}

func TestKeyCacheClear(t *testing.T) {
	c := NewKeyCache()
	key, iv := testKey()
	require.NoError(t, c.Set("a", key, iv, 0))
	require.NoError(t, c.Set("b", key, iv, 0))

	c.mu.Lock()
	storedA := c.entries["a"].key
	storedB := c.entries["b"].iv
	c.mu.Unlock()

	c.Clear("a")
	require.Equal(t, make([]byte, KeySize), storedA)
	_, ok := c.Get("a")
	require.False(t, ok)
	require.Equal(t, 1, c.Len())

	c.ClearAll()
	require.Equal(t, make([]byte, IVSize), storedB)
	require.Zero(t, c.Len())
}

func TestKeyCacheHandleShutdown(t *testing.T) {
	c := NewKeyCache()
	key, iv := testKey()
	require.NoError(t, c.Set("a", key, iv, 0))

	c.HandleShutdown()
	require.Zero(t, c.Len())
}

func TestKeyCacheHandleVisibility(t *testing.T) {
	clock := newClock()
	c := NewKeyCache(WithKeyNow(clock.now))
	key, iv := testKey()
	require.NoError(t, c.Set("a", key, iv, 2*time.Hour))

	// A short hidden period keeps keys.
	c.HandleVisibility(true)
	clock.advance(10 * time.Minute)
	c.HandleVisibility(false)
	require.Equal(t, 1, c.Len())

	// Repeated hidden signals keep the first hidden time.
	c.HandleVisibility(true)
	clock.advance(20 * time.Minute)
	c.HandleVisibility(true)
	clock.advance(11 * time.Minute)
	c.HandleVisibility(false)
	require.Zero(t, c.Len())

	// Visible without a prior hide does nothing.
	require.NoError(t, c.Set("b", key, iv, 0))
	c.HandleVisibility(false)
	require.Equal(t, 1, c.Len())
}

func TestKeyID(t *testing.T) {
	a := KeyID([]byte("wrapped-a"))
	require.Equal(t, a, KeyID([]byte("wrapped-a")))
	require.NotEqual(t, a, KeyID([]byte("wrapped-b")))
	require.Contains(t, a, "kh-")
}

func TestKeyCacheHasKey(t *testing.T) {
	clock := newClock()
	c := NewKeyCache(WithKeyNow(clock.now))
	key, iv := testKey()

	require.False(t, c.HasKey("video-1"))
	require.NoError(t, c.Set("video-1", key, iv, time.Minute))
	require.True(t, c.HasKey("video-1"))

	clock.advance(time.Minute)
	require.False(t, c.HasKey("video-1"))
}
