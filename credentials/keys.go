// Package credentials holds short-lived secret material: unwrapped
// symmetric keys, signed auth sessions and the server's own secrets.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/telemetry"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// IVSize is the AES-GCM nonce length.
	IVSize = 12

	// DefaultKeyTTL is how long an unwrapped key stays cached.
	DefaultKeyTTL = time.Hour
	// DefaultHiddenLimit is how long the host may stay hidden before
	// cached keys are cleared on return.
	DefaultHiddenLimit = 30 * time.Minute
)

// ErrInvalidKey is returned by Set for keys or IVs of the wrong length.
var ErrInvalidKey = errors.New("credentials: invalid key material")

// Key is a copy of cached key material. Callers own it and should call
// Destroy when done.
type Key struct {
	Key []byte
	IV  []byte
}

// Destroy zero-fills the key material.
func (k *Key) Destroy() {
	if k == nil {
		return
	}
	clear(k.Key)
	clear(k.IV)
}

type keyEntry struct {
	key       []byte
	iv        []byte
	cachedAt  time.Time
	expiresAt time.Time
}

func (e *keyEntry) destroy() {
	clear(e.key)
	clear(e.iv)
}

// KeyID derives a cache id from a wrapped key, for callers that cache by
// key rather than by object.
func KeyID(wrapped []byte) string {
	return "kh-" + mediacache.HashBytes(wrapped).String()
}

// KeyCache caches unwrapped symmetric keys so repeated playback does not
// repeat the expensive unwrap. Stored bytes are always private copies.
type KeyCache struct {
	ttl         time.Duration
	hiddenLimit time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	entries  map[string]*keyEntry
	hiddenAt time.Time
}

// KeyCacheOption configures a KeyCache.
type KeyCacheOption func(*KeyCache)

// WithKeyTTL sets the default time-to-live for cached keys.
func WithKeyTTL(ttl time.Duration) KeyCacheOption {
	return func(c *KeyCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithHiddenLimit sets how long the host may be hidden before keys are cleared.
func WithHiddenLimit(d time.Duration) KeyCacheOption {
	return func(c *KeyCache) {
		c.hiddenLimit = d
	}
}

// WithKeyLogger sets the logger.
func WithKeyLogger(logger *slog.Logger) KeyCacheOption {
	return func(c *KeyCache) {
		c.logger = logger
	}
}

// WithKeyNow sets the clock, for tests.
func WithKeyNow(now func() time.Time) KeyCacheOption {
	return func(c *KeyCache) {
		c.now = now
	}
}

// NewKeyCache creates an empty key cache.
func NewKeyCache(opts ...KeyCacheOption) *KeyCache {
	c := &KeyCache{
		ttl:         DefaultKeyTTL,
		hiddenLimit: DefaultHiddenLimit,
		logger:      slog.Default(),
		now:         time.Now,
		entries:     make(map[string]*keyEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "key_cache")
	return c
}

// Get returns a fresh copy of the key cached under id. An expired entry
// is zeroed and removed.
func (c *KeyCache) Get(id string) (*Key, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		telemetry.RecordCredentialLookup(context.Background(), "key", "miss")
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		e.destroy()
		delete(c.entries, id)
		telemetry.RecordCredentialLookup(context.Background(), "key", "expired")
		return nil, false
	}

	telemetry.RecordCredentialLookup(context.Background(), "key", "hit")
	return &Key{Key: clone(e.key), IV: clone(e.iv)}, true
}

// HasKey reports whether a live key is cached under id.
func (c *KeyCache) HasKey(id string) bool {
	k, ok := c.Get(id)
	if ok {
		k.Destroy()
	}
	return ok
}

// Set caches copies of key and iv under id. A ttl of zero uses the
// cache default. Any existing entry is zeroed first.
func (c *KeyCache) Set(id string, key, iv []byte, ttl time.Duration) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: key is %d bytes, want %d", ErrInvalidKey, len(key), KeySize)
	}
	if len(iv) != IVSize {
		return fmt.Errorf("%w: iv is %d bytes, want %d", ErrInvalidKey, len(iv), IVSize)
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	now := c.now()
	entry := &keyEntry{
		key:       clone(key),
		iv:        clone(iv),
		cachedAt:  now,
		expiresAt: now.Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[id]; ok {
		old.destroy()
	}
	c.entries[id] = entry
	return nil
}

// Clear zeroes and removes the key cached under id.
func (c *KeyCache) Clear(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok {
		e.destroy()
		delete(c.entries, id)
	}
}

// ClearAll zeroes and removes every cached key.
func (c *KeyCache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, e := range c.entries {
		e.destroy()
		delete(c.entries, id)
	}
}

// Len returns the number of cached entries, expired ones included.
func (c *KeyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// HandleShutdown clears every key. Call it from process teardown.
func (c *KeyCache) HandleShutdown() {
	c.ClearAll()
	c.logger.Debug("cleared keys on shutdown")
}

// HandleVisibility records host visibility changes. Becoming visible after
// being hidden for longer than the hidden limit clears every key.
func (c *KeyCache) HandleVisibility(hidden bool) {
	c.mu.Lock()
	if hidden {
		if c.hiddenAt.IsZero() {
			c.hiddenAt = c.now()
		}
		c.mu.Unlock()
		return
	}
	hiddenAt := c.hiddenAt
	c.hiddenAt = time.Time{}
	c.mu.Unlock()

	if hiddenAt.IsZero() {
		return
	}
	if away := c.now().Sub(hiddenAt); away > c.hiddenLimit {
		c.ClearAll()
		c.logger.Info("cleared keys after extended hidden period", "hidden_for", away)
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
