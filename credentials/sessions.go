package credentials

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/telemetry"
)

const (
	// DefaultSessionTTL is the nominal lifetime of a cached auth session.
	DefaultSessionTTL = time.Hour
	// DefaultSafetyMargin is subtracted from the nominal expiry so a
	// session is never used at the edge of its validity.
	DefaultSafetyMargin = 5 * time.Minute
)

// Expirer is implemented by auth contexts that carry their own expiry.
type Expirer interface {
	Expiry() (time.Time, bool)
}

// MirrorStore is the weaker persistence tier holding session metadata
// across restarts. *metadb.BoltDB implements it.
type MirrorStore interface {
	GetSessionMirror(ctx context.Context, address string) (*metadb.SessionMirror, error)
	PutSessionMirror(ctx context.Context, mirror *metadb.SessionMirror) error
	DeleteSessionMirror(ctx context.Context, address string) error
	ClearSessionMirrors(ctx context.Context) error
}

type sessionEntry struct {
	authCtx   any
	cachedAt  time.Time
	expiresAt time.Time
}

// SessionCache caches signed auth contexts per identity so the user is not
// asked to sign again for every object. The auth context is opaque and
// lives in memory only.
type SessionCache struct {
	ttl    time.Duration
	margin time.Duration
	mirror MirrorStore
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionEntry

	// mirrorMu orders mirror writes and deletes with the in-memory change
	// that caused them.
	mirrorMu sync.Mutex
}

// SessionCacheOption configures a SessionCache.
type SessionCacheOption func(*SessionCache)

// WithSessionTTL sets the default nominal session lifetime.
func WithSessionTTL(ttl time.Duration) SessionCacheOption {
	return func(c *SessionCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithSafetyMargin sets the margin subtracted from nominal expiry.
func WithSafetyMargin(d time.Duration) SessionCacheOption {
	return func(c *SessionCache) {
		c.margin = d
	}
}

// WithMirror sets the persistence tier for session mirrors.
func WithMirror(store MirrorStore) SessionCacheOption {
	return func(c *SessionCache) {
		c.mirror = store
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(logger *slog.Logger) SessionCacheOption {
	return func(c *SessionCache) {
		c.logger = logger
	}
}

// WithSessionNow sets the clock, for tests.
func WithSessionNow(now func() time.Time) SessionCacheOption {
	return func(c *SessionCache) {
		c.now = now
	}
}

// NewSessionCache creates an empty session cache.
func NewSessionCache(opts ...SessionCacheOption) *SessionCache {
	c := &SessionCache{
		ttl:      DefaultSessionTTL,
		margin:   DefaultSafetyMargin,
		logger:   slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*sessionEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "session_cache")
	return c
}

// NormalizeAddress returns the cache key for an identity.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Get returns the auth context cached for address if it is still valid
// after the safety margin and its own embedded expiry. Invalid sessions
// are purged along with their mirror.
func (c *SessionCache) Get(ctx context.Context, address string) (any, bool) {
	addr := NormalizeAddress(address)
	now := c.now()

	c.mu.Lock()
	e, ok := c.sessions[addr]
	if !ok {
		c.mu.Unlock()
		recordLookup(ctx, "miss")
		return nil, false
	}
	valid := c.valid(e, now)
	if !valid {
		delete(c.sessions, addr)
	}
	c.mu.Unlock()

	if !valid {
		c.dropMirror(ctx, addr)
		recordLookup(ctx, "expired")
		return nil, false
	}
	recordLookup(ctx, "hit")
	return e.authCtx, true
}

// HasSession reports whether address has a valid session. It never
// prompts for authentication.
func (c *SessionCache) HasSession(ctx context.Context, address string) bool {
	_, ok := c.Get(ctx, address)
	return ok
}

// Set caches authCtx for address. A ttl of zero uses the cache default.
// A metadata-only mirror is written to the persistence tier; a mirror
// write failure is logged and does not fail the call.
func (c *SessionCache) Set(ctx context.Context, address string, authCtx any, ttl time.Duration) {
	addr := NormalizeAddress(address)
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	e := &sessionEntry{authCtx: authCtx, cachedAt: now, expiresAt: now.Add(ttl)}

	c.mirrorMu.Lock()
	defer c.mirrorMu.Unlock()

	c.mu.Lock()
	c.sessions[addr] = e
	c.mu.Unlock()

	if c.mirror == nil {
		return
	}
	err := c.mirror.PutSessionMirror(ctx, &metadb.SessionMirror{
		Address:    addr,
		CachedAt:   e.cachedAt,
		ExpiresAt:  e.expiresAt,
		HasSession: true,
	})
	if err != nil {
		c.logger.Warn("failed to write session mirror", "address", addr, "error", err)
	}
}

// Clear removes the session and mirror for address. The in-memory session
// is always removed; the error reports a failed mirror delete.
func (c *SessionCache) Clear(ctx context.Context, address string) error {
	addr := NormalizeAddress(address)

	c.mirrorMu.Lock()
	defer c.mirrorMu.Unlock()

	c.mu.Lock()
	delete(c.sessions, addr)
	c.mu.Unlock()

	if c.mirror == nil {
		return nil
	}
	return c.mirror.DeleteSessionMirror(ctx, addr)
}

// ClearAll removes every session and mirror.
func (c *SessionCache) ClearAll(ctx context.Context) error {
	c.mirrorMu.Lock()
	defer c.mirrorMu.Unlock()

	c.mu.Lock()
	clear(c.sessions)
	c.mu.Unlock()

	if c.mirror == nil {
		return nil
	}
	return c.mirror.ClearSessionMirrors(ctx)
}

// HasMirror reports whether an unexpired session mirror exists for
// address, meaning a session was established before a restart. The auth
// context itself must be re-derived by the caller.
func (c *SessionCache) HasMirror(ctx context.Context, address string) bool {
	if c.mirror == nil {
		return false
	}
	addr := NormalizeAddress(address)
	m, err := c.mirror.GetSessionMirror(ctx, addr)
	if err != nil {
		if !errors.Is(err, metadb.ErrNotFound) {
			c.logger.Debug("reading session mirror failed", "address", addr, "error", err)
		}
		return false
	}
	if !m.HasSession || !c.now().Before(m.ExpiresAt.Add(-c.margin)) {
		c.dropMirror(ctx, addr)
		return false
	}
	return true
}

func recordLookup(ctx context.Context, result string) {
	telemetry.RecordCredentialLookup(ctx, "session", result)
}

// valid reports whether e is usable at now, after the safety margin and
// the context's own expiry.
func (c *SessionCache) valid(e *sessionEntry, now time.Time) bool {
	if !now.Before(e.expiresAt.Add(-c.margin)) {
		return false
	}
	if exp, ok := e.authCtx.(Expirer); ok {
		if at, has := exp.Expiry(); has && !now.Before(at) {
			return false
		}
	}
	return true
}

// dropMirror deletes the mirror for addr unless a valid session has been
// set for it since the caller found it invalid.
func (c *SessionCache) dropMirror(ctx context.Context, addr string) {
	if c.mirror == nil {
		return
	}
	c.mirrorMu.Lock()
	defer c.mirrorMu.Unlock()

	c.mu.Lock()
	e, ok := c.sessions[addr]
	live := ok && c.valid(e, c.now())
	c.mu.Unlock()
	if live {
		return
	}
	if err := c.mirror.DeleteSessionMirror(ctx, addr); err != nil {
		c.logger.Warn("failed to delete session mirror", "address", addr, "error", err)
	}
}
