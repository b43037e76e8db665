// Package buffers tracks sensitive byte buffers (ciphertext, plaintext,
// key material) and destroys them eagerly once a pipeline stage is done.
package buffers

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/media-cache/telemetry"
)

// Handle describes one tracked buffer.
type Handle struct {
	Name      string
	Size      int
	CreatedAt time.Time
}

// Stats is a diagnostic snapshot of the tracked buffers.
type Stats struct {
	Count     int
	TotalSize int64
	Handles   []Handle
}

type tracked struct {
	buf       []byte
	createdAt time.Time
}

// Manager tracks buffers by name. Callers defer ReleaseAll so tracked
// buffers are destroyed on both success and failure paths.
type Manager struct {
	logger  *slog.Logger
	now     func() time.Time
	reclaim func([]byte)

	mu      sync.Mutex
	handles map[string]*tracked
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithReclaim sets the function that takes ownership of a zeroed backing
// array after release, for example a sync.Pool's Put.
func WithReclaim(fn func([]byte)) Option {
	return func(m *Manager) {
		m.reclaim = fn
	}
}

// NewManager creates an empty buffer manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:  slog.Default(),
		now:     time.Now,
		handles: make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "buffers")
	return m
}

// Track records buf under name. A buffer already tracked under the same
// name is released first.
func (m *Manager) Track(name string, buf []byte) {
	m.mu.Lock()
	old, ok := m.handles[name]
	m.handles[name] = &tracked{buf: buf, createdAt: m.now()}
	total := m.totalLocked()
	m.mu.Unlock()

	if ok {
		m.destroy(name, old.buf)
	}
	telemetry.UpdateTrackedBuffers(context.Background(), total)
}

// Release zero-fills the buffer tracked under name and stops tracking it.
// Releasing an unknown name is a no-op.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	t, ok := m.handles[name]
	delete(m.handles, name)
	total := m.totalLocked()
	m.mu.Unlock()

	if !ok {
		return
	}
	m.destroy(name, t.buf)
	telemetry.UpdateTrackedBuffers(context.Background(), total)
}

// ReleaseAll releases every tracked buffer.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.handles))
	for name := range m.handles {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.Release(name)
	}
}

// Stats returns the tracked handles ordered by creation time.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{Count: len(m.handles), Handles: make([]Handle, 0, len(m.handles))}
	for name, t := range m.handles {
		stats.Handles = append(stats.Handles, Handle{Name: name, Size: len(t.buf), CreatedAt: t.createdAt})
		stats.TotalSize += int64(len(t.buf))
	}
	sort.Slice(stats.Handles, func(i, j int) bool {
		if stats.Handles[i].CreatedAt.Equal(stats.Handles[j].CreatedAt) {
			return stats.Handles[i].Name < stats.Handles[j].Name
		}
		return stats.Handles[i].CreatedAt.Before(stats.Handles[j].CreatedAt)
	})
	return stats
}

// TotalSize returns the number of bytes held by tracked buffers.
func (m *Manager) TotalSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalLocked()
}

func (m *Manager) totalLocked() int64 {
	var total int64
	for _, t := range m.handles {
		total += int64(len(t.buf))
	}
	return total
}

// destroy zero-fills buf and hands the backing array to the reclaim hook
// through a one-shot channel. A failed handoff is ignored.
func (m *Manager) destroy(name string, buf []byte) {
	clear(buf)

	if m.reclaim == nil || cap(buf) == 0 {
		return
	}

	handoff := make(chan []byte, 1)
	handoff <- buf[:0]
	close(handoff)

	defer func() {
		if r := recover(); r != nil {
			m.logger.Debug("buffer reclaim failed", "name", name, "panic", r)
		}
	}()
	m.reclaim(<-handoff)
}
