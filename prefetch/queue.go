// Package prefetch warms the content cache in the background, one object
// at a time, when the device and session allow it.
package prefetch

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/media-cache/content"
	"github.com/wolfeidau/media-cache/telemetry"
)

// State is the lifecycle state of a queued item.
type State string

const (
	StateQueued     State = "queued"
	StateFetching   State = "fetching"
	StateDecrypting State = "decrypting"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether s is final.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

// Enqueue rejections.
var (
	ErrDisabled        = errors.New("prefetch disabled")
	ErrNotEligible     = errors.New("object not eligible for prefetch")
	ErrAlreadyQueued   = errors.New("object already queued")
	ErrQueueFull       = errors.New("prefetch queue full")
	ErrAlreadyCached   = errors.New("object already cached")
	ErrStoragePressure = errors.New("storage usage too high for prefetch")
)

// Request describes an object to warm.
type Request struct {
	ObjectID string `json:"object_id"`
	// Owner is the identity whose session and keys decrypt the object.
	Owner string `json:"owner"`
	// Encrypted objects are the only ones worth warming.
	Encrypted bool `json:"encrypted"`
	// KeyID identifies the cached symmetric key for the object.
	KeyID string `json:"key_id,omitempty"`
	// Location is passed through to the Warmer.
	Location string `json:"location,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Item is a snapshot of a queued request.
type Item struct {
	Request
	Token       string    `json:"token"`
	Priority    int       `json:"priority"`
	State       State     `json:"state"`
	Error       string    `json:"error,omitempty"`
	AddedAt     time.Time `json:"added_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Warmer fetches and decrypts one object into the content cache, calling
// stage when it moves from fetching to decrypting. pipeline.Pipeline
// implements it.
type Warmer interface {
	Warm(ctx context.Context, req Request, stage func(State)) error
}

// Cache is the content cache. *content.Cache implements it.
type Cache interface {
	Has(ctx context.Context, id string) bool
	Estimate(ctx context.Context) (content.Estimate, error)
}

// Sessions reports whether an identity has a live session without
// prompting for authentication.
type Sessions interface {
	HasSession(ctx context.Context, owner string) bool
}

// Keys reports whether a decryption key is already cached.
type Keys interface {
	HasKey(id string) bool
}

// Config holds queue configuration.
type Config struct {
	// Enabled turns the queue on.
	Enabled bool
	// MaxItems bounds the number of non-terminal items. Default 5.
	MaxItems int
	// StorageLimit rejects enqueues at or above this usage/quota ratio.
	// Default 0.7.
	StorageLimit float64
	// PollInterval is how often conditions are re-evaluated while items
	// wait. Default 30s.
	PollInterval time.Duration
	// Retention is how long terminal items stay visible before Compact
	// removes them. Default 5m.
	Retention time.Duration
	// Logger for queue events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxItems:     5,
		StorageLimit: 0.7,
		PollInterval: 30 * time.Second,
		Retention:    5 * time.Minute,
		Logger:       slog.Default(),
	}
}

type entry struct {
	item   Item
	cancel context.CancelFunc
}

// Queue is a bounded priority queue processed by a single worker.
// Lower priority values run first; equal priorities run in arrival order.
type Queue struct {
	config   Config
	warmer   Warmer
	cache    Cache
	sessions Sessions
	keys     Keys
	env      Environment
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	items []*entry

	wake chan struct{}

	lifeMu  sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithEnvironment sets the connection and battery probe.
func WithEnvironment(env Environment) Option {
	return func(q *Queue) {
		q.env = env
	}
}

// WithSessions sets the session probe.
func WithSessions(s Sessions) Option {
	return func(q *Queue) {
		q.sessions = s
	}
}

// WithKeys sets the key probe.
func WithKeys(k Keys) Option {
	return func(q *Queue) {
		q.keys = k
	}
}

// WithNow sets the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a queue.
func New(warmer Warmer, cache Cache, cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = def.MaxItems
	}
	if cfg.StorageLimit <= 0 {
		cfg.StorageLimit = def.StorageLimit
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	q := &Queue{
		config: cfg,
		warmer: warmer,
		cache:  cache,
		logger: cfg.Logger.With("component", "prefetch"),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds req with the given priority. Rejections are checked in
// order: disabled, not eligible, already queued, full, already cached,
// storage pressure.
func (q *Queue) Enqueue(ctx context.Context, req Request, priority int) (Item, error) {
	item, err := q.enqueue(ctx, req, priority)
	if err != nil {
		telemetry.RecordPrefetch(ctx, "rejected")
		return Item{}, err
	}
	return item, nil
}

func (q *Queue) enqueue(ctx context.Context, req Request, priority int) (Item, error) {
	if !q.config.Enabled {
		return Item{}, ErrDisabled
	}
	if !req.Encrypted || req.ObjectID == "" {
		return Item{}, ErrNotEligible
	}

	q.mu.Lock()
	err := q.checkSlotLocked(req.ObjectID)
	q.mu.Unlock()
	if err != nil {
		return Item{}, err
	}

	// Cache lookups run unlocked; the slot is checked again before insert.
	if q.cache.Has(ctx, req.ObjectID) {
		return Item{}, ErrAlreadyCached
	}
	est, err := q.cache.Estimate(ctx)
	if err != nil {
		return Item{}, err
	}
	if est.Quota > 0 && est.Ratio() >= q.config.StorageLimit {
		return Item{}, ErrStoragePressure
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkSlotLocked(req.ObjectID); err != nil {
		return Item{}, err
	}

	// Drop a terminal item for the same object so ids stay unique.
	q.items = slices.DeleteFunc(q.items, func(e *entry) bool { return e.item.ObjectID == req.ObjectID })

	e := &entry{item: Item{
		Request:  req,
		Token:    uuid.NewString(),
		Priority: priority,
		State:    StateQueued,
		AddedAt:  q.now(),
	}}
	q.items = append(q.items, e)
	q.reportDepthLocked(ctx)
	telemetry.RecordPrefetch(ctx, string(StateQueued))

	q.logger.Debug("queued prefetch", "object_id", req.ObjectID, "priority", priority)
	q.signal()
	return e.item, nil
}

// checkSlotLocked rejects an object that is already pending and a queue
// holding MaxItems non-terminal items.
func (q *Queue) checkSlotLocked(id string) error {
	active := 0
	for _, e := range q.items {
		if e.item.State.Terminal() {
			continue
		}
		if e.item.ObjectID == id {
			return ErrAlreadyQueued
		}
		active++
	}
	if active >= q.config.MaxItems {
		return ErrQueueFull
	}
	return nil
}

// Cancel cancels the item whose object id or token is id. A queued item becomes cancelled at once;
// an in-flight item is cancelled at its next suspension point.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.items {
		if (e.item.ObjectID == id || e.item.Token == id) && !e.item.State.Terminal() {
			q.cancelLocked(e)
			return true
		}
	}
	return false
}

// CancelAll cancels every non-terminal item.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.items {
		if !e.item.State.Terminal() {
			q.cancelLocked(e)
		}
	}
}

func (q *Queue) cancelLocked(e *entry) {
	if e.cancel != nil {
		e.cancel()
		return
	}
	q.finishLocked(context.Background(), e, StateCancelled, "")
}

// Clear cancels everything and empties the queue.
func (q *Queue) Clear() {
	q.CancelAll()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = slices.DeleteFunc(q.items, func(e *entry) bool { return e.cancel == nil })
	q.reportDepthLocked(context.Background())
}

// Items returns a snapshot of every item, in priority order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, 0, len(q.items))
	for _, e := range q.items {
		out = append(out, e.item)
	}
	slices.SortStableFunc(out, compareItems)
	return out
}

// Compact removes terminal items older than the retention period and
// returns how many were removed.
func (q *Queue) Compact() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-q.config.Retention)
	before := len(q.items)
	q.items = slices.DeleteFunc(q.items, func(e *entry) bool {
		return e.item.State.Terminal() && !e.item.CompletedAt.After(cutoff)
	})
	return before - len(q.items)
}

// Start runs the worker until Stop or ctx is done.
func (q *Queue) Start(ctx context.Context) error {
	q.lifeMu.Lock()
	defer q.lifeMu.Unlock()
	if q.running {
		return nil
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	go q.run(ctx, q.stopCh, q.doneCh)
	return nil
}

// Stop cancels the in-flight item and waits for the worker to exit.
func (q *Queue) Stop() {
	q.lifeMu.Lock()
	if !q.running {
		q.lifeMu.Unlock()
		return
	}
	q.running = false
	stopCh, doneCh := q.stopCh, q.doneCh
	q.lifeMu.Unlock()

	close(stopCh)
	<-doneCh
}

func (q *Queue) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		for q.ProcessNext(ctx) {
		}
		q.Compact()

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// ProcessNext runs the highest priority eligible item to completion and
// reports whether it ran one.
func (q *Queue) ProcessNext(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if reason := blockedReason(q.env); reason != "" {
		q.logger.Debug("prefetch paused", "reason", reason)
		return false
	}

	e, itemCtx := q.next(ctx)
	if e == nil {
		return false
	}
	q.process(itemCtx, e)
	return true
}

// next picks and claims the next runnable item. Items whose owner has no
// live session move to the back of the queue. Session and key lookups run
// without the queue lock held.
func (q *Queue) next(ctx context.Context) (*entry, context.Context) {
	type candidate struct {
		e            *entry
		owner, keyID string
	}

	q.mu.Lock()
	queued := make([]*entry, 0, len(q.items))
	for _, e := range q.items {
		if e.item.State == StateQueued {
			queued = append(queued, e)
		}
	}
	slices.SortStableFunc(queued, func(a, b *entry) int { return compareItems(a.item, b.item) })
	candidates := make([]candidate, len(queued))
	for i, e := range queued {
		candidates[i] = candidate{e: e, owner: e.item.Owner, keyID: e.item.KeyID}
	}
	q.mu.Unlock()

	var deferred []*entry
	for _, c := range candidates {
		hasSession := q.sessions == nil || q.sessions.HasSession(ctx, c.owner)
		hasKey := q.keys == nil || q.keys.HasKey(c.keyID)

		q.mu.Lock()
		e := c.e
		switch {
		case e.item.State != StateQueued:
			// Cancelled or claimed meanwhile.
		case !hasSession:
			deferred = append(deferred, e)
			q.logger.Debug("no session for prefetch, deferring", "object_id", e.item.ObjectID)
		case !hasKey:
			q.finishLocked(ctx, e, StateFailed, "decryption key not cached")
		default:
			itemCtx, cancel := context.WithCancel(ctx)
			e.cancel = cancel
			e.item.State = StateFetching
			q.deferLocked(deferred)
			q.mu.Unlock()
			return e, itemCtx
		}
		q.mu.Unlock()
	}

	q.mu.Lock()
	q.deferLocked(deferred)
	q.mu.Unlock()
	return nil, nil
}

func (q *Queue) process(ctx context.Context, e *entry) {
	id := e.item.ObjectID
	ctx = telemetry.WithSource(ctx, telemetry.SourcePrefetch)

	var err error
	if q.cache.Has(ctx, id) {
		q.logger.Debug("prefetch target already cached", "object_id", id)
	} else {
		err = q.warmer.Warm(ctx, e.item.Request, func(s State) { q.setState(e, s) })
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	e.cancel()
	e.cancel = nil

	switch {
	case err == nil && ctx.Err() == nil:
		q.finishLocked(ctx, e, StateComplete, "")
		q.logger.Info("prefetched object", "object_id", id)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		q.finishLocked(ctx, e, StateCancelled, "")
	default:
		q.finishLocked(ctx, e, StateFailed, err.Error())
		q.logger.Warn("prefetch failed", "object_id", id, "error", err)
	}
}

func (q *Queue) setState(e *entry, s State) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !e.item.State.Terminal() {
		e.item.State = s
	}
}

func (q *Queue) finishLocked(ctx context.Context, e *entry, s State, msg string) {
	e.item.State = s
	e.item.Error = msg
	e.item.CompletedAt = q.now()
	telemetry.RecordPrefetch(context.WithoutCancel(ctx), string(s))
	q.reportDepthLocked(ctx)
}

// deferLocked moves the deferred items behind every other queued item,
// keeping their relative order. Items already at the back keep their
// priority, so a queue holding only deferred items stays unchanged.
func (q *Queue) deferLocked(deferred []*entry) {
	if len(deferred) == 0 {
		return
	}
	lowest, others := 0, false
	for _, o := range q.items {
		if o.item.State != StateQueued || slices.Contains(deferred, o) {
			continue
		}
		if !others || o.item.Priority > lowest {
			lowest = o.item.Priority
		}
		others = true
	}
	if !others {
		return
	}
	for _, e := range deferred {
		if e.item.State == StateQueued && e.item.Priority <= lowest {
			e.item.Priority = lowest + 1
		}
	}
}

func (q *Queue) reportDepthLocked(ctx context.Context) {
	depth := 0
	for _, e := range q.items {
		if !e.item.State.Terminal() {
			depth++
		}
	}
	telemetry.UpdatePrefetchQueueDepth(context.WithoutCancel(ctx), depth)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func compareItems(a, b Item) int {
	if a.Priority != b.Priority {
		return a.Priority - b.Priority
	}
	return a.AddedAt.Compare(b.AddedAt)
}
