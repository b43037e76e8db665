// Package security purges secrets and cached content when the active
// identity changes.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wolfeidau/media-cache/telemetry"
)

// Event is an identity-affecting event.
type Event string

const (
	EventWalletDisconnect Event = "disconnect"
	EventAccountSwitch    Event = "account-switch"
	EventChainSwitch      Event = "chain-switch"
	EventSessionExpired   Event = "session-expired"
	EventClearAll         Event = "clear-all"
)

// ErrUnknownEvent is returned by ParseEvent for unrecognised names.
var ErrUnknownEvent = errors.New("unknown security event")

// ParseEvent maps a name to an Event.
func ParseEvent(name string) (Event, error) {
	switch e := Event(name); e {
	case EventWalletDisconnect, EventAccountSwitch, EventChainSwitch, EventSessionExpired, EventClearAll:
		return e, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEvent, name)
}

// Action names recorded in reports.
const (
	ActionSessions = "sessions"
	ActionSession  = "session"
	ActionKeys     = "keys"
	ActionStaging  = "staging"
	ActionContent  = "content"
	ActionPrefetch = "prefetch"
)

// Sessions is the session cache. *credentials.SessionCache implements it.
type Sessions interface {
	Clear(ctx context.Context, address string) error
	ClearAll(ctx context.Context) error
}

// Keys is the key cache. *credentials.KeyCache implements it.
type Keys interface {
	ClearAll()
}

// Staging is the staging store. *staging.Store implements it.
type Staging interface {
	ClearAll(ctx context.Context) error
}

// Content is the content cache. *content.Cache implements it.
type Content interface {
	Clear(ctx context.Context) error
}

// Prefetcher is a background prefetch queue. *prefetch.Queue implements it.
type Prefetcher interface {
	CancelAll()
}

// Config holds coordinator configuration.
type Config struct {
	// ClearContentOnDisconnect clears the content cache on wallet disconnect.
	ClearContentOnDisconnect bool
	// ClearContentOnAccountSwitch clears the content cache on account switch.
	ClearContentOnAccountSwitch bool
	// Logger for cleanup events.
	Logger *slog.Logger
}

// ActionResult is the outcome of one cleanup action.
type ActionResult struct {
	Action string `json:"action"`
	Error  string `json:"error,omitempty"`
	err    error
}

// Report lists every action a cleanup attempted.
type Report struct {
	Event   Event          `json:"event"`
	Actions []ActionResult `json:"actions"`
}

// OK reports whether every action succeeded.
func (r *Report) OK() bool {
	return r.Err() == nil
}

// Err joins the failures of every action, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, a := range r.Actions {
		if a.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Action, a.err))
		}
	}
	return errors.Join(errs...)
}

// Coordinator applies the cleanup policy for each security event. Every
// action runs even when an earlier one fails.
type Coordinator struct {
	config   Config
	sessions Sessions
	keys     Keys
	staging  Staging
	content  Content
	prefetch Prefetcher
	logger   *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPrefetcher cancels background prefetching on identity changes.
func WithPrefetcher(p Prefetcher) Option {
	return func(c *Coordinator) {
		c.prefetch = p
	}
}

// NewCoordinator creates a coordinator. Nil collaborators are skipped.
func NewCoordinator(sessions Sessions, keys Keys, staging Staging, content Content, cfg Config, opts ...Option) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Coordinator{
		config:   cfg,
		sessions: sessions,
		keys:     keys,
		staging:  staging,
		content:  content,
		logger:   cfg.Logger.With("component", "security"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle dispatches event. address is the identity the event concerns;
// only disconnect and account switch use it.
func (c *Coordinator) Handle(ctx context.Context, event Event, address string) (*Report, error) {
	switch event {
	case EventWalletDisconnect:
		return c.WalletDisconnected(ctx, address), nil
	case EventAccountSwitch:
		return c.AccountSwitched(ctx, address), nil
	case EventChainSwitch:
		return c.ChainSwitched(ctx), nil
	case EventSessionExpired:
		return c.SessionExpired(ctx), nil
	case EventClearAll:
		return c.ClearAll(ctx), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
}

// WalletDisconnected clears the session for address, all keys, and all
// staged data. Content is cleared only when configured.
func (c *Coordinator) WalletDisconnected(ctx context.Context, address string) *Report {
	r := c.begin(EventWalletDisconnect)
	c.cancelPrefetch(ctx, r)
	c.clearSession(ctx, r, address)
	c.clearKeys(ctx, r)
	c.clearStaging(ctx, r)
	if c.config.ClearContentOnDisconnect {
		c.clearContent(ctx, r)
	}
	return c.finish(r)
}

// AccountSwitched clears the session of the previous address, all keys,
// and all staged data. Content is cleared only when configured.
func (c *Coordinator) AccountSwitched(ctx context.Context, previous string) *Report {
	r := c.begin(EventAccountSwitch)
	c.cancelPrefetch(ctx, r)
	c.clearSession(ctx, r, previous)
	c.clearKeys(ctx, r)
	c.clearStaging(ctx, r)
	if c.config.ClearContentOnAccountSwitch {
		c.clearContent(ctx, r)
	}
	return c.finish(r)
}

// ChainSwitched clears every session since auth is chain scoped.
func (c *Coordinator) ChainSwitched(ctx context.Context) *Report {
	r := c.begin(EventChainSwitch)
	c.clearSessions(ctx, r)
	return c.finish(r)
}

// SessionExpired clears every session.
func (c *Coordinator) SessionExpired(ctx context.Context) *Report {
	r := c.begin(EventSessionExpired)
	c.clearSessions(ctx, r)
	return c.finish(r)
}

// ClearAll clears sessions, keys, staging and content.
func (c *Coordinator) ClearAll(ctx context.Context) *Report {
	r := c.begin(EventClearAll)
	c.cancelPrefetch(ctx, r)
	c.clearSessions(ctx, r)
	c.clearKeys(ctx, r)
	c.clearStaging(ctx, r)
	c.clearContent(ctx, r)
	return c.finish(r)
}

func (c *Coordinator) begin(event Event) *Report {
	c.logger.Info("security cleanup", "event", event)
	return &Report{Event: event}
}

func (c *Coordinator) finish(r *Report) *Report {
	if err := r.Err(); err != nil {
		c.logger.Warn("security cleanup incomplete", "event", r.Event, "error", err)
	}
	return r
}

func (c *Coordinator) clearSession(ctx context.Context, r *Report, address string) {
	if c.sessions == nil || address == "" {
		return
	}
	c.run(ctx, r, ActionSession, func() error { return c.sessions.Clear(ctx, address) })
}

func (c *Coordinator) clearSessions(ctx context.Context, r *Report) {
	if c.sessions == nil {
		return
	}
	c.run(ctx, r, ActionSessions, func() error { return c.sessions.ClearAll(ctx) })
}

func (c *Coordinator) clearKeys(ctx context.Context, r *Report) {
	if c.keys == nil {
		return
	}
	c.run(ctx, r, ActionKeys, func() error {
		c.keys.ClearAll()
		return nil
	})
}

func (c *Coordinator) clearStaging(ctx context.Context, r *Report) {
	if c.staging == nil {
		return
	}
	c.run(ctx, r, ActionStaging, func() error { return c.staging.ClearAll(ctx) })
}

func (c *Coordinator) clearContent(ctx context.Context, r *Report) {
	if c.content == nil {
		return
	}
	c.run(ctx, r, ActionContent, func() error { return c.content.Clear(ctx) })
}

func (c *Coordinator) cancelPrefetch(ctx context.Context, r *Report) {
	if c.prefetch == nil {
		return
	}
	c.run(ctx, r, ActionPrefetch, func() error {
		c.prefetch.CancelAll()
		return nil
	})
}

// run executes one action, converting a panic into a failure so later
// actions still run.
func (c *Coordinator) run(ctx context.Context, r *Report, action string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return fn()
	}()

	res := ActionResult{Action: action, err: err}
	if err != nil {
		res.Error = err.Error()
		c.logger.Warn("cleanup action failed", "event", r.Event, "action", action, "error", err)
	}
	r.Actions = append(r.Actions, res)
	telemetry.RecordSecurityAction(ctx, string(r.Event), action, err)
}
