// Package pipeline turns a playback request for an encrypted object into a
// range-servable cached object: strategy, fetch, stage, key, decrypt, store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/buffers"
	"github.com/wolfeidau/media-cache/content"
	"github.com/wolfeidau/media-cache/credentials"
	"github.com/wolfeidau/media-cache/download"
	"github.com/wolfeidau/media-cache/prefetch"
	"github.com/wolfeidau/media-cache/staging"
	"github.com/wolfeidau/media-cache/strategy"
	"github.com/wolfeidau/media-cache/telemetry"
)

var (
	// ErrKeyNotCached is returned by Warm when the object's key has not
	// been unwrapped yet. Background warming never unwraps keys.
	ErrKeyNotCached = errors.New("pipeline: decryption key not cached")

	// ErrDecryptFailed is returned when ciphertext fails authentication.
	ErrDecryptFailed = fmt.Errorf("pipeline: decryption failed: %w", mediacache.ErrCorrupted)

	// ErrTooLarge is returned when the strategy rejects an object.
	ErrTooLarge = fmt.Errorf("pipeline: %w", mediacache.ErrTooLarge)
)

// Unwrapper recovers the symmetric key and IV for a wrapped key. It fails
// with mediacache.ErrUnauthorized, ErrNetwork or ErrSessionExpired.
type Unwrapper interface {
	Unwrap(ctx context.Context, wrapped []byte, authCtx any) (key, iv []byte, err error)
}

// UnwrapFunc adapts a function to Unwrapper.
type UnwrapFunc func(ctx context.Context, wrapped []byte, authCtx any) ([]byte, []byte, error)

// Unwrap implements Unwrapper.
func (f UnwrapFunc) Unwrap(ctx context.Context, wrapped []byte, authCtx any) ([]byte, []byte, error) {
	return f(ctx, wrapped, authCtx)
}

// Authenticator obtains a signed auth context for an identity, prompting
// the user. It fails with mediacache.ErrUserRejected when declined.
type Authenticator interface {
	Authenticate(ctx context.Context, owner string) (any, error)
}

// AuthenticateFunc adapts a function to Authenticator.
type AuthenticateFunc func(ctx context.Context, owner string) (any, error)

// Authenticate implements Authenticator.
func (f AuthenticateFunc) Authenticate(ctx context.Context, owner string) (any, error) {
	return f(ctx, owner)
}

// Deps are the collaborators a Pipeline drives. Authenticator and Gateway
// may be nil.
type Deps struct {
	Fetcher       Fetcher
	Unwrapper     Unwrapper
	Authenticator Authenticator
	Keys          *credentials.KeyCache
	Sessions      *credentials.SessionCache
	Staging       *staging.Store
	Content       *content.Cache
	Gateway       *content.Gateway
	Buffers       *buffers.Manager
	Downloader    *download.Downloader
}

// Config holds pipeline configuration.
type Config struct {
	Capabilities strategy.Capabilities
	Tuning       strategy.Tuning
	Logger       *slog.Logger
}

// PlayRequest asks for an object to be made playable.
type PlayRequest struct {
	ObjectID string
	// Owner is the identity whose session unwraps the key.
	Owner string
	// WrappedKey is the asymmetrically wrapped symmetric key.
	WrappedKey []byte
	// Location is the remote path; the object id when empty.
	Location string
	MimeType string
	TTL      time.Duration
}

// Playback describes a playable cached object.
type Playback struct {
	ObjectID  string        `json:"object_id"`
	Path      string        `json:"path,omitempty"`
	MimeType  string        `json:"mime_type"`
	Size      int64         `json:"size"`
	FromCache bool          `json:"from_cache"`
	Shared    bool          `json:"shared"`
	Mode      strategy.Mode `json:"mode,omitempty"`
	Warning   string        `json:"warning,omitempty"`
}

// Pipeline runs fetch and decrypt for playback and background warming.
type Pipeline struct {
	deps   Deps
	config Config
	logger *slog.Logger
	seq    atomic.Uint64
}

// New creates a pipeline.
func New(deps Deps, cfg Config) *Pipeline {
	if cfg.Tuning == (strategy.Tuning{}) {
		cfg.Tuning = strategy.DefaultTuning()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if deps.Buffers == nil {
		deps.Buffers = buffers.NewManager(buffers.WithLogger(cfg.Logger))
	}
	if deps.Downloader == nil {
		deps.Downloader = download.New(download.WithLogger(cfg.Logger))
	}
	if deps.Staging == nil {
		deps.Staging = staging.New(nil)
	}
	cfg.Capabilities.StagingAvailable = cfg.Capabilities.StagingAvailable && deps.Staging.Available()

	return &Pipeline{
		deps:   deps,
		config: cfg,
		logger: cfg.Logger.With("component", "pipeline"),
	}
}

// Close releases every buffer still tracked.
func (p *Pipeline) Close() {
	p.deps.Buffers.ReleaseAll()
}

// job is one fetch and decrypt run.
type job struct {
	id        string
	location  string
	mimeType  string
	ttl       time.Duration
	key       func(ctx context.Context) (*credentials.Key, error)
	onDecrypt func()
}

// Play returns a playable object for req, fetching and decrypting it when
// it is not cached. Concurrent calls for one object share a single run.
func (p *Pipeline) Play(ctx context.Context, req PlayRequest) (*Playback, error) {
	if err := mediacache.ValidateObjectID(req.ObjectID); err != nil {
		return nil, err
	}
	ctx = telemetry.WithSource(ctx, telemetry.SourcePlayback)

	if entry, err := p.deps.Content.Get(ctx, req.ObjectID); err == nil {
		return p.playback(entry.ObjectID, entry.MimeType, entry.Size, true), nil
	}

	res, shared, err := p.deps.Downloader.Do(ctx, req.ObjectID, func(ctx context.Context) (*download.Result, error) {
		return p.run(ctx, job{
			id:       req.ObjectID,
			location: req.Location,
			mimeType: req.MimeType,
			ttl:      req.TTL,
			key:      func(ctx context.Context) (*credentials.Key, error) { return p.interactiveKey(ctx, req) },
		})
	})
	if err != nil {
		return nil, err
	}

	pb := p.playback(res.ObjectID, res.MimeType, res.Size, false)
	pb.Shared = shared
	pb.Mode = strategy.Mode(res.Mode)
	pb.Warning = res.Warning
	return pb, nil
}

// Warm caches req in the background. It never prompts for authentication
// and never unwraps keys: the key must already be cached under req.KeyID.
func (p *Pipeline) Warm(ctx context.Context, req prefetch.Request, stage func(prefetch.State)) error {
	if err := mediacache.ValidateObjectID(req.ObjectID); err != nil {
		return err
	}
	if p.deps.Content.Has(ctx, req.ObjectID) {
		return nil
	}
	if stage == nil {
		stage = func(prefetch.State) {}
	}

	_, err := p.run(ctx, job{
		id:       req.ObjectID,
		location: req.Location,
		mimeType: req.MimeType,
		key: func(context.Context) (*credentials.Key, error) {
			if k, ok := p.deps.Keys.Get(req.KeyID); ok {
				return k, nil
			}
			return nil, ErrKeyNotCached
		},
		onDecrypt: func() { stage(prefetch.StateDecrypting) },
	})
	return err
}

func (p *Pipeline) playback(id, mimeType string, size int64, fromCache bool) *Playback {
	pb := &Playback{ObjectID: id, MimeType: mimeType, Size: size, FromCache: fromCache}
	if p.deps.Gateway != nil {
		pb.Path = p.deps.Gateway.Path(id)
	}
	return pb
}

func (p *Pipeline) run(ctx context.Context, j job) (*download.Result, error) {
	location := j.location
	if location == "" {
		location = j.id
	}

	body, size, err := p.deps.Fetcher.Fetch(ctx, location)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	decision := p.decide(ctx, size)
	if decision.Mode == strategy.ModeTooLarge {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, decision.Warning)
	}

	seq := p.seq.Add(1)
	cipherName := fmt.Sprintf("%s/ciphertext/%d", j.id, seq)
	plainName := fmt.Sprintf("%s/plaintext/%d", j.id, seq)
	defer p.deps.Buffers.Release(cipherName)
	defer p.deps.Buffers.Release(plainName)

	var ciphertext []byte
	if decision.Mode == strategy.ModeStaged {
		defer p.unstage(ctx, j.id)
		ciphertext, err = p.stage(ctx, j.id, body)
	} else {
		ciphertext, err = readAll(body, size)
	}
	if err != nil {
		return nil, err
	}
	p.deps.Buffers.Track(cipherName, ciphertext)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := j.key(ctx)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if j.onDecrypt != nil {
		j.onDecrypt()
	}

	start := time.Now()
	plaintext, err := decrypt(key, ciphertext)
	if err != nil {
		telemetry.RecordDecrypt(ctx, time.Since(start), "error")
		return nil, err
	}
	telemetry.RecordDecrypt(ctx, time.Since(start), "success")
	p.deps.Buffers.Track(plainName, plaintext)
	p.deps.Buffers.Release(cipherName)

	entry, err := p.deps.Content.Put(ctx, content.Meta{ObjectID: j.id, MimeType: j.mimeType, TTL: j.ttl}, plaintext)
	if err != nil {
		return nil, err
	}

	p.logger.Info("cached object",
		"object_id", j.id,
		"mode", decision.Mode,
		"size", entry.Size,
		"source", telemetry.SourceFromContext(ctx),
	)

	return &download.Result{
		ObjectID:    entry.ObjectID,
		MimeType:    entry.MimeType,
		Size:        entry.Size,
		ContentHash: entry.ContentHash,
		Mode:        string(decision.Mode),
		Warning:     decision.Warning,
	}, nil
}

// decide picks a strategy. An unknown size stages when it can.
func (p *Pipeline) decide(ctx context.Context, size int64) strategy.Decision {
	caps := p.config.Capabilities
	var d strategy.Decision
	if size < 0 {
		d = strategy.Decision{Mode: strategy.ModeInMemory, Size: size}
		if caps.StagingAvailable {
			d.Mode = strategy.ModeStaged
		}
	} else {
		d = strategy.Select(size, caps, p.config.Tuning)
	}
	telemetry.RecordStrategyDecision(ctx, string(d.Mode), d.PerformanceWarning)
	if d.Warning != "" {
		p.logger.Warn("strategy warning", "mode", d.Mode, "size", size, "warning", d.Warning)
	}
	return d
}

func (p *Pipeline) stage(ctx context.Context, id string, body io.Reader) ([]byte, error) {
	if _, err := p.deps.Staging.Write(ctx, id, body, nil); err != nil {
		return nil, err
	}
	return p.deps.Staging.Read(ctx, id)
}

// unstage removes staged ciphertext even when ctx is cancelled.
func (p *Pipeline) unstage(ctx context.Context, id string) {
	if err := p.deps.Staging.Delete(context.WithoutCancel(ctx), id); err != nil {
		p.logger.Warn("failed to delete staged ciphertext", "object_id", id, "error", err)
	}
}

// interactiveKey returns the cached key for req or unwraps it, prompting
// for authentication when no session is cached.
func (p *Pipeline) interactiveKey(ctx context.Context, req PlayRequest) (*credentials.Key, error) {
	if len(req.WrappedKey) == 0 {
		return nil, fmt.Errorf("%w: no wrapped key for %s", mediacache.ErrUnauthorized, req.ObjectID)
	}
	keyID := credentials.KeyID(req.WrappedKey)
	if k, ok := p.deps.Keys.Get(keyID); ok {
		return k, nil
	}

	authCtx, ok := p.deps.Sessions.Get(ctx, req.Owner)
	if !ok {
		if p.deps.Authenticator == nil {
			return nil, mediacache.ErrSessionExpired
		}
		var err error
		authCtx, err = p.deps.Authenticator.Authenticate(ctx, req.Owner)
		if err != nil {
			return nil, fmt.Errorf("authenticating %s: %w", req.Owner, err)
		}
		p.deps.Sessions.Set(ctx, req.Owner, authCtx, 0)
	}

	key, iv, err := p.deps.Unwrapper.Unwrap(ctx, req.WrappedKey, authCtx)
	if err != nil {
		if errors.Is(err, mediacache.ErrSessionExpired) {
			if cerr := p.deps.Sessions.Clear(ctx, req.Owner); cerr != nil {
				p.logger.Warn("failed to clear expired session", "error", cerr)
			}
		}
		return nil, fmt.Errorf("unwrapping key for %s: %w", req.ObjectID, err)
	}
	if err := p.deps.Keys.Set(keyID, key, iv, 0); err != nil {
		clear(key)
		clear(iv)
		return nil, err
	}
	return &credentials.Key{Key: key, IV: iv}, nil
}

func readAll(r io.Reader, size int64) ([]byte, error) {
	if size < 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading ciphertext: %w", mediacache.ErrNetwork, err)
		}
		return data, nil
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: reading ciphertext: %w", mediacache.ErrNetwork, err)
	}
	return data, nil
}
