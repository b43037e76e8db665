// Package download provides singleflight-based deduplication for concurrent
// fetch and decrypt of one object. When several playback requests arrive
// for the same uncached object, only one pipeline run is performed.
package download

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Result holds the outcome of a fetch and decrypt.
type Result struct {
	ObjectID    string
	MimeType    string
	Size        int64
	ContentHash string
	// Mode is the decryption strategy used, empty when already cached.
	Mode string
	// Warning carries a strategy warning for the user, if any.
	Warning string
}

// DownloadFunc fetches, decrypts, and stores one object.
// The context passed to DownloadFunc is detached from any single request so
// that one caller timing out does not cancel the work for other waiters.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent downloads for the same object id
// using singleflight. It uses DoChan so each caller can respect its own
// context deadline without cancelling the in-flight work for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent downloads for the same key.
// The fn receives a context that keeps the caller's values but not its
// cancellation. Returns the result, whether it was shared with another
// caller, and any error.
//
// If the caller's context expires before the download completes, Do returns
// the context error but the in-flight download continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Shared {
			d.logger.Debug("joined in-flight download", "object_id", key)
		}
		if res.Err != nil {
			d.ForgetOnError(key, res.Err)
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to retry.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}

// ForgetOnError forgets key if err is a real failure rather than a caller
// context timeout, so the next caller retries instead of joining.
func (d *Downloader) ForgetOnError(key string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
