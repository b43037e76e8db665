package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/telemetry"
)

// Fetcher opens the ciphertext stream for an object. size is -1 when the
// remote does not report a length.
type Fetcher interface {
	Fetch(ctx context.Context, location string) (body io.ReadCloser, size int64, err error)
}

// HTTPFetcher fetches ciphertext from a remote content-addressed store at
// {base}/{location}.
type HTTPFetcher struct {
	base    *url.URL
	client  *http.Client
	headers http.Header
}

// FetcherOption configures an HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *HTTPFetcher) {
		f.client = c
	}
}

// WithHeaders adds headers to every request.
func WithHeaders(headers map[string]string) FetcherOption {
	return func(f *HTTPFetcher) {
		for k, v := range headers {
			f.headers.Set(k, v)
		}
	}
}

// WithBearerToken authenticates requests with token.
func WithBearerToken(token string) FetcherOption {
	return func(f *HTTPFetcher) {
		if token != "" {
			f.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// NewHTTPFetcher creates a fetcher for the store at base.
func NewHTTPFetcher(base string, opts ...FetcherOption) (*HTTPFetcher, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q: scheme must be http or https", base)
	}

	f := &HTTPFetcher{
		base: u,
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(http.DefaultTransport),
			Timeout:   30 * time.Minute,
		},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	u := f.base.JoinPath(location)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range f.headers {
		req.Header[k] = v
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, fmt.Errorf("%w: fetching %s: %w", mediacache.ErrNetwork, location, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, resp.ContentLength, nil
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("remote %s: %w", location, mediacache.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("remote %s: %w", location, mediacache.ErrUnauthorized)
	default:
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("%w: remote %s returned %s", mediacache.ErrNetwork, location, resp.Status)
	}
}
