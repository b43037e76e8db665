package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/telemetry"
)

// HTTPUnwrapper asks a key service to unwrap keys. It posts the wrapped
// key and the caller's signed auth context and receives the symmetric key
// and IV.
type HTTPUnwrapper struct {
	url    string
	client *http.Client
}

type unwrapRequest struct {
	WrappedKey  []byte `json:"wrappedKey"`
	AuthContext any    `json:"authContext"`
}

type unwrapResponse struct {
	Key []byte `json:"key"`
	IV  []byte `json:"iv"`
}

// NewHTTPUnwrapper creates an unwrapper for the key service at url.
func NewHTTPUnwrapper(url string) *HTTPUnwrapper {
	return &HTTPUnwrapper{
		url: url,
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
	}
}

// Unwrap implements Unwrapper.
func (u *HTTPUnwrapper) Unwrap(ctx context.Context, wrapped []byte, authCtx any) ([]byte, []byte, error) {
	body, err := json.Marshal(unwrapRequest{WrappedKey: wrapped, AuthContext: authCtx})
	if err != nil {
		return nil, nil, fmt.Errorf("encoding unwrap request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("creating unwrap request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, fmt.Errorf("%w: key service: %w", mediacache.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, nil, mediacache.ErrSessionExpired
	case http.StatusForbidden:
		return nil, nil, mediacache.ErrUnauthorized
	default:
		return nil, nil, fmt.Errorf("%w: key service returned %s", mediacache.ErrNetwork, resp.Status)
	}

	var out unwrapResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&out); err != nil {
		return nil, nil, fmt.Errorf("%w: decoding key service response: %w", mediacache.ErrNetwork, err)
	}
	return out.Key, out.IV, nil
}
