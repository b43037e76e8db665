package content

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wolfeidau/media-cache/telemetry"
)

// DefaultGatewayPrefix is the URL path prefix cached objects are served under.
const DefaultGatewayPrefix = "/media"

// NotFoundBody is the response body for objects absent from the cache.
const NotFoundBody = "Video not found in cache"

// Response headers set on every served object.
const (
	HeaderObjectID  = "X-Object-Id"
	HeaderCachedAt  = "X-Cached-At"
	HeaderTotalSize = "X-Total-Size"
)

// Gateway kinds recorded in telemetry.
const (
	gatewayFull          = "full"
	gatewayPartial       = "partial"
	gatewayNotFound      = "not_found"
	gatewayUnsatisfiable = "unsatisfiable"
	gatewayError         = "error"
)

// Gateway serves cached plaintext over HTTP at <prefix>/<object-id> with
// single byte-range support, so a media element can seek without the
// object ever leaving the device.
type Gateway struct {
	cache  *Cache
	prefix string
	logger *slog.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithPrefix sets the URL path prefix.
func WithPrefix(prefix string) GatewayOption {
	return func(g *Gateway) {
		g.prefix = "/" + strings.Trim(prefix, "/")
	}
}

// WithGatewayLogger sets the gateway logger.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// NewGateway creates a gateway over cache.
func NewGateway(cache *Cache, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		cache:  cache,
		prefix: DefaultGatewayPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway")
	return g
}

// Prefix returns the URL path prefix.
func (g *Gateway) Prefix() string {
	return g.prefix
}

// Path returns the gateway URL path for id.
func (g *Gateway) Path(id string) string {
	return g.prefix + "/" + id
}

// Handler returns a handler that serves gateway paths and passes every
// other request to next.
func (g *Gateway) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := g.objectID(r.URL.Path); ok {
			g.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) objectID(path string) (string, bool) {
	id, ok := strings.CutPrefix(path, g.prefix+"/")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	telemetry.SetRoute(r, "media")

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := g.objectID(r.URL.Path)
	if !ok {
		g.notFound(w, r)
		return
	}
	telemetry.SetObjectID(r, id)

	obj, err := g.cache.Open(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
		case errors.Is(err, ErrCorrupted):
			g.logger.Warn("dropping corrupted object", "object_id", id, "error", err)
			if err := g.cache.Delete(ctx, id); err != nil {
				g.logger.Error("failed to delete corrupted object", "object_id", id, "error", err)
			}
		default:
			g.logger.Error("failed to open object", "object_id", id, "error", err)
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
			telemetry.RecordGatewayRequest(ctx, gatewayError)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		g.notFound(w, r)
		return
	}
	defer func() { _ = obj.Close() }()

	telemetry.SetCacheResult(r, telemetry.CacheHit)
	total := obj.Size()

	h := w.Header()
	h.Set("Content-Type", obj.Entry.MimeType)
	h.Set("Accept-Ranges", "bytes")
	h.Set(HeaderObjectID, id)
	h.Set(HeaderCachedAt, obj.Entry.CachedAt.UTC().Format(time.RFC3339))
	h.Set(HeaderTotalSize, strconv.FormatInt(total, 10))

	if err := g.cache.Touch(ctx, id); err != nil {
		g.logger.Debug("failed to record access", "object_id", id, "error", err)
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		h.Set("Content-Length", strconv.FormatInt(total, 10))
		w.WriteHeader(http.StatusOK)
		telemetry.RecordGatewayRequest(ctx, gatewayFull)
		g.copyBody(w, r, obj.Reader(), id)
		return
	}

	start, end, ok := parseRange(rangeHeader, total)
	if !ok {
		h.Set("Content-Range", "bytes */"+strconv.FormatInt(total, 10))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		telemetry.RecordGatewayRequest(ctx, gatewayUnsatisfiable)
		return
	}

	length := end - start + 1
	h.Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(total, 10))
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	telemetry.RecordGatewayRequest(ctx, gatewayPartial)
	g.copyBody(w, r, obj.Section(start, length), id)
}

func (g *Gateway) notFound(w http.ResponseWriter, r *http.Request) {
	telemetry.SetCacheResult(r, telemetry.CacheMiss)
	telemetry.RecordGatewayRequest(r.Context(), gatewayNotFound)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	if r.Method != http.MethodHead {
		_, _ = io.WriteString(w, NotFoundBody)
	}
}

func (g *Gateway) copyBody(w http.ResponseWriter, r *http.Request, body io.Reader, id string) {
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, body); err != nil {
		g.logger.Debug("client stopped reading", "object_id", id, "error", err)
	}
}

// parseRange resolves a single "bytes=" range against total and returns
// inclusive bounds. It accepts "a-b", open ended "a-" and suffix "-n"
// forms. Multiple ranges, malformed values and ranges starting at or past
// total are unsatisfiable.
func parseRange(header string, total int64) (start, end int64, ok bool) {
	rangeSet, found := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !found || strings.Contains(rangeSet, ",") {
		return 0, 0, false
	}
	first, last, found := strings.Cut(strings.TrimSpace(rangeSet), "-")
	if !found {
		return 0, 0, false
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		// Suffix range: the final n bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 || total == 0 {
			return 0, 0, false
		}
		n = min(n, total)
		return total - n, total - 1, true
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= total {
		return 0, 0, false
	}
	if last == "" {
		return start, total - 1, true
	}
	end, err = strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	return start, min(end, total-1), true
}
