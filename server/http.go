// Package server provides the HTTP host for the media cache.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/buffers"
	"github.com/wolfeidau/media-cache/content"
	"github.com/wolfeidau/media-cache/credentials"
	"github.com/wolfeidau/media-cache/download"
	"github.com/wolfeidau/media-cache/eviction"
	"github.com/wolfeidau/media-cache/pipeline"
	"github.com/wolfeidau/media-cache/prefetch"
	"github.com/wolfeidau/media-cache/security"
	"github.com/wolfeidau/media-cache/staging"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/strategy"
	"github.com/wolfeidau/media-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath is the root path for object files and the index.
	StoragePath string

	// GatewayPrefix is the path the range gateway is mounted under.
	// Default: /media
	GatewayPrefix string

	// RemoteURL is the base URL of the remote content store.
	RemoteURL string

	// RemoteToken is sent as a bearer token on remote fetches (optional).
	RemoteToken string

	// RemoteHeaders are added to every remote fetch (optional).
	RemoteHeaders map[string]string

	// KeyServiceURL is the endpoint that unwraps content keys.
	KeyServiceURL string

	// AuthToken guards every endpoint except /health and /metrics.
	// Empty disables authentication.
	AuthToken string

	// PublicGateway lets gateway reads through without the auth token.
	PublicGateway bool

	// AppVersion is recorded in export documents.
	AppVersion string

	// Capabilities describes the host. Zero values are probed at startup.
	Capabilities strategy.Capabilities

	// KeyTTL, SessionTTL and SessionMargin tune the credential caches.
	// Zero uses the package defaults.
	KeyTTL        time.Duration
	SessionTTL    time.Duration
	SessionMargin time.Duration

	Content  content.Config
	Eviction eviction.Config
	Prefetch prefetch.Config
	Security security.Config

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the media cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	db          *metadb.BoltDB
	content     *content.Cache
	gateway     *content.Gateway
	staging     *staging.Store
	keys        *credentials.KeyCache
	sessions    *credentials.SessionCache
	buffers     *buffers.Manager
	pipeline    *pipeline.Pipeline
	evictionMgr *eviction.Manager
	prefetch    *prefetch.Queue
	environment *prefetch.ReportedEnvironment
	security    *security.Coordinator
}

// New creates a new server with the given configuration. The caller must
// call Shutdown to release the index.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./cache"
	}
	if cfg.RemoteURL == "" {
		return nil, errors.New("remote URL is required")
	}
	if cfg.Content == (content.Config{}) {
		cfg.Content = content.DefaultConfig()
	}
	if cfg.Eviction == (eviction.Config{}) {
		cfg.Eviction = eviction.DefaultConfig()
	}
	if cfg.Prefetch == (prefetch.Config{}) {
		cfg.Prefetch = prefetch.DefaultConfig()
	}
	cfg.Content.Logger = cfg.Logger
	cfg.Eviction.Logger = cfg.Logger
	cfg.Prefetch.Logger = cfg.Logger
	cfg.Security.Logger = cfg.Logger

	// Initialize storage backend
	fsBackend, err := backend.NewFilesystem(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	instrumented := backend.NewInstrumentedBackend(fsBackend, "filesystem")

	// Initialize the object index
	db := metadb.NewBoltDB(metadb.WithLogger(cfg.Logger.With("component", "metadb")))
	if err := db.Open(filepath.Join(cfg.StoragePath, "meta.db")); err != nil {
		return nil, fmt.Errorf("opening metadata index: %w", err)
	}

	contentCache := content.New(instrumented, db, cfg.Content)
	gatewayOpts := []content.GatewayOption{content.WithGatewayLogger(cfg.Logger)}
	if cfg.GatewayPrefix != "" {
		gatewayOpts = append(gatewayOpts, content.WithPrefix(cfg.GatewayPrefix))
	}
	gateway := content.NewGateway(contentCache, gatewayOpts...)
	stagingStore := staging.New(instrumented, staging.WithLogger(cfg.Logger))

	keyOpts := []credentials.KeyCacheOption{credentials.WithKeyLogger(cfg.Logger)}
	if cfg.KeyTTL > 0 {
		keyOpts = append(keyOpts, credentials.WithKeyTTL(cfg.KeyTTL))
	}
	keys := credentials.NewKeyCache(keyOpts...)

	sessionOpts := []credentials.SessionCacheOption{
		credentials.WithMirror(db),
		credentials.WithSessionLogger(cfg.Logger),
		credentials.WithSessionTTL(cfg.SessionTTL),
	}
	if cfg.SessionMargin > 0 {
		sessionOpts = append(sessionOpts, credentials.WithSafetyMargin(cfg.SessionMargin))
	}
	sessions := credentials.NewSessionCache(sessionOpts...)

	caps := cfg.Capabilities
	if caps == (strategy.Capabilities{}) {
		caps = strategy.DetectCapabilities(context.Background(), stagingStore.Available())
	}

	fetcher, err := pipeline.NewHTTPFetcher(cfg.RemoteURL,
		pipeline.WithBearerToken(cfg.RemoteToken),
		pipeline.WithHeaders(cfg.RemoteHeaders),
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating remote fetcher: %w", err)
	}

	var unwrapper pipeline.Unwrapper = pipeline.UnwrapFunc(func(context.Context, []byte, any) ([]byte, []byte, error) {
		return nil, nil, errors.New("no key service configured")
	})
	if cfg.KeyServiceURL != "" {
		unwrapper = pipeline.NewHTTPUnwrapper(cfg.KeyServiceURL)
	}

	bufs := buffers.NewManager(buffers.WithLogger(cfg.Logger))
	pl := pipeline.New(pipeline.Deps{
		Fetcher:    fetcher,
		Unwrapper:  unwrapper,
		Keys:       keys,
		Sessions:   sessions,
		Staging:    stagingStore,
		Content:    contentCache,
		Gateway:    gateway,
		Buffers:    bufs,
		Downloader: download.New(download.WithLogger(cfg.Logger.With("component", "download"))),
	}, pipeline.Config{
		Capabilities: caps,
		Logger:       cfg.Logger,
	})

	env := &prefetch.ReportedEnvironment{}
	queue := prefetch.New(pl, contentCache, cfg.Prefetch,
		prefetch.WithEnvironment(env),
		prefetch.WithSessions(sessions),
		prefetch.WithKeys(keys),
	)

	s := &Server{
		config:      cfg,
		logger:      cfg.Logger,
		db:          db,
		content:     contentCache,
		gateway:     gateway,
		staging:     stagingStore,
		keys:        keys,
		sessions:    sessions,
		buffers:     bufs,
		pipeline:    pl,
		evictionMgr: eviction.NewManager(contentCache, cfg.Eviction),
		prefetch:    queue,
		environment: env,
		security: security.NewCoordinator(sessions, keys, stagingStore, contentCache, cfg.Security,
			security.WithPrefetcher(queue)),
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // Long timeout for whole-video responses
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Range gateway over cached plaintext
	prefix := s.gateway.Prefix() + "/"
	mux.Handle("GET "+prefix, s.gateway)
	mux.Handle("HEAD "+prefix, s.gateway)

	// Playback and warming
	mux.HandleFunc("POST /play", s.handlePlay)
	mux.HandleFunc("GET /prefetch", s.handlePrefetchList)
	mux.HandleFunc("POST /prefetch", s.handlePrefetchEnqueue)
	mux.HandleFunc("DELETE /prefetch", s.handlePrefetchCancelAll)
	mux.HandleFunc("DELETE /prefetch/{id}", s.handlePrefetchCancel)
	mux.HandleFunc("PUT /environment", s.handleEnvironment)

	// Sessions and host lifecycle
	mux.HandleFunc("GET /session/{address}", s.handleSessionStatus)
	mux.HandleFunc("PUT /session/{address}", s.handleSessionSet)
	mux.HandleFunc("POST /visibility", s.handleVisibility)
	mux.HandleFunc("POST /security/{event}", s.handleSecurityEvent)

	// Maintenance
	mux.HandleFunc("POST /evict", s.handleEvict)
	mux.HandleFunc("GET /export", s.handleExport)
	mux.HandleFunc("POST /import", s.handleImport)
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	Content       content.Stats    `json:"content"`
	LastEviction  *eviction.Result `json:"last_eviction,omitempty"`
	StagingBytes  int64            `json:"staging_bytes"`
	TrackedBuffer int64            `json:"tracked_buffer_bytes"`
	CachedKeys    int              `json:"cached_keys"`
	Prefetch      []prefetch.Item  `json:"prefetch"`
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.content.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Content:       stats,
		LastEviction:  s.evictionMgr.LastResult(),
		StagingBytes:  s.staging.TotalSize(r.Context()),
		TrackedBuffer: s.buffers.TotalSize(),
		CachedKeys:    s.keys.Len(),
		Prefetch:      s.prefetch.Items(),
	})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, route, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		tags.Route = s.deriveRoute(r.URL.Path)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", tags.Route,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.ObjectID != "" {
			attrs = append(attrs, "object_id", tags.ObjectID)
		}
		if rng := r.Header.Get("Range"); rng != "" {
			attrs = append(attrs, "range", rng)
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts background workers and then serves until shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting eviction manager",
		"storage_threshold", s.config.Eviction.StorageThreshold,
		"critical_threshold", s.config.Eviction.CriticalThreshold,
		"max_entries", s.config.Eviction.MaxEntries,
		"check_interval", s.config.Eviction.CheckInterval,
	)
	if err := s.evictionMgr.Start(context.Background()); err != nil {
		return fmt.Errorf("starting eviction manager: %w", err)
	}

	if s.config.Prefetch.Enabled {
		if err := s.prefetch.Start(context.Background()); err != nil {
			return fmt.Errorf("starting prefetch queue: %w", err)
		}
	}

	s.logger.Info("starting server", "address", s.config.Address, "gateway", s.gateway.Prefix())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Decrypted keys and tracked
// buffers are destroyed and the index is closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	s.prefetch.Stop()
	s.evictionMgr.Stop()
	s.keys.HandleShutdown()
	s.pipeline.Close()

	return errors.Join(err, s.db.Close())
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveRoute classifies the request path for logs and metrics. The
// gateway sets a finer route itself.
func (s *Server) deriveRoute(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, s.gateway.Prefix()+"/"):
		return "media"
	case path == "/play":
		return "play"
	case path == "/prefetch" || strings.HasPrefix(path, "/prefetch/") || path == "/environment":
		return "prefetch"
	case strings.HasPrefix(path, "/session/") || path == "/visibility":
		return "session"
	case strings.HasPrefix(path, "/security/"):
		return "security"
	case path == "/export" || path == "/import" || path == "/evict":
		return "maintenance"
	default:
		return "unknown"
	}
}
