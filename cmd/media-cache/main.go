// Command media-cache is a local cache for encrypted media. It fetches and
// decrypts objects from a remote content-addressed store and serves the
// plaintext with byte-range support.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/content"
	"github.com/wolfeidau/media-cache/credentials"
	"github.com/wolfeidau/media-cache/eviction"
	"github.com/wolfeidau/media-cache/exchange"
	"github.com/wolfeidau/media-cache/prefetch"
	"github.com/wolfeidau/media-cache/security"
	"github.com/wolfeidau/media-cache/server"
	"github.com/wolfeidau/media-cache/staging"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." enum:"debug,info,warn,error" default:"info" env:"MEDIA_CACHE_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." enum:"text,json" default:"text" env:"MEDIA_CACHE_LOG_FORMAT"`
	Storage   string `help:"Storage directory path." default:"./cache" type:"path" env:"MEDIA_CACHE_STORAGE"`

	// Content settings apply to serve and the offline commands.
	DefaultTTL time.Duration `help:"TTL for cached objects without one." default:"168h" env:"MEDIA_CACHE_DEFAULT_TTL"`
	MinTTL     time.Duration `help:"Lower bound for per-object TTLs." default:"1h" env:"MEDIA_CACHE_MIN_TTL"`
	MaxTTL     time.Duration `help:"Upper bound for per-object TTLs." default:"720h" env:"MEDIA_CACHE_MAX_TTL"`
	Quota      int64         `help:"Content quota in bytes." default:"10737418240" env:"MEDIA_CACHE_QUOTA"`

	logger *slog.Logger
}

// CLI is the command line.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Print version and exit."`

	Serve  ServeCmd  `cmd:"" default:"withargs" help:"Run the cache server."`
	Export ExportCmd `cmd:"" help:"Write an export document for a wallet."`
	Import ImportCmd `cmd:"" help:"Restore an export document into the cache."`
	Clear  ClearCmd  `cmd:"" help:"Delete every cached and staged object."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("media-cache"),
		kong.Description("Local cache for encrypted media."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	ctx.FatalIfErrorf(err)
	slog.SetDefault(logger)
	cli.logger = logger

	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

func (g *Globals) contentConfig() content.Config {
	return content.Config{
		DefaultTTL: g.DefaultTTL,
		MinTTL:     g.MinTTL,
		MaxTTL:     g.MaxTTL,
		Quota:      g.Quota,
		Logger:     g.logger,
	}
}

// ServeCmd runs the HTTP server.
type ServeCmd struct {
	Address       string `help:"Address to listen on." default:":8080" env:"MEDIA_CACHE_ADDRESS"`
	GatewayPrefix string `help:"Path the media gateway is mounted under." default:"/media" env:"MEDIA_CACHE_GATEWAY_PREFIX"`
	PublicGateway bool   `help:"Serve the media gateway without the auth token." env:"MEDIA_CACHE_PUBLIC_GATEWAY"`

	RemoteURL     string `help:"Base URL of the remote content store." required:"" env:"MEDIA_CACHE_REMOTE_URL"`
	KeyServiceURL string `help:"Endpoint that unwraps content keys." env:"MEDIA_CACHE_KEY_SERVICE_URL"`
	SecretsFile   string `help:"Secrets template file (auth token, remote credentials)." type:"path" env:"MEDIA_CACHE_SECRETS_FILE"`
	AuthToken     string `help:"Bearer token guarding the API." env:"MEDIA_CACHE_AUTH_TOKEN"`

	StorageThreshold  float64       `help:"Usage ratio that triggers LRU eviction." default:"0.8" env:"MEDIA_CACHE_STORAGE_THRESHOLD"`
	CriticalThreshold float64       `help:"Usage ratio that triggers largest-first eviction." default:"0.9" env:"MEDIA_CACHE_CRITICAL_THRESHOLD"`
	MaxEntries        int           `help:"Maximum cached objects, 0 for no cap." default:"50" env:"MEDIA_CACHE_MAX_ENTRIES"`
	CleanupInterval   time.Duration `help:"How often eviction runs." default:"1h" env:"MEDIA_CACHE_CLEANUP_INTERVAL"`

	KeyTTL        time.Duration `help:"How long unwrapped keys stay cached." default:"1h" env:"MEDIA_CACHE_KEY_TTL"`
	SessionTTL    time.Duration `help:"Nominal lifetime of a cached session." default:"1h" env:"MEDIA_CACHE_SESSION_TTL"`
	SessionMargin time.Duration `help:"Margin subtracted from session expiry." default:"5m" env:"MEDIA_CACHE_SESSION_MARGIN"`

	ClearContentOnDisconnect    bool `help:"Clear cached content when a wallet disconnects." env:"MEDIA_CACHE_CLEAR_ON_DISCONNECT"`
	ClearContentOnAccountSwitch bool `help:"Clear cached content when the account changes." env:"MEDIA_CACHE_CLEAR_ON_ACCOUNT_SWITCH"`

	Prefetch         bool          `help:"Enable background prefetch." default:"true" negatable:"" env:"MEDIA_CACHE_PREFETCH"`
	PrefetchMaxItems int           `help:"Maximum pending prefetch items." default:"5" env:"MEDIA_CACHE_PREFETCH_MAX_ITEMS"`
	PrefetchLimit    float64       `help:"Usage ratio at which prefetch is refused." default:"0.7" env:"MEDIA_CACHE_PREFETCH_STORAGE_LIMIT"`
	PrefetchPoll     time.Duration `help:"How often waiting prefetch items are re-checked." default:"30s" env:"MEDIA_CACHE_PREFETCH_POLL"`

	OTLPEndpoint      string `help:"OTLP gRPC endpoint for metrics." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsPrometheus bool   `help:"Expose Prometheus metrics on /metrics." env:"MEDIA_CACHE_METRICS_PROMETHEUS"`
}

// Run starts the server and blocks until a signal arrives.
func (c *ServeCmd) Run(g *Globals) error {
	logger := g.logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.MetricsPrometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	authToken := c.AuthToken
	var remoteToken string
	var remoteHeaders map[string]string
	if c.SecretsFile != "" {
		secrets, err := credentials.NewResolver().ResolveFile(ctx, c.SecretsFile)
		if err != nil {
			return fmt.Errorf("resolving secrets: %w", err)
		}
		if secrets.AuthToken != "" {
			authToken = secrets.AuthToken
		}
		if secrets.Remote != nil {
			remoteToken = secrets.Remote.Token
			remoteHeaders = secrets.Remote.Headers
		}
	}

	srv, err := server.New(server.Config{
		Address:       c.Address,
		StoragePath:   g.Storage,
		GatewayPrefix: c.GatewayPrefix,
		RemoteURL:     c.RemoteURL,
		RemoteToken:   remoteToken,
		RemoteHeaders: remoteHeaders,
		KeyServiceURL: c.KeyServiceURL,
		AuthToken:     authToken,
		PublicGateway: c.PublicGateway,
		AppVersion:    version,
		KeyTTL:        c.KeyTTL,
		SessionTTL:    c.SessionTTL,
		SessionMargin: c.SessionMargin,
		Content:       g.contentConfig(),
		Eviction: eviction.Config{
			StorageThreshold:  c.StorageThreshold,
			CriticalThreshold: c.CriticalThreshold,
			MaxEntries:        c.MaxEntries,
			CheckInterval:     c.CleanupInterval,
		},
		Prefetch: prefetch.Config{
			Enabled:      c.Prefetch,
			MaxItems:     c.PrefetchMaxItems,
			StorageLimit: c.PrefetchLimit,
			PollInterval: c.PrefetchPoll,
			Retention:    5 * time.Minute,
		},
		Security: security.Config{
			ClearContentOnDisconnect:    c.ClearContentOnDisconnect,
			ClearContentOnAccountSwitch: c.ClearContentOnAccountSwitch,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"gateway_url", fmt.Sprintf("http://localhost%s%s/{object-id}", srv.Address(), c.GatewayPrefix),
		"remote", c.RemoteURL,
		"prefetch", c.Prefetch,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(runErr, srv.Shutdown(shutdownCtx))
}

// offlineCache opens the cache in the storage directory without a server.
type offlineCache struct {
	fs      *backend.Filesystem
	db      *metadb.BoltDB
	content *content.Cache
}

func openOffline(g *Globals) (*offlineCache, error) {
	fs, err := backend.NewFilesystem(g.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	db := metadb.NewBoltDB(metadb.WithLogger(g.logger.With("component", "metadb")))
	if err := db.Open(filepath.Join(g.Storage, "meta.db")); err != nil {
		return nil, fmt.Errorf("opening metadata index: %w", err)
	}
	return &offlineCache{fs: fs, db: db, content: content.New(fs, db, g.contentConfig())}, nil
}

func (o *offlineCache) Close() error {
	return o.db.Close()
}

// ExportCmd writes an export document.
type ExportCmd struct {
	Wallet   string `help:"Wallet address the export belongs to." required:"" env:"MEDIA_CACHE_WALLET"`
	Output   string `help:"Output file, - for stdout." short:"o" default:"-"`
	Compress bool   `help:"Compress the document with zstd."`
}

// Run exports every live object.
func (c *ExportCmd) Run(g *Globals) error {
	oc, err := openOffline(g)
	if err != nil {
		return err
	}
	defer oc.Close()

	ctx := context.Background()
	doc, err := exchange.Export(ctx, oc.content, exchange.ExportOptions{
		Wallet:     c.Wallet,
		AppVersion: version,
		Logger:     g.logger,
	})
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if c.Output != "-" {
		f, err := os.Create(c.Output)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := exchange.Encode(w, doc, c.Compress); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}

	g.logger.Info("exported cache", "videos", doc.VideoCount, "wallet", doc.WalletAddress)
	return nil
}

// ImportCmd restores an export document.
type ImportCmd struct {
	Wallet string `help:"Wallet address that must match the document." required:"" env:"MEDIA_CACHE_WALLET"`
	File   string `arg:"" optional:"" help:"Export document, - for stdin." default:"-"`
}

// Run imports the document.
func (c *ImportCmd) Run(g *Globals) error {
	var r io.Reader = os.Stdin
	if c.File != "-" {
		f, err := os.Open(c.File)
		if err != nil {
			return fmt.Errorf("opening document: %w", err)
		}
		defer f.Close()
		r = f
	}

	doc, err := exchange.Decode(r)
	if err != nil {
		return err
	}

	oc, err := openOffline(g)
	if err != nil {
		return err
	}
	defer oc.Close()

	result, err := exchange.Import(context.Background(), oc.content, doc, c.Wallet)
	if err != nil {
		return err
	}

	g.logger.Info("imported cache", "imported", result.Imported, "skipped", len(result.Skipped))
	return nil
}

// ClearCmd deletes all cached and staged objects.
type ClearCmd struct{}

// Run clears the cache.
func (c *ClearCmd) Run(g *Globals) error {
	oc, err := openOffline(g)
	if err != nil {
		return err
	}
	defer oc.Close()

	ctx := context.Background()
	if err := oc.content.Clear(ctx); err != nil {
		return fmt.Errorf("clearing content: %w", err)
	}
	if err := staging.New(oc.fs).ClearAll(ctx); err != nil {
		return fmt.Errorf("clearing staging: %w", err)
	}

	g.logger.Info("cache cleared", "storage", g.Storage)
	return nil
}
