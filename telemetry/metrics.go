package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/media-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal        metric.Int64Counter
	responseBytesTotal   metric.Int64Counter
	requestDuration      metric.Float64Histogram
	requestsByRouteTotal metric.Int64Counter

	remoteFetchDuration   metric.Float64Histogram
	remoteFetchTotal      metric.Int64Counter
	remoteFetchBytesTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	objectWriteSize       metric.Float64Histogram
	gatewayRequestsTotal  metric.Int64Counter
	credentialLookupTotal metric.Int64Counter
	strategyDecisionTotal metric.Int64Counter
	stagingBytesTotal     metric.Int64Counter
	decryptDuration       metric.Float64Histogram

	evictedTotal      metric.Int64Counter
	evictedBytesTotal metric.Int64Counter
	evictionDuration  metric.Float64Histogram

	prefetchTotal      metric.Int64Counter
	prefetchQueueDepth metric.Int64Gauge

	securityActionsTotal metric.Int64Counter

	trackedBufferBytes metric.Int64Gauge
	storageUsageBytes  metric.Int64Gauge
	storageQuotaBytes  metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "media-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// Instruments still need a reader to attach to when nothing exports.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

var (
	latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	fetchBuckets   = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120, 300}
	backendBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	// 64 KiB through 4 GiB.
	sizeBuckets = []float64{65536, 262144, 1048576, 4194304, 16777216, 67108864, 134217728, 268435456, 536870912, 1073741824, 2147483648, 4294967296}
)

// newMetrics creates every instrument on meter. The caller owns the
// meter provider and the Prometheus handler.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"media_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"media_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"media_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if m.requestsByRouteTotal, err = meter.Int64Counter(
		"media_cache_http_requests_by_route_total",
		metric.WithDescription("Total number of HTTP requests by route"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.remoteFetchDuration, err = meter.Float64Histogram(
		"media_cache_remote_fetch_duration_seconds",
		metric.WithDescription("Duration of encrypted payload fetches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(fetchBuckets...),
	); err != nil {
		return nil, err
	}

	if m.remoteFetchTotal, err = meter.Int64Counter(
		"media_cache_remote_fetch_total",
		metric.WithDescription("Total number of encrypted payload fetches"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.remoteFetchBytesTotal, err = meter.Int64Counter(
		"media_cache_remote_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from remote storage"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"media_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(backendBuckets...),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"media_cache_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"media_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.objectWriteSize, err = meter.Float64Histogram(
		"media_cache_object_write_size_bytes",
		metric.WithDescription("Size of decrypted objects written to the content cache"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(sizeBuckets...),
	); err != nil {
		return nil, err
	}

	if m.gatewayRequestsTotal, err = meter.Int64Counter(
		"media_cache_gateway_requests_total",
		metric.WithDescription("Gateway requests by response kind"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.credentialLookupTotal, err = meter.Int64Counter(
		"media_cache_credential_lookups_total",
		metric.WithDescription("Key and session cache lookups by result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.strategyDecisionTotal, err = meter.Int64Counter(
		"media_cache_strategy_decisions_total",
		metric.WithDescription("Memory strategy decisions by mode"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, err
	}

	if m.stagingBytesTotal, err = meter.Int64Counter(
		"media_cache_staging_bytes_total",
		metric.WithDescription("Bytes streamed into the staging store"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.decryptDuration, err = meter.Float64Histogram(
		"media_cache_decrypt_duration_seconds",
		metric.WithDescription("Duration of payload decryption"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if m.evictedTotal, err = meter.Int64Counter(
		"media_cache_evicted_total",
		metric.WithDescription("Objects removed by the eviction engine"),
		metric.WithUnit("{object}"),
	); err != nil {
		return nil, err
	}

	if m.evictedBytesTotal, err = meter.Int64Counter(
		"media_cache_evicted_bytes_total",
		metric.WithDescription("Bytes freed by the eviction engine"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.evictionDuration, err = meter.Float64Histogram(
		"media_cache_eviction_duration_seconds",
		metric.WithDescription("Duration of eviction cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if m.prefetchTotal, err = meter.Int64Counter(
		"media_cache_prefetch_total",
		metric.WithDescription("Prefetch items reaching a terminal state"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, err
	}

	if m.prefetchQueueDepth, err = meter.Int64Gauge(
		"media_cache_prefetch_queue_depth",
		metric.WithDescription("Prefetch items not yet in a terminal state"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, err
	}

	if m.securityActionsTotal, err = meter.Int64Counter(
		"media_cache_security_actions_total",
		metric.WithDescription("Cleanup actions run in response to security events"),
		metric.WithUnit("{action}"),
	); err != nil {
		return nil, err
	}

	if m.trackedBufferBytes, err = meter.Int64Gauge(
		"media_cache_tracked_buffer_bytes",
		metric.WithDescription("Bytes held by tracked sensitive buffers"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.storageUsageBytes, err = meter.Int64Gauge(
		"media_cache_storage_usage_bytes",
		metric.WithDescription("Bytes used by the content cache"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.storageQuotaBytes, err = meter.Int64Gauge(
		"media_cache_storage_quota_bytes",
		metric.WithDescription("Configured content cache quota"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Route and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	route := "unknown"
	cacheResult := string(CacheBypass)
	if tags := GetTags(r); tags != nil {
		if tags.Route != "" {
			route = tags.Route
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
	}

	statusClass := StatusClass(status)

	sharedAttrs := metric.WithAttributes(
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, sharedAttrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, sharedAttrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), sharedAttrs)

	globalMetrics.requestsByRouteTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("method", r.Method),
		attribute.String("status_class", statusClass),
	))
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordRemoteFetch records one fetch of an encrypted payload.
func RecordRemoteFetch(ctx context.Context, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	source := SourceFromContext(ctx)
	if source == "" {
		source = SourcePlayback
	}
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	)
	globalMetrics.remoteFetchDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.remoteFetchTotal.Add(ctx, 1, attrs)
	if bytesRead > 0 {
		globalMetrics.remoteFetchBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordObjectWrite records a decrypted object stored in the content cache.
func RecordObjectWrite(ctx context.Context, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.objectWriteSize.Record(ctx, float64(size))
}

// RecordGatewayRequest records how the gateway answered a media request.
// kind is one of "full", "partial", "not_found", "unsatisfiable" or "error".
func RecordGatewayRequest(ctx context.Context, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.gatewayRequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCredentialLookup records a key or session cache lookup.
// cache is "key" or "session"; result is "hit", "miss" or "expired".
func RecordCredentialLookup(ctx context.Context, cache, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.credentialLookupTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("result", result),
	))
}

// RecordStrategyDecision records the chosen processing mode for a payload.
func RecordStrategyDecision(ctx context.Context, mode string, performanceWarning bool) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.strategyDecisionTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.Bool("performance_warning", performanceWarning),
	))
}

// RecordStagingWrite records bytes streamed into the staging store.
func RecordStagingWrite(ctx context.Context, bytes int64, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.stagingBytesTotal.Add(ctx, bytes, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDecrypt records the duration of a payload decryption.
func RecordDecrypt(ctx context.Context, duration time.Duration, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.decryptDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordEviction records objects removed under one eviction policy.
// policy is "ttl", "lru", "size" or "count".
func RecordEviction(ctx context.Context, policy string, deleted int, freed int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("policy", policy))
	globalMetrics.evictedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.evictedBytesTotal.Add(ctx, freed, attrs)
}

// RecordEvictionCycle records the duration of one eviction cycle.
func RecordEvictionCycle(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.evictionDuration.Record(ctx, duration.Seconds())
}

// RecordPrefetch records a prefetch item reaching a terminal state.
func RecordPrefetch(ctx context.Context, status string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.prefetchTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// UpdatePrefetchQueueDepth sets the number of non-terminal prefetch items.
func UpdatePrefetchQueueDepth(ctx context.Context, depth int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.prefetchQueueDepth.Record(ctx, int64(depth))
}

// RecordSecurityAction records one cleanup action triggered by a security event.
func RecordSecurityAction(ctx context.Context, event, action string, err error) {
	if globalMetrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	globalMetrics.securityActionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

// UpdateTrackedBuffers sets the number of bytes held by tracked buffers.
func UpdateTrackedBuffers(ctx context.Context, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.trackedBufferBytes.Record(ctx, bytes)
}

// UpdateStorageUsage sets the content cache usage and quota gauges.
func UpdateStorageUsage(ctx context.Context, usage, quota int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.storageUsageBytes.Record(ctx, usage)
	globalMetrics.storageQuotaBytes.Record(ctx, quota)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
