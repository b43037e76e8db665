package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader and
// returns the reader used to collect what was recorded.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findGauge finds a gauge metric by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.Emit() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/media/video-1", nil)
	r = InjectTags(r)
	SetRoute(r, "media")
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusPartialContent, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "media_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	// Route lives only on the detail counter.
	_, hasRoute := dps[0].Attributes.Value(attribute.Key("route"))
	require.False(t, hasRoute)

	bytesDps := findCounter(rm, "media_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "media_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	routeDps := findCounter(rm, "media_cache_http_requests_by_route_total")
	require.Len(t, routeDps, 1)
	require.True(t, hasAttr(routeDps[0].Attributes, "route", "media"))
	require.True(t, hasAttr(routeDps[0].Attributes, "method", "GET"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "media_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))

	routeDps := findCounter(rm, "media_cache_http_requests_by_route_total")
	require.Len(t, routeDps, 1)
	require.True(t, hasAttr(routeDps[0].Attributes, "route", "unknown"))
}

func TestRecorders_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)

	require.NotPanics(t, func() {
		RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
		RecordBackendOp(ctx, "filesystem", "read", "success", time.Millisecond, 10)
		RecordRemoteFetch(ctx, time.Millisecond, 10, "success")
		RecordObjectWrite(ctx, 10)
		RecordGatewayRequest(ctx, "full")
		RecordCredentialLookup(ctx, "key", "hit")
		RecordStrategyDecision(ctx, "in_memory", false)
		RecordStagingWrite(ctx, 10, "success")
		RecordDecrypt(ctx, time.Millisecond, "success")
		RecordEviction(ctx, "ttl", 1, 10)
		RecordEvictionCycle(ctx, time.Millisecond)
		RecordPrefetch(ctx, "completed")
		UpdatePrefetchQueueDepth(ctx, 1)
		RecordSecurityAction(ctx, "wallet_disconnected", "clear_keys", nil)
		UpdateTrackedBuffers(ctx, 10)
		UpdateStorageUsage(ctx, 10, 100)
	})
}

func TestRecordBackendOp(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordBackendOp(ctx, "filesystem", "write", "success", time.Millisecond, 512)
	RecordBackendOp(ctx, "filesystem", "exists", "success", time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "media_cache_backend_requests_total")
	require.Len(t, dps, 2)

	bytesDps := findCounter(rm, "media_cache_backend_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 512, bytesDps[0].Value)
	require.True(t, hasAttr(bytesDps[0].Attributes, "op", "write"))
}

func TestRecordEviction(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordEviction(ctx, "lru", 3, 3000)
	RecordEviction(ctx, "lru", 1, 500)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "media_cache_evicted_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 4, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "policy", "lru"))

	bytesDps := findCounter(rm, "media_cache_evicted_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 3500, bytesDps[0].Value)
}

func TestRecordSecurityAction_Outcome(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordSecurityAction(ctx, "wallet_disconnected", "clear_keys", nil)
	RecordSecurityAction(ctx, "wallet_disconnected", "clear_staging", errors.New("boom"))

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "media_cache_security_actions_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "action", "clear_staging") {
			require.True(t, hasAttr(dp.Attributes, "outcome", "error"))
		} else {
			require.True(t, hasAttr(dp.Attributes, "outcome", "success"))
		}
	}
}

func TestGauges(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	UpdateStorageUsage(ctx, 700, 1000)
	UpdateTrackedBuffers(ctx, 4096)
	UpdatePrefetchQueueDepth(ctx, 2)

	rm := collectMetrics(t, reader)

	usage := findGauge(rm, "media_cache_storage_usage_bytes")
	require.Len(t, usage, 1)
	require.EqualValues(t, 700, usage[0].Value)

	quota := findGauge(rm, "media_cache_storage_quota_bytes")
	require.Len(t, quota, 1)
	require.EqualValues(t, 1000, quota[0].Value)

	buffers := findGauge(rm, "media_cache_tracked_buffer_bytes")
	require.Len(t, buffers, 1)
	require.EqualValues(t, 4096, buffers[0].Value)

	depth := findGauge(rm, "media_cache_prefetch_queue_depth")
	require.Len(t, depth, 1)
	require.EqualValues(t, 2, depth[0].Value)
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{206, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{404, "4xx"},
		{416, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
