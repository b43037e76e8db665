package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/media/video-1", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsCacheResultToBypass(t *testing.T) {
	tags := GetTags(newTaggedRequest())
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
	require.Empty(t, tags.Route)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetters(t *testing.T) {
	r := newTaggedRequest()
	SetRoute(r, "media")
	SetCacheResult(r, CacheHit)
	SetObjectID(r, "video-1")

	tags := GetTags(r)
	require.Equal(t, "media", tags.Route)
	require.Equal(t, CacheHit, tags.CacheResult)
	require.Equal(t, "video-1", tags.ObjectID)
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.NotPanics(t, func() {
		SetRoute(r, "media")
		SetCacheResult(r, CacheMiss)
		SetObjectID(r, "x")
	})
}

func TestSourceContext(t *testing.T) {
	ctx := context.Background()
	require.Empty(t, SourceFromContext(ctx))

	ctx = WithSource(ctx, SourcePrefetch)
	require.Equal(t, SourcePrefetch, SourceFromContext(ctx))
}
