package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/media-cache/credentials"
	"github.com/wolfeidau/media-cache/exchange"
	"github.com/wolfeidau/media-cache/pipeline"
	"github.com/wolfeidau/media-cache/prefetch"
	"github.com/wolfeidau/media-cache/security"
	"github.com/wolfeidau/media-cache/strategy"
)

var (
	testKey = bytes.Repeat([]byte{0x5a}, credentials.KeySize)
	testIV  = bytes.Repeat([]byte{0x0c}, credentials.IVSize)
)

type testServer struct {
	srv    *Server
	http   *httptest.Server
	plain  []byte
	remote *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	plain := make([]byte, 4096)
	for i := range plain {
		plain[i] = byte(i % 251)
	}
	ciphertext, err := pipeline.Encrypt(testKey, testIV, plain)
	require.NoError(t, err)

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/video-1" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(ciphertext)
	}))
	t.Cleanup(remote.Close)

	keyService := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AuthContext map[string]string `json:"authContext"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AuthContext["signature"] != "signed" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string][]byte{"key": testKey, "iv": testIV})
	}))
	t.Cleanup(keyService.Close)

	srv, err := New(Config{
		StoragePath:   t.TempDir(),
		RemoteURL:     remote.URL,
		KeyServiceURL: keyService.URL,
		AppVersion:    "test",
		Capabilities:  strategy.Capabilities{DeviceMemory: 1 << 30, StagingAvailable: true},
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{srv: srv, http: ts, plain: plain, remote: remote}
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.http.URL+path, body)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (ts *testServer) play(t *testing.T, authCtx string) *http.Response {
	t.Helper()
	body := `{"object_id":"video-1","owner":"0xABC","wrapped_key":"d3JhcHBlZA==","mime_type":"video/mp4"`
	if authCtx != "" {
		body += `,"auth_context":` + authCtx
	}
	return ts.do(t, http.MethodPost, "/play", strings.NewReader(body+"}"))
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestPlayRequiresSession(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.play(t, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[errorBody](t, resp)
	require.Equal(t, "Your session has expired. Please sign in again.", body.Message)
}

func TestPlayThenServeRange(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.play(t, `{"signature":"signed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pb := decode[pipeline.Playback](t, resp)
	require.Equal(t, "/media/video-1", pb.Path)
	require.Equal(t, int64(len(ts.plain)), pb.Size)
	require.False(t, pb.FromCache)

	media := ts.do(t, http.MethodGet, pb.Path, nil, "Range", "bytes=100-199")
	require.Equal(t, http.StatusPartialContent, media.StatusCode)
	got, err := io.ReadAll(media.Body)
	require.NoError(t, err)
	require.Equal(t, ts.plain[100:200], got)

	// Served from cache the second time, without a session.
	again := ts.do(t, http.MethodPost, "/play",
		strings.NewReader(`{"object_id":"video-1","owner":"0xabc","wrapped_key":"d3JhcHBlZA=="}`))
	require.Equal(t, http.StatusOK, again.StatusCode)
	require.True(t, decode[pipeline.Playback](t, again).FromCache)

	stats := decode[statsResponse](t, ts.do(t, http.MethodGet, "/stats", nil))
	require.Equal(t, 1, stats.Content.Entries)
	require.Equal(t, 1, stats.CachedKeys)

	session := decode[sessionStatus](t, ts.do(t, http.MethodGet, "/session/0xABC", nil))
	require.True(t, session.Active)
	require.True(t, session.Restorable)
	require.Equal(t, "0xabc", session.Address)
}

func TestPlayUnknownObject(t *testing.T) {
	ts := newTestServer(t)

	body := `{"object_id":"missing","owner":"0xabc","wrapped_key":"d3JhcHBlZA==","auth_context":{"signature":"signed"}}`
	resp := ts.do(t, http.MethodPost, "/play", strings.NewReader(body))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPlayRejectsBadBody(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/play", strings.NewReader(`{"object_id":`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/play", strings.NewReader(`{"object_id":"../etc","wrapped_key":"eA=="}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExportClearImport(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.play(t, `{"signature":"signed"}`).StatusCode)

	export := ts.do(t, http.MethodGet, "/export?wallet=0xabc&compress=true", nil)
	require.Equal(t, http.StatusOK, export.StatusCode)
	require.Equal(t, "application/zstd", export.Header.Get("Content-Type"))
	raw, err := io.ReadAll(export.Body)
	require.NoError(t, err)
	doc, err := exchange.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, 1, doc.VideoCount)

	clearResp := ts.do(t, http.MethodPost, "/security/clear-all", nil)
	require.Equal(t, http.StatusOK, clearResp.StatusCode)
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/media/video-1", nil).StatusCode)

	mismatch := ts.do(t, http.MethodPost, "/import?wallet=0xdef", bytes.NewReader(raw))
	require.Equal(t, http.StatusConflict, mismatch.StatusCode)

	imported := ts.do(t, http.MethodPost, "/import?wallet=0xABC", bytes.NewReader(raw))
	require.Equal(t, http.StatusOK, imported.StatusCode)
	require.Equal(t, 1, decode[exchange.ImportResult](t, imported).Imported)

	media := ts.do(t, http.MethodGet, "/media/video-1", nil)
	require.Equal(t, http.StatusOK, media.StatusCode)
	got, err := io.ReadAll(media.Body)
	require.NoError(t, err)
	require.Equal(t, ts.plain, got)

	garbage := ts.do(t, http.MethodPost, "/import?wallet=0xabc", strings.NewReader("not a document"))
	require.Equal(t, http.StatusBadRequest, garbage.StatusCode)
}

func TestExportRequiresWallet(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/export", nil).StatusCode)
}

func TestSecurityEvents(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.play(t, `{"signature":"signed"}`).StatusCode)

	resp := ts.do(t, http.MethodPost, "/security/disconnect?address=0xabc", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, security.EventWalletDisconnect, decode[security.Report](t, resp).Event)

	require.Zero(t, ts.srv.keys.Len())
	require.False(t, ts.srv.sessions.HasSession(context.Background(), "0xabc"))
	// Content survives a disconnect unless configured otherwise.
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/media/video-1", nil).StatusCode)

	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/security/reboot", nil).StatusCode)
}

func TestPrefetchEndpoints(t *testing.T) {
	ts := newTestServer(t)

	body := `{"object_id":"video-1","owner":"0xabc","encrypted":true,"wrapped_key":"d3JhcHBlZA==","priority":1}`
	resp := ts.do(t, http.MethodPost, "/prefetch", strings.NewReader(body))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	item := decode[prefetch.Item](t, resp)
	require.Equal(t, prefetch.StateQueued, item.State)
	require.Equal(t, credentials.KeyID([]byte("wrapped")), item.KeyID)

	dup := ts.do(t, http.MethodPost, "/prefetch", strings.NewReader(body))
	require.Equal(t, http.StatusConflict, dup.StatusCode)

	notEncrypted := ts.do(t, http.MethodPost, "/prefetch", strings.NewReader(`{"object_id":"video-2","owner":"0xabc"}`))
	require.Equal(t, http.StatusBadRequest, notEncrypted.StatusCode)

	items := decode[[]prefetch.Item](t, ts.do(t, http.MethodGet, "/prefetch", nil))
	require.Len(t, items, 1)

	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/prefetch/"+item.Token, nil).StatusCode)
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/prefetch/unknown", nil).StatusCode)
}

func TestEnvironmentReport(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPut, "/environment",
		strings.NewReader(`{"connection":{"effective_type":"4g"},"battery":{"level":0.1,"charging":false}}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "battery low", decode[map[string]string](t, resp)["blocked"])
}

func TestVisibilityAndSession(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPut, "/session/0xabc", strings.NewReader(`{"auth_context":{"signature":"signed"}}`))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.True(t, ts.srv.sessions.HasSession(context.Background(), "0xABC"))

	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/visibility?hidden=true", nil).StatusCode)
	require.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/visibility?hidden=maybe", nil).StatusCode)
}

func TestEvictAndHealth(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil).StatusCode)

	resp := ts.do(t, http.MethodPost, "/evict", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, ts.srv.evictionMgr.LastResult())
}

func TestNewRequiresRemote(t *testing.T) {
	_, err := New(Config{StoragePath: t.TempDir()})
	require.Error(t, err)
}

func TestDeriveRoute(t *testing.T) {
	ts := newTestServer(t)

	tests := map[string]string{
		"/health":              "internal",
		"/media/video-1":       "media",
		"/play":                "play",
		"/prefetch/abc":        "prefetch",
		"/environment":         "prefetch",
		"/session/0xabc":       "session",
		"/security/disconnect": "security",
		"/export":              "maintenance",
		"/elsewhere":           "unknown",
	}
	for path, want := range tests {
		require.Equal(t, want, ts.srv.deriveRoute(path), path)
	}
}
