package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	mediacache "github.com/wolfeidau/media-cache"
)

func TestHTTPUnwrapper(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req unwrapRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch req.AuthContext {
		case "valid":
			_ = json.NewEncoder(w).Encode(unwrapResponse{Key: testKey, IV: testIV})
		case "stale":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	u := NewHTTPUnwrapper(srv.URL)
	ctx := context.Background()

	key, iv, err := u.Unwrap(ctx, wrapped, "valid")
	require.NoError(t, err)
	require.Equal(t, testKey, key)
	require.Equal(t, testIV, iv)

	_, _, err = u.Unwrap(ctx, wrapped, "stale")
	require.ErrorIs(t, err, mediacache.ErrSessionExpired)

	_, _, err = u.Unwrap(ctx, wrapped, "other")
	require.ErrorIs(t, err, mediacache.ErrUnauthorized)
}
