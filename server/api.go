package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/credentials"
	"github.com/wolfeidau/media-cache/exchange"
	"github.com/wolfeidau/media-cache/pipeline"
	"github.com/wolfeidau/media-cache/prefetch"
	"github.com/wolfeidau/media-cache/security"
	"github.com/wolfeidau/media-cache/telemetry"
)

const (
	// maxJSONBody bounds control-plane request bodies.
	maxJSONBody = 1 << 20

	// statusClientClosedRequest is logged when the caller went away.
	statusClientClosedRequest = 499
)

type playRequest struct {
	ObjectID   string `json:"object_id"`
	Owner      string `json:"owner"`
	WrappedKey []byte `json:"wrapped_key"`
	Location   string `json:"location,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
	// AuthContext is cached as the owner's session before the key is
	// unwrapped.
	AuthContext json.RawMessage `json:"auth_context,omitempty"`
}

// handlePlay makes an object playable and returns its gateway path.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	telemetry.SetObjectID(r, req.ObjectID)

	if len(req.AuthContext) > 0 && req.Owner != "" {
		s.sessions.Set(r.Context(), req.Owner, req.AuthContext, 0)
	}

	pb, err := s.pipeline.Play(r.Context(), pipeline.PlayRequest{
		ObjectID:   req.ObjectID,
		Owner:      req.Owner,
		WrappedKey: req.WrappedKey,
		Location:   req.Location,
		MimeType:   req.MimeType,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if pb.FromCache {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}
	writeJSON(w, http.StatusOK, pb)
}

type prefetchRequest struct {
	ObjectID   string `json:"object_id"`
	Owner      string `json:"owner"`
	Encrypted  bool   `json:"encrypted"`
	KeyID      string `json:"key_id,omitempty"`
	WrappedKey []byte `json:"wrapped_key,omitempty"`
	Location   string `json:"location,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	Priority   int    `json:"priority"`
}

func (s *Server) handlePrefetchEnqueue(w http.ResponseWriter, r *http.Request) {
	var req prefetchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	telemetry.SetObjectID(r, req.ObjectID)

	keyID := req.KeyID
	if keyID == "" && len(req.WrappedKey) > 0 {
		keyID = credentials.KeyID(req.WrappedKey)
	}

	item, err := s.prefetch.Enqueue(r.Context(), prefetch.Request{
		ObjectID:  req.ObjectID,
		Owner:     req.Owner,
		Encrypted: req.Encrypted,
		KeyID:     keyID,
		Location:  req.Location,
		MimeType:  req.MimeType,
	}, req.Priority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) handlePrefetchList(w http.ResponseWriter, r *http.Request) {
	s.prefetch.Compact()
	writeJSON(w, http.StatusOK, s.prefetch.Items())
}

func (s *Server) handlePrefetchCancel(w http.ResponseWriter, r *http.Request) {
	if !s.prefetch.Cancel(r.PathValue("id")) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no active prefetch for that id"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePrefetchCancelAll(w http.ResponseWriter, r *http.Request) {
	s.prefetch.CancelAll()
	w.WriteHeader(http.StatusNoContent)
}

type environmentReport struct {
	Connection struct {
		SaveData      bool    `json:"save_data"`
		EffectiveType string  `json:"effective_type"`
		Cellular      bool    `json:"cellular"`
		DownlinkMbps  float64 `json:"downlink_mbps"`
	} `json:"connection"`
	Battery *struct {
		Level    float64 `json:"level"`
		Charging bool    `json:"charging"`
	} `json:"battery,omitempty"`
}

// handleEnvironment records the client's network and power conditions,
// which gate background prefetching.
func (s *Server) handleEnvironment(w http.ResponseWriter, r *http.Request) {
	var rep environmentReport
	if !decodeJSON(w, r, &rep) {
		return
	}

	conn := prefetch.Connection{
		SaveData:      rep.Connection.SaveData,
		EffectiveType: rep.Connection.EffectiveType,
		Cellular:      rep.Connection.Cellular,
		DownlinkMbps:  rep.Connection.DownlinkMbps,
	}
	var power prefetch.Battery
	if rep.Battery != nil {
		power = prefetch.Battery{Known: true, Level: rep.Battery.Level, Charging: rep.Battery.Charging}
	}
	s.environment.Report(conn, power)

	writeJSON(w, http.StatusOK, map[string]string{"blocked": s.environment.Blocked()})
}

type sessionStatus struct {
	Address    string `json:"address"`
	Active     bool   `json:"active"`
	Restorable bool   `json:"restorable"`
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	writeJSON(w, http.StatusOK, sessionStatus{
		Address:    credentials.NormalizeAddress(addr),
		Active:     s.sessions.HasSession(r.Context(), addr),
		Restorable: s.sessions.HasMirror(r.Context(), addr),
	})
}

type sessionRequest struct {
	AuthContext json.RawMessage `json:"auth_context"`
	TTLSeconds  int64           `json:"ttl_seconds,omitempty"`
}

// handleSessionSet caches a signed auth context for an address.
func (s *Server) handleSessionSet(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.AuthContext) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "auth_context is required"})
		return
	}

	addr := r.PathValue("address")
	s.sessions.Set(r.Context(), addr, req.AuthContext, time.Duration(req.TTLSeconds)*time.Second)
	w.WriteHeader(http.StatusNoContent)
}

// handleVisibility forwards host visibility changes to the key cache.
func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	hidden, err := strconv.ParseBool(r.URL.Query().Get("hidden"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "hidden must be true or false"})
		return
	}
	s.keys.HandleVisibility(hidden)
	w.WriteHeader(http.StatusNoContent)
}

// handleSecurityEvent runs the cleanup for a wallet or session event.
func (s *Server) handleSecurityEvent(w http.ResponseWriter, r *http.Request) {
	event, err := security.ParseEvent(r.PathValue("event"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}

	report, err := s.security.Handle(r.Context(), event, r.URL.Query().Get("address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if !report.OK() {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, report)
}

// handleEvict runs an eviction sweep now.
func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.evictionMgr.RunOnce(r.Context()))
}

// handleExport streams an export document for the wallet.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	compress, _ := strconv.ParseBool(q.Get("compress"))

	doc, err := exchange.Export(r.Context(), s.content, exchange.ExportOptions{
		Wallet:     q.Get("wallet"),
		AppVersion: s.config.AppVersion,
		Logger:     s.logger,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	name := fmt.Sprintf("media-cache-%s.json", doc.ExportedAt.UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "application/json")
	if compress {
		name += ".zst"
		w.Header().Set("Content-Type", "application/zstd")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))

	if err := exchange.Encode(w, doc, compress); err != nil {
		s.logger.Error("failed to write export", "error", err)
	}
}

// handleImport restores an export document into the cache.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	// Documents carry base64 payloads, so allow headroom over the quota.
	limit := s.config.Content.Quota*2 + maxJSONBody
	doc, err := exchange.Decode(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := exchange.Import(r.Context(), s.content, doc, r.URL.Query().Get("wallet"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError maps err onto a status and writes it with a message fit to
// show the user.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Message: mediacache.UserMessage(err)})
}

// statusFor maps package and root sentinels to HTTP statuses.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, exchange.ErrInvalidDocument),
		errors.Is(err, prefetch.ErrNotEligible),
		errors.Is(err, mediacache.ErrInvalidObjectID):
		return http.StatusBadRequest
	case errors.Is(err, prefetch.ErrAlreadyQueued),
		errors.Is(err, prefetch.ErrAlreadyCached),
		errors.Is(err, mediacache.ErrWalletMismatch):
		return http.StatusConflict
	case errors.Is(err, prefetch.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, prefetch.ErrDisabled),
		errors.Is(err, mediacache.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, mediacache.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, mediacache.ErrSessionExpired),
		errors.Is(err, mediacache.ErrUserRejected):
		return http.StatusUnauthorized
	case errors.Is(err, mediacache.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, mediacache.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, prefetch.ErrStoragePressure),
		errors.Is(err, mediacache.ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, mediacache.ErrNetwork),
		errors.Is(err, mediacache.ErrCorrupted):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
