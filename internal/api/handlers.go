// Package api exposes the HTTP surface: session lifecycle, batch ingest,
// live streaming (SSE and long-poll), analysis results, and shared-session
// codes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"drivepulse/services/telemetry/internal/analysis"
	"drivepulse/services/telemetry/internal/artifacts"
	"drivepulse/services/telemetry/internal/buffer"
	"drivepulse/services/telemetry/internal/cache"
	"drivepulse/services/telemetry/internal/session"
	"drivepulse/services/telemetry/internal/share"
	"drivepulse/services/telemetry/internal/store"
	"drivepulse/services/telemetry/internal/stream"
)

// Store is the subset of the persistence layer the handlers read directly.
// Writes all go through the session, share, and analysis components.
type Store interface {
	Health(ctx context.Context) error
	RecentDataPoints(ctx context.Context, sessionID string, since time.Time, limit int) ([]store.DataPoint, error)
	ListAnalysisRecords(ctx context.Context, sessionID string, kind store.AnalysisKind) ([]store.AnalysisRecord, error)
	GetAnalysisRecord(ctx context.Context, id string) (store.AnalysisRecord, error)
}

type requestContextKey string

const keyAuthenticatedContext = requestContextKey("key_authenticated")

type Handler struct {
	store              Store
	sessions           *session.Manager
	shares             *share.Manager
	hub                *stream.Hub
	cache              cache.Cache
	artifactStore      artifacts.Store
	scheduler          *analysis.Scheduler
	corsAllowedOrigins []string
	ingestAPIKey       string
	pollTimeout        time.Duration
	recentLimit        int
	rateLimiter        *ingestRateLimiter
	metrics            *apiMetrics
}

func NewHandler(
	s Store,
	sessions *session.Manager,
	shares *share.Manager,
	hub *stream.Hub,
	c cache.Cache,
	artifactStore artifacts.Store,
	scheduler *analysis.Scheduler,
	buf *buffer.Buffer,
	corsAllowedOrigins []string,
	ingestAPIKey string,
	pollTimeout time.Duration,
	recentLimit int,
	rateLimitRequestsPerSec float64,
	rateLimitBurst int,
) *Handler {
	if c == nil {
		c = cache.NewNoopCache()
	}
	if artifactStore == nil {
		artifactStore = artifacts.NewNoopStore()
	}
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	if recentLimit <= 0 {
		recentLimit = 500
	}

	metrics := newAPIMetrics(buf)
	return &Handler{
		store:              s,
		sessions:           sessions,
		shares:             shares,
		hub:                hub,
		cache:              c,
		artifactStore:      artifactStore,
		scheduler:          scheduler,
		corsAllowedOrigins: corsAllowedOrigins,
		ingestAPIKey:       ingestAPIKey,
		pollTimeout:        pollTimeout,
		recentLimit:        recentLimit,
		rateLimiter:        newIngestRateLimiter(rateLimitRequestsPerSec, rateLimitBurst, func() { metrics.rateLimitedTotal.Add(1) }),
		metrics:            metrics,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if h.rateLimiter != nil {
		r.Use(h.rateLimiter.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Telemetry-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.healthz)
	r.Get("/metrics", h.metrics.handleMetrics)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.withKeyContext)

			r.With(h.requireWriteAccess).Post("/sessions", h.createSession)
			r.Get("/sessions/{sessionID}", h.getSession)
			r.With(h.requireWriteAccess).Post("/sessions/{sessionID}/end", h.endSession)
			r.With(h.requireWriteAccess).Patch("/sessions/{sessionID}/status", h.updateSessionStatus)
			r.With(h.requireWriteAccess).Delete("/sessions/{sessionID}", h.deleteSession)
			r.With(h.requireWriteAccess).Post("/sessions/{sessionID}/data", h.ingestData)

			r.Get("/sessions/{sessionID}/stream", h.streamSession)
			r.Get("/sessions/{sessionID}/poll", h.pollSession)
			r.Get("/sessions/{sessionID}/recent", h.recentPoints)

			r.Get("/sessions/{sessionID}/analyses", h.listAnalyses)
			r.Get("/sessions/{sessionID}/analyses/intervals", h.intervalResults)
			r.Get("/analyses/{analysisID}", h.getAnalysis)
			r.Get("/analyses/{analysisID}/artifacts/{artifactType}", h.getAnalysisArtifact)

			r.With(h.requireWriteAccess).Post("/shares", h.createShare)
			r.Get("/shares/{code}", h.getShare)
			r.Post("/shares/{code}/join", h.joinShare)
			r.Post("/shares/{code}/ping", h.pingShare)
			r.Post("/shares/{code}/leave", h.leaveShare)
		})
	})

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
		return
	}

	status := map[string]string{"status": "ok", "cache": "ok"}
	if err := h.cache.Health(r.Context()); err != nil {
		// The cache is a fast path, not a dependency; report but stay up.
		status["cache"] = "down"
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	payload := store.SessionConfig{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	if strings.TrimSpace(payload.UserID) == "" || strings.TrimSpace(payload.VehicleID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "userId and vehicleId are required"})
		return
	}

	created, err := h.sessions.Start(r.Context(), payload)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "session creation failed"})
		return
	}

	h.metrics.sessionsStartedTotal.Add(1)
	writeJSON(w, http.StatusCreated, map[string]any{"session": created})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	loaded, err := h.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": loaded})
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	ended, err := h.sessions.End(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeLookupError(w, err)
		return
	}

	h.metrics.sessionsEndedTotal.Add(1)
	writeJSON(w, http.StatusOK, map[string]any{"session": ended})
}

type updateStatusRequest struct {
	Status store.SessionStatus `json:"status"`
}

func (h *Handler) updateSessionStatus(w http.ResponseWriter, r *http.Request) {
	payload := updateStatusRequest{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if err := h.sessions.UpdateStatus(r.Context(), sessionID, payload.Status); err != nil {
		writeLookupError(w, err)
		return
	}

	updated, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": updated})
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type ingestDataRequest struct {
	Points []store.DataPoint `json:"points"`
}

func (h *Handler) ingestData(w http.ResponseWriter, r *http.Request) {
	payload := ingestDataRequest{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if len(payload.Points) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "points are required"})
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if err := h.sessions.Ingest(r.Context(), sessionID, payload.Points); err != nil {
		writeLookupError(w, err)
		return
	}

	h.metrics.ingestPointsTotal.Add(int64(len(payload.Points)))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"sessionId": sessionID,
		"accepted":  len(payload.Points),
	})
}

// streamSession pushes live data points over server-sent events until the
// client disconnects or the session ends.
func (h *Handler) streamSession(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.sessions.Get(r.Context(), sessionID); err != nil {
		writeLookupError(w, err)
		return
	}

	events, unsubscribe := h.hub.Subscribe(sessionID)
	defer unsubscribe()
	h.metrics.streamSessionsTotal.Add(1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			body, err := json.Marshal(event)
			if err != nil {
				log.Printf("stream encode failed session=%s err=%v", sessionID, err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, body)
			flusher.Flush()
			if event.Type == stream.EventSessionEnded {
				return
			}
		}
	}
}

// pollSession is the long-poll fallback for clients that cannot hold an SSE
// stream. An empty timed-out result is a normal response, not an error.
func (h *Handler) pollSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.sessions.Get(r.Context(), sessionID); err != nil {
		writeLookupError(w, err)
		return
	}

	since := time.Time{}
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be an RFC3339 timestamp"})
			return
		}
		since = parsed
	}

	limit := h.recentLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	h.metrics.pollRequestsTotal.Add(1)
	result := h.hub.WaitSince(r.Context(), sessionID, since, limit, h.pollTimeout)
	writeJSON(w, http.StatusOK, result)
}

// recentPoints serves the fast-path cache, falling back to the durable store
// when the cache is unavailable.
func (h *Handler) recentPoints(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.sessions.Get(r.Context(), sessionID); err != nil {
		writeLookupError(w, err)
		return
	}

	points, err := h.cache.Recent(r.Context(), sessionID, h.recentLimit)
	if err != nil {
		if !errors.Is(err, cache.ErrNotConfigured) {
			log.Printf("recent cache read failed session=%s err=%v", sessionID, err)
		}
		points, err = h.store.RecentDataPoints(r.Context(), sessionID, time.Time{}, h.recentLimit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "recent points lookup failed"})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"points":    points,
	})
}

func (h *Handler) listAnalyses(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	kind := store.AnalysisKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	if kind != "" && kind != store.AnalysisInterval && kind != store.AnalysisFinal {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind must be interval or final"})
		return
	}

	records, err := h.store.ListAnalysisRecords(r.Context(), sessionID, kind)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "analyses lookup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"analyses": records})
}

func (h *Handler) intervalResults(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	results, err := h.scheduler.IntervalResults(r.Context(), sessionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "interval results lookup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"intervals": results,
	})
}

func (h *Handler) getAnalysis(w http.ResponseWriter, r *http.Request) {
	record, err := h.store.GetAnalysisRecord(r.Context(), chi.URLParam(r, "analysisID"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"analysis": record})
}

func (h *Handler) getAnalysisArtifact(w http.ResponseWriter, r *http.Request) {
	artifactType := strings.TrimSpace(chi.URLParam(r, "artifactType"))
	if artifactType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "artifactType is required"})
		return
	}

	record, err := h.store.GetAnalysisRecord(r.Context(), chi.URLParam(r, "analysisID"))
	if err != nil {
		writeLookupError(w, err)
		return
	}

	artifact, found := findArtifactByType(record.Artifacts, artifactType)
	if !found || strings.TrimSpace(artifact.ObjectKey) == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "artifact not found"})
		return
	}

	content, contentType, err := h.artifactStore.LoadObject(r.Context(), artifact.ObjectKey)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotConfigured) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "artifact store unavailable"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "unable to load artifact"})
		return
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=60")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

type createShareRequest struct {
	SessionID string `json:"sessionId"`
	HostID    string `json:"hostId"`
}

func (h *Handler) createShare(w http.ResponseWriter, r *http.Request) {
	payload := createShareRequest{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if strings.TrimSpace(payload.SessionID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sessionId is required"})
		return
	}

	created, err := h.shares.Create(r.Context(), payload.SessionID, payload.HostID)
	if err != nil {
		writeLookupError(w, err)
		return
	}

	h.metrics.sharesCreatedTotal.Add(1)
	writeJSON(w, http.StatusCreated, map[string]any{"share": created})
}

func (h *Handler) getShare(w http.ResponseWriter, r *http.Request) {
	shared, err := h.shares.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"share": shared})
}

type shareViewerRequest struct {
	ClientID string `json:"clientId"`
}

func (h *Handler) joinShare(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeViewerRequest(w, r)
	if !ok {
		return
	}

	joined, err := h.shares.Join(r.Context(), chi.URLParam(r, "code"), payload.ClientID)
	if err != nil {
		writeLookupError(w, err)
		return
	}

	h.metrics.shareJoinsTotal.Add(1)
	writeJSON(w, http.StatusOK, map[string]any{"share": joined})
}

func (h *Handler) pingShare(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeViewerRequest(w, r)
	if !ok {
		return
	}

	if err := h.shares.Ping(r.Context(), chi.URLParam(r, "code"), payload.ClientID); err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) leaveShare(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeViewerRequest(w, r)
	if !ok {
		return
	}

	if err := h.shares.Leave(r.Context(), chi.URLParam(r, "code"), payload.ClientID); err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeViewerRequest(w http.ResponseWriter, r *http.Request) (shareViewerRequest, bool) {
	payload := shareViewerRequest{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return payload, false
	}
	if strings.TrimSpace(payload.ClientID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "clientId is required"})
		return payload, false
	}
	return payload, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, session.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, share.ErrSessionNotLive):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session is not active"})
	case errors.Is(err, share.ErrInactive):
		writeJSON(w, http.StatusGone, map[string]string{"error": "shared session is not active"})
	case errors.Is(err, share.ErrExpired):
		writeJSON(w, http.StatusGone, map[string]string{"error": "shared session has expired"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
	}
}

func findArtifactByType(items []store.AnalysisArtifact, artifactType string) (store.AnalysisArtifact, bool) {
	for _, artifact := range items {
		if artifact.Type == artifactType {
			return artifact, true
		}
	}
	return store.AnalysisArtifact{}, false
}

func (h *Handler) withKeyContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := strings.TrimSpace(r.Header.Get("X-Telemetry-Key"))
		authenticated := strings.TrimSpace(h.ingestAPIKey) != "" && provided == h.ingestAPIKey

		ctx := context.WithValue(r.Context(), keyAuthenticatedContext, authenticated)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) requireWriteAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(h.ingestAPIKey) == "" {
			next.ServeHTTP(w, r)
			return
		}

		if authenticated, ok := r.Context().Value(keyAuthenticatedContext).(bool); ok && authenticated {
			next.ServeHTTP(w, r)
			return
		}

		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	})
}
