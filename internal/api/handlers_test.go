package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivepulse/services/telemetry/internal/analysis"
	"drivepulse/services/telemetry/internal/buffer"
	"drivepulse/services/telemetry/internal/session"
	"drivepulse/services/telemetry/internal/share"
	"drivepulse/services/telemetry/internal/store"
	"drivepulse/services/telemetry/internal/stream"
)

type memBackend struct {
	mu       sync.Mutex
	sessions map[string]store.Session
	points   map[string][]store.DataPoint
	shares   map[string]store.SharedSession
	analyses map[string]store.AnalysisRecord
}

func newMemBackend() *memBackend {
	return &memBackend{
		sessions: make(map[string]store.Session),
		points:   make(map[string][]store.DataPoint),
		shares:   make(map[string]store.SharedSession),
		analyses: make(map[string]store.AnalysisRecord),
	}
}

func (m *memBackend) Health(context.Context) error { return nil }

func (m *memBackend) CreateSession(_ context.Context, cfg store.SessionConfig, startedAt time.Time) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := store.Session{
		ID:        uuid.NewString(),
		UserID:    cfg.UserID,
		VehicleID: cfg.VehicleID,
		Name:      cfg.Name,
		Status:    store.StatusActive,
		StartedAt: startedAt,
		CreatedAt: startedAt,
	}
	m.sessions[created.ID] = created
	return created, nil
}

func (m *memBackend) GetSession(_ context.Context, id string) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loaded, ok := m.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return loaded, nil
}

func (m *memBackend) UpdateSessionStatus(_ context.Context, id string, from, to store.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loaded, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if loaded.Status != from {
		return fmt.Errorf("%w: now %s", store.ErrStaleStatus, loaded.Status)
	}
	loaded.Status = to
	m.sessions[id] = loaded
	return nil
}

func (m *memBackend) FinishSession(_ context.Context, id string, endedAt time.Time, durationSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loaded, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if loaded.Status != store.StatusActive {
		return fmt.Errorf("%w: now %s", store.ErrStaleStatus, loaded.Status)
	}
	loaded.Status = store.StatusCompleted
	loaded.EndedAt = &endedAt
	loaded.DurationSeconds = durationSeconds
	m.sessions[id] = loaded
	return nil
}

func (m *memBackend) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.points, id)
	return nil
}

func (m *memBackend) InsertDataPoints(_ context.Context, sessionID string, points []store.DataPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[sessionID] = append(m.points[sessionID], points...)
	return nil
}

func (m *memBackend) AddToDataPointCount(_ context.Context, sessionID string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loaded, ok := m.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	loaded.DataPointCount += delta
	m.sessions[sessionID] = loaded
	return nil
}

func (m *memBackend) CountDataPoints(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points[sessionID]), nil
}

func (m *memBackend) RecentDataPoints(_ context.Context, sessionID string, since time.Time, limit int) ([]store.DataPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.points[sessionID]
	out := make([]store.DataPoint, 0, limit)
	for _, point := range stored {
		if point.Timestamp.After(since) {
			out = append(out, point)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memBackend) CreateAnalysisRecord(_ context.Context, record store.AnalysisRecord) (store.AnalysisRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses[record.ID] = record
	return record, nil
}

func (m *memBackend) UpdateAnalysisRecord(_ context.Context, record store.AnalysisRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.analyses[record.ID]; !ok {
		return store.ErrNotFound
	}
	m.analyses[record.ID] = record
	return nil
}

func (m *memBackend) GetAnalysisRecord(_ context.Context, id string) (store.AnalysisRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.analyses[id]
	if !ok {
		return store.AnalysisRecord{}, store.ErrNotFound
	}
	return record, nil
}

func (m *memBackend) ListAnalysisRecords(_ context.Context, sessionID string, kind store.AnalysisKind) ([]store.AnalysisRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.AnalysisRecord, 0)
	for _, record := range m.analyses {
		if record.SessionID != sessionID {
			continue
		}
		if kind != "" && record.Kind != kind {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func (m *memBackend) CreateSharedSession(_ context.Context, shared store.SharedSession) (store.SharedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares[shared.Code] = shared
	return shared, nil
}

func (m *memBackend) GetSharedSession(_ context.Context, code string) (store.SharedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	shared, ok := m.shares[code]
	if !ok {
		return store.SharedSession{}, store.ErrNotFound
	}
	return shared, nil
}

func (m *memBackend) TouchViewer(_ context.Context, code, clientID string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	shared, ok := m.shares[code]
	if !ok {
		return store.ErrNotFound
	}
	if shared.Viewers == nil {
		shared.Viewers = map[string]time.Time{}
	}
	shared.Viewers[clientID] = seenAt
	m.shares[code] = shared
	return nil
}

func (m *memBackend) RemoveViewer(_ context.Context, code, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	shared, ok := m.shares[code]
	if !ok {
		return store.ErrNotFound
	}
	delete(shared.Viewers, clientID)
	m.shares[code] = shared
	return nil
}

func (m *memBackend) DeactivateSharedSessions(_ context.Context, sessionID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	codes := make([]string, 0)
	for code, shared := range m.shares {
		if shared.SessionID == sessionID && shared.IsActive {
			shared.IsActive = false
			m.shares[code] = shared
			codes = append(codes, code)
		}
	}
	return codes, nil
}

func (m *memBackend) ExpireSharedSessions(_ context.Context, now time.Time) (int, error) {
	return 0, nil
}

type stubAnalysisEngine struct{}

func (stubAnalysisEngine) Analyze(_ context.Context, req analysis.Request) (analysis.Result, error) {
	summary, _ := json.Marshal(map[string]string{"sessionId": req.SessionID})
	return analysis.Result{Summary: summary}, nil
}

func newTestServer(t *testing.T, ingestAPIKey string) (*httptest.Server, *memBackend) {
	t.Helper()
	backend := newMemBackend()

	buf := buffer.New(backend, 10, time.Minute)
	hub := stream.NewHub(64, 500)
	runner := analysis.NewRunner(backend, stubAnalysisEngine{}, nil)
	scheduler := analysis.NewScheduler(runner, []time.Duration{time.Hour})
	trigger := analysis.NewTrigger(runner, backend, 5, time.Millisecond)
	shares := share.NewManager(backend, nil, 24*time.Hour)
	sessions := session.NewManager(backend, buf, hub, nil, scheduler, trigger, shares)

	handler := NewHandler(
		backend, sessions, shares, hub, nil, nil, scheduler, buf,
		[]string{"*"}, ingestAPIKey, 200*time.Millisecond, 500, 0, 0,
	)

	server := httptest.NewServer(handler.Router())
	t.Cleanup(server.Close)
	return server, backend
}

func doJSON(t *testing.T, method, url, apiKey string, payload any) (*http.Response, map[string]any) {
	t.Helper()

	body := &bytes.Buffer{}
	if payload != nil {
		require.NoError(t, json.NewEncoder(body).Encode(payload))
	}

	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-Telemetry-Key", apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	decoded := map[string]any{}
	if resp.ContentLength != 0 {
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

func createTestSession(t *testing.T, server *httptest.Server) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/sessions", "", map[string]string{
		"userId":    "u1",
		"vehicleId": "v1",
		"name":      "test drive",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := body["session"].(map[string]any)
	return created["id"].(string)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	server, backend := newTestServer(t, "")
	sessionID := createTestSession(t, server)

	points := make([]map[string]any, 0, 3)
	for i := 0; i < 3; i++ {
		points = append(points, map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"rpm":       float64(800 + i*100),
		})
	}
	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/sessions/"+sessionID+"/data", "", map[string]any{"points": points})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(3), body["accepted"])

	resp, body = doJSON(t, http.MethodGet, server.URL+"/v1/sessions/"+sessionID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	loaded := body["session"].(map[string]any)
	assert.Equal(t, "active", loaded["status"])

	resp, body = doJSON(t, http.MethodPost, server.URL+"/v1/sessions/"+sessionID+"/end", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ended := body["session"].(map[string]any)
	assert.Equal(t, "completed", ended["status"])

	stored, err := backend.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.DataPointCount)

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/v1/sessions/"+sessionID+"/end", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestIngestValidation(t *testing.T) {
	server, _ := newTestServer(t, "")
	sessionID := createTestSession(t, server)

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/v1/sessions/"+sessionID+"/data", "", map[string]any{"points": []any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/v1/sessions/"+uuid.NewString()+"/data", "", map[string]any{
		"points": []map[string]any{{"rpm": 900.0}},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWriteEndpointsRequireKeyWhenConfigured(t *testing.T) {
	server, _ := newTestServer(t, "secret-key")

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/v1/sessions", "", map[string]string{"userId": "u1", "vehicleId": "v1"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/sessions", "secret-key", map[string]string{"userId": "u1", "vehicleId": "v1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sessionID := body["session"].(map[string]any)["id"].(string)

	// Reads stay open.
	resp, _ = doJSON(t, http.MethodGet, server.URL+"/v1/sessions/"+sessionID, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUpdateStatusEndpoint(t *testing.T) {
	server, _ := newTestServer(t, "")
	sessionID := createTestSession(t, server)

	resp, body := doJSON(t, http.MethodPatch, server.URL+"/v1/sessions/"+sessionID+"/status", "", map[string]string{"status": "paused"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paused", body["session"].(map[string]any)["status"])

	resp, _ = doJSON(t, http.MethodPatch, server.URL+"/v1/sessions/"+sessionID+"/status", "", map[string]string{"status": "completed"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPollReturnsBufferedPoints(t *testing.T) {
	server, _ := newTestServer(t, "")
	sessionID := createTestSession(t, server)

	since := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339Nano)
	resp, _ := doJSON(t, http.MethodPost, server.URL+"/v1/sessions/"+sessionID+"/data", "", map[string]any{
		"points": []map[string]any{{"timestamp": time.Now().UTC().Format(time.RFC3339Nano), "speed": 42.0}},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/v1/sessions/"+sessionID+"/poll?since="+since, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	points := body["points"].([]any)
	require.Len(t, points, 1)
	assert.Equal(t, false, body["timedOut"])
}

func TestPollTimesOutEmpty(t *testing.T) {
	server, _ := newTestServer(t, "")
	sessionID := createTestSession(t, server)

	since := time.Now().UTC().Format(time.RFC3339Nano)
	resp, body := doJSON(t, http.MethodGet, server.URL+"/v1/sessions/"+sessionID+"/poll?since="+since, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["timedOut"])
}

func TestShareFlowOverHTTP(t *testing.T) {
	server, _ := newTestServer(t, "")
	sessionID := createTestSession(t, server)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/shares", "", map[string]string{
		"sessionId": sessionID,
		"hostId":    "u1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	code := body["share"].(map[string]any)["code"].(string)
	require.Len(t, code, 8)

	resp, body = doJSON(t, http.MethodPost, server.URL+"/v1/shares/"+code+"/join", "", map[string]string{"clientId": "viewer-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	viewers := body["share"].(map[string]any)["viewers"].(map[string]any)
	assert.Contains(t, viewers, "viewer-1")

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/v1/shares/"+code+"/ping", "", map[string]string{"clientId": "viewer-1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/v1/shares/UNKNOWN1/join", "", map[string]string{"clientId": "viewer-2"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Ending the host session revokes the share.
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/v1/sessions/"+sessionID+"/end", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/v1/shares/"+code+"/join", "", map[string]string{"clientId": "viewer-2"})
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestHealthzAndMetrics(t *testing.T) {
	server, _ := newTestServer(t, "")
	createTestSession(t, server)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	metricsResp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	require.Equal(t, http.StatusOK, metricsResp.StatusCode)

	raw := readAll(t, metricsResp)
	assert.Contains(t, raw, "telemetry_sessions_started_total 1")
	assert.Contains(t, raw, "telemetry_uptime_seconds")
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	buf := &bytes.Buffer{}
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return buf.String()
}
