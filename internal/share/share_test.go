package share

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivepulse/services/telemetry/internal/store"
)

type fakeShareStore struct {
	session store.Session
	shares  map[string]store.SharedSession
}

func newFakeShareStore(status store.SessionStatus) *fakeShareStore {
	return &fakeShareStore{
		session: store.Session{ID: "s1", UserID: "host", Status: status, StartedAt: time.Now().UTC()},
		shares:  make(map[string]store.SharedSession),
	}
}

func (f *fakeShareStore) GetSession(_ context.Context, id string) (store.Session, error) {
	if id != f.session.ID {
		return store.Session{}, store.ErrNotFound
	}
	return f.session, nil
}

func (f *fakeShareStore) CreateSharedSession(_ context.Context, shared store.SharedSession) (store.SharedSession, error) {
	f.shares[shared.Code] = shared
	return shared, nil
}

func (f *fakeShareStore) GetSharedSession(_ context.Context, code string) (store.SharedSession, error) {
	shared, ok := f.shares[code]
	if !ok {
		return store.SharedSession{}, store.ErrNotFound
	}
	return shared, nil
}

func (f *fakeShareStore) TouchViewer(_ context.Context, code, clientID string, seenAt time.Time) error {
	shared, ok := f.shares[code]
	if !ok {
		return store.ErrNotFound
	}
	if shared.Viewers == nil {
		shared.Viewers = map[string]time.Time{}
	}
	shared.Viewers[clientID] = seenAt
	f.shares[code] = shared
	return nil
}

func (f *fakeShareStore) RemoveViewer(_ context.Context, code, clientID string) error {
	shared, ok := f.shares[code]
	if !ok {
		return store.ErrNotFound
	}
	delete(shared.Viewers, clientID)
	f.shares[code] = shared
	return nil
}

func (f *fakeShareStore) DeactivateSharedSessions(_ context.Context, sessionID string) ([]string, error) {
	codes := make([]string, 0)
	for code, shared := range f.shares {
		if shared.SessionID == sessionID && shared.IsActive {
			shared.IsActive = false
			f.shares[code] = shared
			codes = append(codes, code)
		}
	}
	return codes, nil
}

func (f *fakeShareStore) ExpireSharedSessions(_ context.Context, now time.Time) (int, error) {
	expired := 0
	for code, shared := range f.shares {
		if shared.IsActive && !shared.ExpiresAt.After(now) {
			shared.IsActive = false
			f.shares[code] = shared
			expired++
		}
	}
	return expired, nil
}

func TestCreateIssuesEightCharCode(t *testing.T) {
	fs := newFakeShareStore(store.StatusActive)
	m := NewManager(fs, nil, 24*time.Hour)

	shared, err := m.Create(context.Background(), "s1", "host")
	require.NoError(t, err)

	assert.Len(t, shared.Code, 8)
	assert.Equal(t, strings.ToUpper(shared.Code), shared.Code)
	assert.True(t, shared.IsActive)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), shared.ExpiresAt, 5*time.Second)
}

func TestCreateRejectsNonActiveSession(t *testing.T) {
	for _, status := range []store.SessionStatus{store.StatusPaused, store.StatusCompleted, store.StatusCancelled} {
		fs := newFakeShareStore(status)
		m := NewManager(fs, nil, time.Hour)
		_, err := m.Create(context.Background(), "s1", "host")
		require.ErrorIs(t, err, ErrSessionNotLive, "status %s", status)
	}
}

func TestJoinPingLeaveViewerLifecycle(t *testing.T) {
	fs := newFakeShareStore(store.StatusActive)
	m := NewManager(fs, nil, time.Hour)
	ctx := context.Background()

	shared, err := m.Create(ctx, "s1", "host")
	require.NoError(t, err)

	joined, err := m.Join(ctx, shared.Code, "viewer-1")
	require.NoError(t, err)
	assert.Contains(t, joined.Viewers, "viewer-1")

	require.NoError(t, m.Ping(ctx, shared.Code, "viewer-1"))
	require.NoError(t, m.Leave(ctx, shared.Code, "viewer-1"))

	stored, err := m.Get(ctx, shared.Code)
	require.NoError(t, err)
	assert.NotContains(t, stored.Viewers, "viewer-1")
}

func TestJoinExpiredShareFails(t *testing.T) {
	fs := newFakeShareStore(store.StatusActive)
	m := NewManager(fs, nil, time.Hour)
	ctx := context.Background()

	shared, err := m.Create(ctx, "s1", "host")
	require.NoError(t, err)

	stale := fs.shares[shared.Code]
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	fs.shares[shared.Code] = stale

	_, err = m.Join(ctx, shared.Code, "viewer-1")
	require.ErrorIs(t, err, ErrExpired)
}

func TestJoinDeactivatedShareFails(t *testing.T) {
	fs := newFakeShareStore(store.StatusActive)
	m := NewManager(fs, nil, time.Hour)
	ctx := context.Background()

	shared, err := m.Create(ctx, "s1", "host")
	require.NoError(t, err)

	require.NoError(t, m.DeactivateForSession(ctx, "s1"))

	_, err = m.Join(ctx, shared.Code, "viewer-1")
	require.ErrorIs(t, err, ErrInactive)
	require.ErrorIs(t, m.Ping(ctx, shared.Code, "viewer-1"), ErrInactive)
}

func TestSweepDeactivatesOnlyExpired(t *testing.T) {
	fs := newFakeShareStore(store.StatusActive)
	m := NewManager(fs, nil, time.Hour)
	ctx := context.Background()

	fresh, err := m.Create(ctx, "s1", "host")
	require.NoError(t, err)
	expired, err := m.Create(ctx, "s1", "host")
	require.NoError(t, err)

	stale := fs.shares[expired.Code]
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	fs.shares[expired.Code] = stale

	m.Sweep(ctx)

	assert.True(t, fs.shares[fresh.Code].IsActive)
	assert.False(t, fs.shares[expired.Code].IsActive)
}
