// Package share manages shared-session codes: a host hands out a short code,
// viewers join against it and follow the host's live stream.
package share

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"drivepulse/services/telemetry/internal/cache"
	"drivepulse/services/telemetry/internal/store"
)

var (
	ErrInactive       = errors.New("shared session is not active")
	ErrExpired        = errors.New("shared session has expired")
	ErrSessionNotLive = errors.New("session is not active")
)

type Store interface {
	GetSession(ctx context.Context, id string) (store.Session, error)
	CreateSharedSession(ctx context.Context, share store.SharedSession) (store.SharedSession, error)
	GetSharedSession(ctx context.Context, code string) (store.SharedSession, error)
	TouchViewer(ctx context.Context, code, clientID string, seenAt time.Time) error
	RemoveViewer(ctx context.Context, code, clientID string) error
	DeactivateSharedSessions(ctx context.Context, sessionID string) ([]string, error)
	ExpireSharedSessions(ctx context.Context, now time.Time) (int, error)
}

type Manager struct {
	store Store
	cache cache.Cache
	ttl   time.Duration
}

func NewManager(s Store, c cache.Cache, ttl time.Duration) *Manager {
	if c == nil {
		c = cache.NewNoopCache()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{store: s, cache: c, ttl: ttl}
}

func newCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Create opens a share for an active session and returns its code.
func (m *Manager) Create(ctx context.Context, sessionID, hostID string) (store.SharedSession, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return store.SharedSession{}, err
	}
	if session.Status != store.StatusActive {
		return store.SharedSession{}, ErrSessionNotLive
	}

	now := time.Now().UTC()
	return m.store.CreateSharedSession(ctx, store.SharedSession{
		Code:      newCode(),
		SessionID: sessionID,
		HostID:    hostID,
		IsActive:  true,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
		Viewers:   map[string]time.Time{},
	})
}

// Join registers a viewer against the share and returns it, so the caller
// can subscribe to the underlying session's stream.
func (m *Manager) Join(ctx context.Context, code, clientID string) (store.SharedSession, error) {
	shared, err := m.lookupLive(ctx, code)
	if err != nil {
		return store.SharedSession{}, err
	}

	if err := m.store.TouchViewer(ctx, code, clientID, time.Now().UTC()); err != nil {
		return store.SharedSession{}, err
	}
	if shared.Viewers == nil {
		shared.Viewers = map[string]time.Time{}
	}
	shared.Viewers[clientID] = time.Now().UTC()
	return shared, nil
}

// Ping refreshes a viewer's last-seen timestamp.
func (m *Manager) Ping(ctx context.Context, code, clientID string) error {
	if _, err := m.lookupLive(ctx, code); err != nil {
		return err
	}
	return m.store.TouchViewer(ctx, code, clientID, time.Now().UTC())
}

func (m *Manager) Leave(ctx context.Context, code, clientID string) error {
	return m.store.RemoveViewer(ctx, code, clientID)
}

func (m *Manager) Get(ctx context.Context, code string) (store.SharedSession, error) {
	return m.store.GetSharedSession(ctx, code)
}

func (m *Manager) lookupLive(ctx context.Context, code string) (store.SharedSession, error) {
	shared, err := m.store.GetSharedSession(ctx, code)
	if err != nil {
		return store.SharedSession{}, err
	}
	if !shared.IsActive {
		return store.SharedSession{}, ErrInactive
	}
	if time.Now().After(shared.ExpiresAt) {
		return store.SharedSession{}, ErrExpired
	}
	return shared, nil
}

// DeactivateForSession flips all shares of a session and pushes a
// deactivation event per code so remote viewers learn the host is gone.
func (m *Manager) DeactivateForSession(ctx context.Context, sessionID string) error {
	codes, err := m.store.DeactivateSharedSessions(ctx, sessionID)
	if err != nil {
		return err
	}

	for _, code := range codes {
		event := cache.SessionEvent{Type: cache.EventShareDeactivate, SessionID: sessionID, Code: code}
		if err := m.cache.PublishEvent(ctx, sessionID, event); err != nil && !errors.Is(err, cache.ErrNotConfigured) {
			log.Printf("share deactivation event failed code=%s err=%v", code, err)
		}
	}
	return nil
}

// Sweep deactivates expired shares. Wired to the cron maintenance schedule.
func (m *Manager) Sweep(ctx context.Context) {
	expired, err := m.store.ExpireSharedSessions(ctx, time.Now().UTC())
	if err != nil {
		log.Printf("share expiry sweep failed: %v", err)
		return
	}
	if expired > 0 {
		log.Printf("share expiry sweep deactivated=%d", expired)
	}
}
