// Package session owns diagnostic session state transitions and coordinates
// the buffer, scheduler, stream hub, and sharing lifecycle at session
// boundaries. The Manager is the one process-wide registry of live session
// state; it is constructed once at startup and passed to the API layer, so
// there is no hidden module-level state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"drivepulse/services/telemetry/internal/analysis"
	"drivepulse/services/telemetry/internal/buffer"
	"drivepulse/services/telemetry/internal/cache"
	"drivepulse/services/telemetry/internal/share"
	"drivepulse/services/telemetry/internal/store"
	"drivepulse/services/telemetry/internal/stream"
)

// ErrInvalidTransition rejects state changes the session lifecycle does not
// permit, such as ending a session twice.
var ErrInvalidTransition = errors.New("invalid session state transition")

const finalAnalysisTimeout = 10 * time.Minute

type Store interface {
	CreateSession(ctx context.Context, cfg store.SessionConfig, startedAt time.Time) (store.Session, error)
	GetSession(ctx context.Context, id string) (store.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, from, to store.SessionStatus) error
	FinishSession(ctx context.Context, id string, endedAt time.Time, durationSeconds int) error
	DeleteSession(ctx context.Context, id string) error
}

type liveSession struct {
	startedAt time.Time
}

type Manager struct {
	store     Store
	buffer    *buffer.Buffer
	hub       *stream.Hub
	cache     cache.Cache
	scheduler *analysis.Scheduler
	trigger   *analysis.Trigger
	shares    *share.Manager

	mu   sync.RWMutex
	live map[string]liveSession
}

func NewManager(
	s Store,
	buf *buffer.Buffer,
	hub *stream.Hub,
	c cache.Cache,
	scheduler *analysis.Scheduler,
	trigger *analysis.Trigger,
	shares *share.Manager,
) *Manager {
	if c == nil {
		c = cache.NewNoopCache()
	}
	return &Manager{
		store:     s,
		buffer:    buf,
		hub:       hub,
		cache:     c,
		scheduler: scheduler,
		trigger:   trigger,
		shares:    shares,
		live:      make(map[string]liveSession),
	}
}

// Start creates a session in the active state and arms its interval
// analysis timers.
func (m *Manager) Start(ctx context.Context, cfg store.SessionConfig) (store.Session, error) {
	session, err := m.store.CreateSession(ctx, cfg, time.Now().UTC())
	if err != nil {
		return store.Session{}, fmt.Errorf("create session: %w", err)
	}

	m.mu.Lock()
	m.live[session.ID] = liveSession{startedAt: session.StartedAt}
	m.mu.Unlock()

	m.scheduler.Arm(session.ID, session.StartedAt)
	log.Printf("session started id=%s user=%s vehicle=%s", session.ID, session.UserID, session.VehicleID)
	return session, nil
}

// Ingest accepts data points for an active session: each point enters the
// buffer and is fanned out to live subscribers and the fast-path cache.
// Distribution failures never fail the ingest.
func (m *Manager) Ingest(ctx context.Context, sessionID string, points []store.DataPoint) error {
	if _, err := m.ensureLive(ctx, sessionID); err != nil {
		return err
	}

	for _, point := range points {
		point.SessionID = sessionID
		if point.Timestamp.IsZero() {
			point.Timestamp = time.Now().UTC()
		}

		m.buffer.Add(sessionID, point)
		m.hub.Publish(sessionID, point)
		if err := m.cache.PublishPoint(ctx, sessionID, point); err != nil && !errors.Is(err, cache.ErrNotConfigured) {
			log.Printf("cache publish failed session=%s err=%v", sessionID, err)
		}
	}
	return nil
}

// ensureLive resolves the in-memory registry entry, falling back to the
// store for sessions that are active but unknown to this process (restart).
func (m *Manager) ensureLive(ctx context.Context, sessionID string) (liveSession, error) {
	m.mu.RLock()
	entry, ok := m.live[sessionID]
	m.mu.RUnlock()
	if ok {
		return entry, nil
	}

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return liveSession{}, err
	}
	if session.Status != store.StatusActive {
		return liveSession{}, ErrInvalidTransition
	}

	entry = liveSession{startedAt: session.StartedAt}
	m.mu.Lock()
	m.live[sessionID] = entry
	m.mu.Unlock()
	m.scheduler.Arm(sessionID, session.StartedAt)
	return entry, nil
}

/// End completes an active session: timers are cancelled, buffered points are
// flushed, shares are deactivated, subscribers get a terminal event, and the
// final analysis is kicked off in the background. The caller never waits on
// the analysis.
func (m *Manager) End(ctx context.Context, sessionID string) (store.Session, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return store.Session{}, err
	}
	if session.Status != store.StatusActive {
		return store.Session{}, fmt.Errorf("%w: cannot end %s session", ErrInvalidTransition, session.Status)
	}

	// The guarded update decides the race: of any concurrent End calls,
	// exactly one finishes the row and runs the teardown below.
	endedAt := time.Now().UTC()
	duration := int(endedAt.Sub(session.StartedAt).Seconds())
	if err := m.store.FinishSession(ctx, sessionID, endedAt, duration); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return store.Session{}, fmt.Errorf("%w: session already left active", ErrInvalidTransition)
		}
		return store.Session{}, fmt.Errorf("finish session: %w", err)
	}

	m.scheduler.Cancel(sessionID)

	if err := m.buffer.ForceFlush(sessionID); err != nil {
		// Points from the failed batch are gone (buffer contract); the
		// session still completes.
		log.Printf("end-of-session flush failed session=%s err=%v", sessionID, err)
	}

	if err := m.shares.DeactivateForSession(ctx, sessionID); err != nil {
		log.Printf("share deactivation failed session=%s err=%v", sessionID, err)
	}

	m.hub.EndSession(sessionID)
	event := cache.SessionEvent{Type: cache.EventSessionEnded, SessionID: sessionID}
	if err := m.cache.PublishEvent(ctx, sessionID, event); err != nil && !errors.Is(err, cache.ErrNotConfigured) {
		log.Printf("session end event failed session=%s err=%v", sessionID, err)
	}

	m.buffer.Remove(sessionID)
	m.mu.Lock()
	delete(m.live, sessionID)
	m.mu.Unlock()

	go m.runFinalAnalysis(sessionID, session.StartedAt, endedAt)

	session.Status = store.StatusCompleted
	session.EndedAt = &endedAt
	session.DurationSeconds = duration
	log.Printf("session ended id=%s duration=%ds", sessionID, duration)
	return session, nil
}

// runFinalAnalysis is the background task the end-session request hands off
// to. The consistency guard runs here, never in the request path.
func (m *Manager) runFinalAnalysis(sessionID string, startedAt, endedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), finalAnalysisTimeout)
	defer cancel()

	if _, err := m.trigger.RunFinal(ctx, sessionID, startedAt, endedAt); err != nil {
		log.Printf("final analysis failed session=%s err=%v", sessionID, err)
	}
}

var allowedTransitions = map[store.SessionStatus][]store.SessionStatus{
	store.StatusActive: {store.StatusPaused, store.StatusError, store.StatusCancelled},
	store.StatusPaused: {store.StatusActive, store.StatusError, store.StatusCancelled},
}

// UpdateStatus moves a session among the non-terminal states. Completion is
// not reachable through this path; that is End's job.
func (m *Manager) UpdateStatus(ctx context.Context, sessionID string, status store.SessionStatus) error {
	if !status.Valid() || status == store.StatusCompleted {
		return fmt.Errorf("%w: cannot set status %q", ErrInvalidTransition, status)
	}

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == status {
		return nil
	}

	permitted := false
	for _, candidate := range allowedTransitions[session.Status] {
		if candidate == status {
			permitted = true
			break
		}
	}
	if !permitted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, session.Status, status)
	}

	// Compare-and-swap against the status we validated. If End or another
	// update landed in between, the store reports the stale read instead of
	// overwriting a terminal state.
	if err := m.store.UpdateSessionStatus(ctx, sessionID, session.Status, status); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, session.Status, status)
		}
		return err
	}

	// Keep the live registry honest: only active sessions accept ingest.
	m.mu.Lock()
	if status == store.StatusActive {
		m.live[sessionID] = liveSession{startedAt: session.StartedAt}
	} else {
		delete(m.live, sessionID)
	}
	m.mu.Unlock()

	return nil
}

// Delete removes the session and all dependent rows, and tears down any
// runtime state this process holds for it.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.scheduler.Cancel(sessionID)
	m.buffer.Remove(sessionID)
	m.hub.Remove(sessionID)

	m.mu.Lock()
	delete(m.live, sessionID)
	m.mu.Unlock()

	return m.store.DeleteSession(ctx, sessionID)
}

func (m *Manager) Get(ctx context.Context, sessionID string) (store.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}
