// Package stream fans ingested data points out to live consumers: push
// subscribers holding long-lived connections and long-polling clients.
// Delivery order matches ingestion order within one session; nothing is
// promised across sessions.
package stream

import (
	"context"
	"sync"
	"time"

	"drivepulse/services/telemetry/internal/store"
)

const (
	EventPoint        = "point"
	EventSessionEnded = "session_ended"
)

type Event struct {
	Type  string           `json:"type"`
	Point *store.DataPoint `json:"point,omitempty"`
}

// PollResult is the outcome of one long-poll cycle. An empty result with
// TimedOut set is a normal poll outcome, not an error.
type PollResult struct {
	Points   []store.DataPoint `json:"points"`
	TimedOut bool              `json:"timedOut"`
	Ended    bool              `json:"ended"`
}

type subscriber struct {
	ch     chan Event
	closed bool
}

type sessionState struct {
	mu      sync.Mutex
	subs    []*subscriber
	recent  []store.DataPoint
	waiters []chan struct{}
	ended   bool
}

type Hub struct {
	mu          sync.RWMutex
	sessions    map[string]*sessionState
	capacity    int
	recentLimit int
}

func NewHub(subscriberCapacity, recentLimit int) *Hub {
	if subscriberCapacity <= 0 {
		subscriberCapacity = 64
	}
	if recentLimit <= 0 {
		recentLimit = 500
	}
	return &Hub{
		sessions:    make(map[string]*sessionState),
		capacity:    subscriberCapacity,
		recentLimit: recentLimit,
	}
}

func (h *Hub) session(sessionID string) *sessionState {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if ok {
		return s
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok = h.sessions[sessionID]; ok {
		return s
	}
	s = &sessionState{}
	h.sessions[sessionID] = s
	return s
}

// Subscribe returns a channel of events for the session and an unsubscribe
// function. The channel closes after a terminal session_ended event or on
// unsubscribe. Slow consumers lose their oldest undelivered events rather
// than stalling the publisher.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	s := h.session(sessionID)
	sub := &subscriber{ch: make(chan Event, h.capacity)}

	s.mu.Lock()
	if s.ended {
		sub.closed = true
		sub.ch <- Event{Type: EventSessionEnded}
		close(sub.ch)
	} else {
		s.subs = append(s.subs, sub)
	}
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, candidate := range s.subs {
			if candidate == sub {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				if !sub.closed {
					sub.closed = true
					close(sub.ch)
				}
				break
			}
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers one point to every subscriber and wakes long-pollers.
func (h *Hub) Publish(sessionID string, point store.DataPoint) {
	s := h.session(sessionID)

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}

	s.recent = append(s.recent, point)
	if len(s.recent) > h.recentLimit {
		s.recent = s.recent[len(s.recent)-h.recentLimit:]
	}

	event := Event{Type: EventPoint, Point: &point}
	for _, sub := range s.subs {
		deliver(sub, event)
	}

	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// deliver sends without blocking; on a full channel the oldest event is
// dropped to make room (drop-oldest backpressure).
func deliver(sub *subscriber, event Event) {
	if sub.closed {
		return
	}
	for {
		select {
		case sub.ch <- event:
			return
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
	}
}

// EndSession emits a terminal event to every subscriber of this session,
// closes their channels, and wakes pending pollers. Other sessions are
// untouched.
func (h *Hub) EndSession(sessionID string) {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.ended = true
	for _, sub := range s.subs {
		deliver(sub, Event{Type: EventSessionEnded})
		sub.closed = true
		close(sub.ch)
	}
	s.subs = nil
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// Remove drops all hub state for a session. Used after deletion.
func (h *Hub) Remove(sessionID string) {
	h.EndSession(sessionID)
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}

// WaitSince implements the long-poll contract: return points newer than
// since immediately when available, otherwise block until new data, session
// end, ctx cancellation, or the timeout. Timing out yields an empty, marked
// result rather than an error.
func (h *Hub) WaitSince(ctx context.Context, sessionID string, since time.Time, limit int, timeout time.Duration) PollResult {
	if limit <= 0 {
		limit = 100
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s := h.session(sessionID)

		s.mu.Lock()
		points := pointsAfter(s.recent, since, limit)
		if len(points) > 0 {
			s.mu.Unlock()
			return PollResult{Points: points}
		}
		if s.ended {
			s.mu.Unlock()
			return PollResult{Points: []store.DataPoint{}, Ended: true}
		}
		wake := make(chan struct{})
		s.waiters = append(s.waiters, wake)
		s.mu.Unlock()

		select {
		case <-wake:
		case <-deadline.C:
			s.dropWaiter(wake)
			return PollResult{Points: []store.DataPoint{}, TimedOut: true}
		case <-ctx.Done():
			s.dropWaiter(wake)
			return PollResult{Points: []store.DataPoint{}, TimedOut: true}
		}
	}
}

func (s *sessionState) dropWaiter(wake chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, candidate := range s.waiters {
		if candidate == wake {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

func pointsAfter(recent []store.DataPoint, since time.Time, limit int) []store.DataPoint {
	out := make([]store.DataPoint, 0)
	for _, p := range recent {
		if p.Timestamp.After(since) {
			out = append(out, p)
			if len(out) == limit {
				break
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
