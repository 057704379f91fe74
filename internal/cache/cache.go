package cache

import (
	"context"
	"errors"

	"drivepulse/services/telemetry/internal/store"
)

// ErrNotConfigured is returned by the noop cache. Callers treat it as "no
// fast path available" and fall back to the persistent store.
var ErrNotConfigured = errors.New("fast-path cache not configured")

// Cache is the low-latency side channel for recent points and push
// notifications. It is never the system of record.
type Cache interface {
	PublishPoint(ctx context.Context, sessionID string, point store.DataPoint) error
	PublishEvent(ctx context.Context, sessionID string, event SessionEvent) error
	Recent(ctx context.Context, sessionID string, limit int) ([]store.DataPoint, error)
	Subscribe(ctx context.Context, sessionID string) (<-chan []byte, func(), error)
	Health(ctx context.Context) error
	Close() error
}

// SessionEvent is a lifecycle notification pushed alongside the point stream.
type SessionEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Code      string `json:"code,omitempty"`
}

const (
	EventSessionEnded    = "session_ended"
	EventShareDeactivate = "share_deactivated"
)

type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) PublishPoint(_ context.Context, _ string, _ store.DataPoint) error {
	return nil
}

func (c *NoopCache) PublishEvent(_ context.Context, _ string, _ SessionEvent) error {
	return nil
}

func (c *NoopCache) Recent(_ context.Context, _ string, _ int) ([]store.DataPoint, error) {
	return nil, ErrNotConfigured
}

func (c *NoopCache) Subscribe(_ context.Context, _ string) (<-chan []byte, func(), error) {
	return nil, nil, ErrNotConfigured
}

func (c *NoopCache) Health(_ context.Context) error {
	return ErrNotConfigured
}

func (c *NoopCache) Close() error {
	return nil
}
