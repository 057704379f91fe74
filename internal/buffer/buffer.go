// Package buffer accumulates incoming data points per session and moves them
// into durable storage in batches, trading a bounded staleness window for low
// write amplification.
package buffer

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"drivepulse/services/telemetry/internal/store"
)

// Store is the slice of the persistent store the buffer needs.
type Store interface {
	InsertDataPoints(ctx context.Context, sessionID string, points []store.DataPoint) error
	AddToDataPointCount(ctx context.Context, sessionID string, delta int) error
}

const flushTimeout = 10 * time.Second

type sessionQueue struct {
	mu      sync.Mutex
	points  []store.DataPoint
	errored atomic.Int64

	// flushMu serializes flushes for one session so batches reach the store
	// in ingestion order. Flushes for different sessions run in parallel.
	flushMu sync.Mutex
}

type Buffer struct {
	store         Store
	batchSize     int
	flushInterval time.Duration

	mu     sync.RWMutex
	queues map[string]*sessionQueue

	FlushedPoints atomic.Int64
	DroppedPoints atomic.Int64
	FlushErrors   atomic.Int64
}

func New(s Store, batchSize int, flushInterval time.Duration) *Buffer {
	if batchSize <= 0 {
		batchSize = 10
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	return &Buffer{
		store:         s,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		queues:        make(map[string]*sessionQueue),
	}
}

func (b *Buffer) queue(sessionID string) *sessionQueue {
	b.mu.RLock()
	q, ok := b.queues[sessionID]
	b.mu.RUnlock()
	if ok {
		return q
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok = b.queues[sessionID]; ok {
		return q
	}
	q = &sessionQueue{}
	b.queues[sessionID] = q
	return q
}

// Add appends a point to the session's queue. Durability is asynchronous and
// best-effort within the buffering window, so Add itself never fails: a
// flush error is logged and counted, not surfaced here. Reaching the batch
// size triggers a flush on the spot, which keeps batch boundaries exact
// under sequential ingestion.
func (b *Buffer) Add(sessionID string, point store.DataPoint) {
	q := b.queue(sessionID)

	q.mu.Lock()
	q.points = append(q.points, point)
	full := len(q.points) >= b.batchSize
	q.mu.Unlock()

	if full {
		_ = b.flushQueue(sessionID, q)
	}
}

// Flush drains and persists the session's queue. A flush of an empty queue is
// a no-op.
func (b *Buffer) Flush(sessionID string) error {
	b.mu.RLock()
	q, ok := b.queues[sessionID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	return b.flushQueue(sessionID, q)
}

// ForceFlush is Flush under a name that makes lifecycle call sites read
// honestly: it is invoked at session boundaries where staleness is not
// acceptable.
func (b *Buffer) ForceFlush(sessionID string) error {
	return b.Flush(sessionID)
}

func (b *Buffer) flushQueue(sessionID string, q *sessionQueue) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	// Swap the queue out under the lock; concurrent Adds append to the fresh
	// slice, so no point is lost or written twice.
	q.mu.Lock()
	batch := q.points
	q.points = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := b.store.InsertDataPoints(ctx, sessionID, batch); err != nil {
		// The batch is dropped, not requeued: bounded memory over an
		// unbounded backlog during a store outage.
		q.errored.Add(int64(len(batch)))
		b.DroppedPoints.Add(int64(len(batch)))
		b.FlushErrors.Add(1)
		log.Printf("buffer flush failed session=%s points=%d err=%v", sessionID, len(batch), err)
		return err
	}

	// Count update comes after the insert: a crash in between under-reports,
	// and the count is re-derivable from a count query.
	if err := b.store.AddToDataPointCount(ctx, sessionID, len(batch)); err != nil {
		log.Printf("buffer count update failed session=%s delta=%d err=%v", sessionID, len(batch), err)
	}

	b.FlushedPoints.Add(int64(len(batch)))
	return nil
}

// Run flushes every non-empty queue on the configured interval until ctx
// ends. Per-session errors are already logged by flushQueue and never stop
// the ticker.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.flushAll()
		}
	}
}

func (b *Buffer) flushAll() {
	b.mu.RLock()
	ids := make([]string, 0, len(b.queues))
	for id := range b.queues {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for _, id := range ids {
		_ = b.Flush(id)
	}
}

// Remove tears down the session's queue state. Callers flush first if the
// remaining points matter.
func (b *Buffer) Remove(sessionID string) {
	b.mu.Lock()
	delete(b.queues, sessionID)
	b.mu.Unlock()
}

// PendingCount reports how many points are buffered but not yet flushed.
func (b *Buffer) PendingCount(sessionID string) int {
	b.mu.RLock()
	q, ok := b.queues[sessionID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.points)
}

// ErrorCount reports how many points were dropped by failed flushes.
func (b *Buffer) ErrorCount(sessionID string) int {
	b.mu.RLock()
	q, ok := b.queues[sessionID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return int(q.errored.Load())
}
