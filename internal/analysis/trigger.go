package analysis

import (
	"context"
	"log"
	"time"

	"drivepulse/services/telemetry/internal/store"
)

const finalLabel = "final"

// SkipReasonNoData is recorded when the consistency guard never saw a
// persisted point.
const SkipReasonNoData = "no data"

// Trigger submits the comprehensive end-of-session analysis, guarded against
// the store lagging behind the final flush.
type Trigger struct {
	runner     *Runner
	store      Store
	maxRetries int
	retryDelay time.Duration
}

func NewTrigger(runner *Runner, s Store, maxRetries int, retryDelay time.Duration) *Trigger {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryDelay <= 0 {
		retryDelay = 200 * time.Millisecond
	}
	return &Trigger{
		runner:     runner,
		store:      s,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// AwaitDurableCount polls the count query until it sees data or retries run
// out. It guarantees only that some data exists before analysis proceeds,
// not that the count is final: late-arriving points are possible.
func (t *Trigger) AwaitDurableCount(ctx context.Context, sessionID string) int {
	for attempt := 0; attempt < t.maxRetries; attempt++ {
		count, err := t.store.CountDataPoints(ctx, sessionID)
		if err != nil {
			log.Printf("durable count poll failed session=%s attempt=%d err=%v", sessionID, attempt+1, err)
		} else if count > 0 {
			return count
		}

		select {
		case <-ctx.Done():
			return 0
		case <-time.After(t.retryDelay):
		}
	}
	return 0
}

// RunFinal performs the consistency-guarded final analysis. It is intended
// to run inside a background task; the caller that ended the session does
// not wait on it.
func (t *Trigger) RunFinal(ctx context.Context, sessionID string, from, to time.Time) (store.AnalysisRecord, error) {
	count := t.AwaitDurableCount(ctx, sessionID)
	if count == 0 {
		log.Printf("final analysis skipped session=%s reason=%q", sessionID, SkipReasonNoData)
		return t.runner.RecordSkipped(ctx, sessionID, store.AnalysisFinal, finalLabel, SkipReasonNoData)
	}

	return t.runner.Run(ctx, sessionID, store.AnalysisFinal, finalLabel, from, to)
}
