package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"drivepulse/services/telemetry/internal/store"
)

const intervalRunTimeout = 5 * time.Minute

// Scheduler arms one timer per configured offset for each active session and
// submits an interval analysis when a timer fires. Interval analyses are
// best-effort snapshots: a failure is recorded and never retried.
type Scheduler struct {
	runner  *Runner
	offsets []time.Duration

	mu     sync.Mutex
	timers map[string][]*time.Timer
}

func NewScheduler(runner *Runner, offsets []time.Duration) *Scheduler {
	if len(offsets) == 0 {
		offsets = []time.Duration{15 * time.Second, 60 * time.Second, 120 * time.Second, 180 * time.Second}
	}
	return &Scheduler{
		runner:  runner,
		offsets: offsets,
		timers:  make(map[string][]*time.Timer),
	}
}

// offsetLabel renders whole-second offsets as "15s", "60s", "120s"; anything
// finer falls back to the duration's own formatting.
func offsetLabel(offset time.Duration) string {
	if offset >= time.Second && offset%time.Second == 0 {
		return fmt.Sprintf("%ds", int(offset.Seconds()))
	}
	return offset.String()
}

// Arm starts the session's timer set, measured from startedAt. Re-arming an
// already armed session cancels the previous set first.
func (s *Scheduler) Arm(sessionID string, startedAt time.Time) {
	s.Cancel(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	timers := make([]*time.Timer, 0, len(s.offsets))
	for _, offset := range s.offsets {
		offset := offset
		delay := time.Until(startedAt.Add(offset))
		if delay < 0 {
			continue
		}
		timers = append(timers, time.AfterFunc(delay, func() {
			s.fire(sessionID, startedAt, offset)
		}))
	}
	s.timers[sessionID] = timers
}

// Cancel stops every timer that has not fired yet. An analysis already in
// flight completes and records its result regardless.
func (s *Scheduler) Cancel(sessionID string) {
	s.mu.Lock()
	timers := s.timers[sessionID]
	delete(s.timers, sessionID)
	s.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
}

func (s *Scheduler) fire(sessionID string, startedAt time.Time, offset time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), intervalRunTimeout)
	defer cancel()

	label := offsetLabel(offset)
	if _, err := s.runner.Run(ctx, sessionID, store.AnalysisInterval, label, startedAt, time.Now().UTC()); err != nil {
		log.Printf("interval analysis failed session=%s offset=%s err=%v", sessionID, label, err)
	}
}

// IntervalResults returns completed interval results keyed by offset label.
// A session with no completed interval yet yields an empty map.
func (s *Scheduler) IntervalResults(ctx context.Context, sessionID string) (map[string]json.RawMessage, error) {
	records, err := s.runner.store.ListAnalysisRecords(ctx, sessionID, store.AnalysisInterval)
	if err != nil {
		return nil, err
	}

	results := make(map[string]json.RawMessage)
	for _, record := range records {
		if record.Status != store.AnalysisCompleted {
			continue
		}
		results[record.Label] = record.Result
	}
	return results, nil
}
