package api

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"drivepulse/services/telemetry/internal/buffer"
)

type apiMetrics struct {
	startedAtUnix        int64
	buffer               *buffer.Buffer
	sessionsStartedTotal atomic.Int64
	sessionsEndedTotal   atomic.Int64
	ingestPointsTotal    atomic.Int64
	pollRequestsTotal    atomic.Int64
	streamSessionsTotal  atomic.Int64
	sharesCreatedTotal   atomic.Int64
	shareJoinsTotal      atomic.Int64
	rateLimitedTotal     atomic.Int64
}

func newAPIMetrics(buf *buffer.Buffer) *apiMetrics {
	return &apiMetrics{
		startedAtUnix: time.Now().Unix(),
		buffer:        buf,
	}
}

func (m *apiMetrics) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	uptimeSeconds := time.Now().Unix() - m.startedAtUnix
	_, _ = fmt.Fprintf(w, "# HELP telemetry_uptime_seconds Process uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE telemetry_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "telemetry_uptime_seconds %d\n", uptimeSeconds)

	_, _ = fmt.Fprintf(w, "# HELP telemetry_sessions_started_total Sessions started.\n")
	_, _ = fmt.Fprintf(w, "# TYPE telemetry_sessions_started_total counter\n")
	_, _ = fmt.Fprintf(w, "telemetry_sessions_started_total %d\n", m.sessionsStartedTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP telemetry_sessions_ended_total Sessions completed through the end endpoint.\n")
	_, _ = fmt.Fprintf(w, "# TYPE telemetry_sessions_ended_total counter\n")
	_, _ = fmt.Fprintf(w, "telemetry_sessions_ended_total %d\n", m.sessionsEndedTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP telemetry_ingest_points_total Data points accepted for buffering.\n")
	_, _ = fmt.Fprintf(w, "# TYPE telemetry_ingest_points_total counter\n")
	_, _ = fmt.Fprintf(w, "telemetry_ingest_points_total %d\n", m.ingestPointsTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP telemetry_poll_requests_total Long-poll requests served.\n")
	_, _ = fmt.Fprintf(w, "# TYPE telemetry_poll_requests_total counter\n")
	_, _ = fmt.Fprintf(w, "telemetry_poll_requests_total %d\n", m.pollRequestsTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP telemetry_stream_sessions_total Server-sent event streams opened.\n")
	_, _ = fmt.Fprintf(w, "# TYPE telemetry_stream_sessions_total counter\n")
	_, _ = fmt.Fprintf(w, "telemetry_stream_sessions_total %d\n", m.streamSessionsTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP telemetry_shares_created_total Share codes issued.\n")
	_, _ = fmt.Fprintf(w, "# TYPE telemetry_shares_created_total counter\n")
	_, _ = fmt.Fprintf(w, "telemetry_shares_created_total %d\n", m.sharesCreatedTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP telemetry_share_joins_total Viewers joined through share codes.\n")
	_, _ = fmt.Fprintf(w, "# TYPE telemetry_share_joins_total counter\n")
	_, _ = fmt.Fprintf(w, "telemetry_share_joins_total %d\n", m.shareJoinsTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP telemetry_rate_limited_total Requests rejected due to rate limiting.\n")
	_, _ = fmt.Fprintf(w, "# TYPE telemetry_rate_limited_total counter\n")
	_, _ = fmt.Fprintf(w, "telemetry_rate_limited_total %d\n", m.rateLimitedTotal.Load())

	if m.buffer != nil {
		_, _ = fmt.Fprintf(w, "# HELP telemetry_buffer_flushed_points_total Data points written durably by the buffer.\n")
		_, _ = fmt.Fprintf(w, "# TYPE telemetry_buffer_flushed_points_total counter\n")
		_, _ = fmt.Fprintf(w, "telemetry_buffer_flushed_points_total %d\n", m.buffer.FlushedPoints.Load())

		_, _ = fmt.Fprintf(w, "# HELP telemetry_buffer_dropped_points_total Data points dropped on flush failure.\n")
		_, _ = fmt.Fprintf(w, "# TYPE telemetry_buffer_dropped_points_total counter\n")
		_, _ = fmt.Fprintf(w, "telemetry_buffer_dropped_points_total %d\n", m.buffer.DroppedPoints.Load())

		_, _ = fmt.Fprintf(w, "# HELP telemetry_buffer_flush_errors_total Buffer flush attempts that failed.\n")
		_, _ = fmt.Fprintf(w, "# TYPE telemetry_buffer_flush_errors_total counter\n")
		_, _ = fmt.Fprintf(w, "telemetry_buffer_flush_errors_total %d\n", m.buffer.FlushErrors.Load())
	}
}
