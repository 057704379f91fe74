// Package analysis requests partial and final analyses from the external
// analysis engine and records their outcomes. It never computes statistics
// itself.
package analysis

import (
	"context"
	"encoding/json"
	"time"

	"drivepulse/services/telemetry/internal/store"
)

// Request identifies a session slice for the engine to analyze.
type Request struct {
	SessionID string             `json:"sessionId"`
	From      time.Time          `json:"from"`
	To        time.Time          `json:"to"`
	Kind      store.AnalysisKind `json:"kind"`
}

type Anomaly struct {
	Parameter   string    `json:"parameter"`
	Description string    `json:"description"`
	Severity    string    `json:"severity,omitempty"`
	At          time.Time `json:"at,omitempty"`
}

// Artifact is a rendered output (plot, report) the engine returned inline.
type Artifact struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
	Description string `json:"description,omitempty"`
}

type Result struct {
	Summary   json.RawMessage `json:"summary"`
	Anomalies []Anomaly       `json:"anomalies,omitempty"`
	Artifacts []Artifact      `json:"artifacts,omitempty"`
}

// Engine is the external collaborator that interprets session data. Any
// failure it returns is non-fatal to ingestion.
type Engine interface {
	Analyze(ctx context.Context, req Request) (Result, error)
}

// NoopEngine stands in when no engine endpoint is configured. Analyses
// complete with an empty summary so the surrounding bookkeeping still runs.
type NoopEngine struct{}

func NewNoopEngine() *NoopEngine {
	return &NoopEngine{}
}

func (e *NoopEngine) Analyze(_ context.Context, req Request) (Result, error) {
	summary, _ := json.Marshal(map[string]any{
		"sessionId": req.SessionID,
		"kind":      req.Kind,
		"note":      "analysis engine not configured",
	})
	return Result{Summary: summary}, nil
}
