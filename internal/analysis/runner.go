package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"drivepulse/services/telemetry/internal/artifacts"
	"drivepulse/services/telemetry/internal/store"
)

// Store is the slice of the persistent store the analysis components need.
type Store interface {
	CreateAnalysisRecord(ctx context.Context, record store.AnalysisRecord) (store.AnalysisRecord, error)
	UpdateAnalysisRecord(ctx context.Context, record store.AnalysisRecord) error
	ListAnalysisRecords(ctx context.Context, sessionID string, kind store.AnalysisKind) ([]store.AnalysisRecord, error)
	CountDataPoints(ctx context.Context, sessionID string) (int, error)
}

// Runner executes one analysis request end to end: record bookkeeping,
// engine call, artifact persistence. Each record is owned by the single
// runner invocation that created it.
type Runner struct {
	store     Store
	engine    Engine
	artifacts artifacts.Store
}

func NewRunner(s Store, engine Engine, artifactStore artifacts.Store) *Runner {
	if artifactStore == nil {
		artifactStore = artifacts.NewNoopStore()
	}
	return &Runner{store: s, engine: engine, artifacts: artifactStore}
}

// recordedResult is the payload persisted on a completed record.
type recordedResult struct {
	Summary   json.RawMessage `json:"summary"`
	Anomalies []Anomaly       `json:"anomalies,omitempty"`
}

func (r *Runner) Run(ctx context.Context, sessionID string, kind store.AnalysisKind, label string, from, to time.Time) (store.AnalysisRecord, error) {
	record, err := r.store.CreateAnalysisRecord(ctx, store.AnalysisRecord{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Kind:        kind,
		Label:       label,
		Status:      store.AnalysisPending,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return store.AnalysisRecord{}, err
	}

	record.Status = store.AnalysisProcessing
	if err := r.store.UpdateAnalysisRecord(ctx, record); err != nil {
		log.Printf("analysis record transition failed id=%s err=%v", record.ID, err)
	}

	started := time.Now()
	result, analyzeErr := r.engine.Analyze(ctx, Request{
		SessionID: sessionID,
		From:      from,
		To:        to,
		Kind:      kind,
	})
	elapsed := time.Since(started)

	now := time.Now().UTC()
	record.CompletedAt = &now
	record.DurationMs = elapsed.Milliseconds()

	if analyzeErr != nil {
		record.Status = store.AnalysisFailed
		record.Error = analyzeErr.Error()
		if err := r.store.UpdateAnalysisRecord(ctx, record); err != nil {
			log.Printf("analysis record update failed id=%s err=%v", record.ID, err)
		}
		return record, analyzeErr
	}

	record.Artifacts = r.persistArtifacts(ctx, record, result.Artifacts)

	payload, err := json.Marshal(recordedResult{Summary: result.Summary, Anomalies: result.Anomalies})
	if err != nil {
		payload = result.Summary
	}
	record.Status = store.AnalysisCompleted
	record.Result = payload

	if err := r.store.UpdateAnalysisRecord(ctx, record); err != nil {
		log.Printf("analysis record update failed id=%s err=%v", record.ID, err)
		return record, err
	}
	return record, nil
}

// RecordSkipped marks an analysis that never ran, with the reason in the
// error column.
func (r *Runner) RecordSkipped(ctx context.Context, sessionID string, kind store.AnalysisKind, label, reason string) (store.AnalysisRecord, error) {
	now := time.Now().UTC()
	record, err := r.store.CreateAnalysisRecord(ctx, store.AnalysisRecord{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Kind:        kind,
		Label:       label,
		Status:      store.AnalysisSkipped,
		RequestedAt: now,
		Error:       reason,
	})
	if err != nil {
		return store.AnalysisRecord{}, err
	}
	return record, nil
}

func (r *Runner) persistArtifacts(ctx context.Context, record store.AnalysisRecord, rendered []Artifact) []store.AnalysisArtifact {
	if len(rendered) == 0 {
		return nil
	}

	stored := make([]store.AnalysisArtifact, 0, len(rendered))
	for _, artifact := range rendered {
		objectKey := "analysis/" + record.SessionID + "/" + record.ID + "/" + artifact.Name
		if err := r.artifacts.StoreObject(ctx, objectKey, artifact.Data, artifact.ContentType); err != nil {
			if !errors.Is(err, artifacts.ErrNotConfigured) {
				log.Printf("artifact store failed key=%s err=%v", objectKey, err)
			}
			continue
		}
		stored = append(stored, store.AnalysisArtifact{
			Type:        artifact.Name,
			ObjectKey:   objectKey,
			ContentType: artifact.ContentType,
			Description: artifact.Description,
		})
	}
	if len(stored) == 0 {
		return nil
	}
	return stored
}
