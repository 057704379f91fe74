package store

import (
	"encoding/json"
	"time"
)

type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted
}

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

type Session struct {
	ID              string         `json:"id"`
	UserID          string         `json:"userId"`
	VehicleID       string         `json:"vehicleId"`
	Name            string         `json:"name"`
	Status          SessionStatus  `json:"status"`
	StartedAt       time.Time      `json:"startedAt"`
	EndedAt         *time.Time     `json:"endedAt,omitempty"`
	DurationSeconds int            `json:"durationSeconds"`
	DataPointCount  int            `json:"dataPointCount"`
	VehicleInfo     map[string]any `json:"vehicleInfo,omitempty"`
	Parameters      []string       `json:"parameters,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// DataPoint is one timestamped snapshot of vehicle sensor readings. The
// well-known channels are typed columns; anything else the vehicle reports
// rides along in Extra.
type DataPoint struct {
	SessionID      string         `json:"sessionId,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	RPM            *float64       `json:"rpm,omitempty"`
	Speed          *float64       `json:"speed,omitempty"`
	EngineTemp     *float64       `json:"engineTemp,omitempty"`
	ThrottlePos    *float64       `json:"throttlePos,omitempty"`
	EngineLoad     *float64       `json:"engineLoad,omitempty"`
	FuelLevel      *float64       `json:"fuelLevel,omitempty"`
	IntakeTemp     *float64       `json:"intakeTemp,omitempty"`
	MAFRate        *float64       `json:"mafRate,omitempty"`
	BatteryVoltage *float64       `json:"batteryVoltage,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

type SharedSession struct {
	Code      string               `json:"code"`
	SessionID string               `json:"sessionId"`
	HostID    string               `json:"hostId"`
	IsActive  bool                 `json:"isActive"`
	CreatedAt time.Time            `json:"createdAt"`
	ExpiresAt time.Time            `json:"expiresAt"`
	Viewers   map[string]time.Time `json:"viewers"`
}

type AnalysisKind string

const (
	AnalysisInterval AnalysisKind = "interval"
	AnalysisFinal    AnalysisKind = "final"
)

type AnalysisStatus string

const (
	AnalysisPending    AnalysisStatus = "pending"
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisFailed     AnalysisStatus = "failed"
	AnalysisSkipped    AnalysisStatus = "skipped"
)

type AnalysisArtifact struct {
	Type        string `json:"type"`
	ObjectKey   string `json:"objectKey"`
	ContentType string `json:"contentType,omitempty"`
	Description string `json:"description,omitempty"`
}

type AnalysisRecord struct {
	ID          string             `json:"id"`
	SessionID   string             `json:"sessionId"`
	Kind        AnalysisKind       `json:"kind"`
	Label       string             `json:"label"`
	Status      AnalysisStatus     `json:"status"`
	RequestedAt time.Time          `json:"requestedAt"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
	DurationMs  int64              `json:"durationMs"`
	Result      json.RawMessage    `json:"result,omitempty"`
	Artifacts   []AnalysisArtifact `json:"artifacts,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// SessionConfig is the opaque client input a recording starts from.
type SessionConfig struct {
	UserID      string         `json:"userId"`
	VehicleID   string         `json:"vehicleId"`
	Name        string         `json:"name"`
	VehicleInfo map[string]any `json:"vehicleInfo,omitempty"`
	Parameters  []string       `json:"parameters,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Notes       string         `json:"notes,omitempty"`
}
