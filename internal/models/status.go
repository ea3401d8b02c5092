package models

import (
	"time"
)

// StatusMessage represents a status update for a job, a worker or the control plane
type StatusMessage struct {
	Type      string      `json:"type"`      // "controlplane", "job" or "worker"
	ID        string      `json:"id"`        // unique identifier of the entity
	Status    string      `json:"status"`    // current status of the entity
	Timestamp time.Time   `json:"timestamp"` // when the status was updated
	Metadata  interface{} `json:"metadata"`  // additional entity-specific information
}

// SystemState summarises the queue and the worker fleet
type SystemState struct {
	Jobs           map[JobStatus]int `json:"jobs"`
	WorkersOnline  int               `json:"workersOnline"`
	WorkersOffline int               `json:"workersOffline"`
	WorkersBusy    int               `json:"workersBusy"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

type ControlPlaneEventType string

const (
	ControlPlaneStarted  ControlPlaneEventType = "STARTED"
	ControlPlaneStopping ControlPlaneEventType = "STOPPING"
	ControlPlaneStopped  ControlPlaneEventType = "STOPPED"
)

// WorkerEventType marks agent lifecycle messages
type WorkerEventType string

const (
	WorkerStarted  WorkerEventType = "STARTED"
	WorkerHealthy  WorkerEventType = "HEALTHY"
	WorkerStopping WorkerEventType = "STOPPING"
	WorkerStopped  WorkerEventType = "STOPPED"
)

// WorkerStatusUpdate is the metadata of a worker lifecycle message
type WorkerStatusUpdate struct {
	WorkerID     string          `json:"workerId"`
	Event        WorkerEventType `json:"event"`
	Host         string          `json:"host,omitempty"`
	CurrentJobID string          `json:"currentJobId,omitempty"`
	JobsRun      int64           `json:"jobsRun"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ControlPlaneStatus is the metadata of a control-plane lifecycle message
type ControlPlaneStatus struct {
	ID        string                `json:"id"`
	Event     ControlPlaneEventType `json:"event"`
	Backend   string                `json:"backend"`
	Addr      string                `json:"addr,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}
