package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/google/uuid"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsValid reports whether s is one of the known job statuses.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// EventLevel is the severity of a job audit event
type EventLevel string

const (
	EventLevelDebug EventLevel = "debug"
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// IsValid reports whether l is one of the known levels.
func (l EventLevel) IsValid() bool {
	switch l {
	case EventLevelDebug, EventLevelInfo, EventLevelWarn, EventLevelError:
		return true
	}
	return false
}

// JobEvent is one entry of a job's append-only audit trail
type JobEvent struct {
	At      time.Time  `json:"at"`
	Level   EventLevel `json:"level"`
	Message string     `json:"message"`
}

// Job is a single evaluation request moving through the queue
type Job struct {
	ID           string     `json:"id"`
	Status       JobStatus  `json:"status"`
	Team         string     `json:"team"`
	SubmittedBy  string     `json:"submittedBy"`
	WorkerID     string     `json:"workerId,omitempty"`
	Config       JobConfig  `json:"config"`
	Events       []JobEvent `json:"events"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	ReportID     string     `json:"reportId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// NewJob creates a queued job with its first audit event
func NewJob(team, submittedBy string, cfg JobConfig, now time.Time) *Job {
	job := &Job{
		ID:          uuid.New().String(),
		Status:      JobStatusQueued,
		Team:        team,
		SubmittedBy: submittedBy,
		Config:      cfg,
		Events:      make([]JobEvent, 0, 4),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	job.AppendEvent(EventLevelInfo, "queued", now)
	return job
}

// AppendEvent adds an entry to the audit trail and bumps UpdatedAt. It is
// accepted in every status.
func (j *Job) AppendEvent(level EventLevel, message string, now time.Time) {
	j.Events = append(j.Events, JobEvent{At: now, Level: level, Message: message})
	j.UpdatedAt = now
}

// Claim binds the job to a worker and moves it to running
func (j *Job) Claim(workerID string, now time.Time) error {
	if j.Status != JobStatusQueued {
		return errors.Conflictf("job %s is %s, not queued", j.ID, j.Status)
	}
	j.Status = JobStatusRunning
	j.WorkerID = workerID
	j.StartedAt = &now
	j.AppendEvent(EventLevelInfo, fmt.Sprintf("claimed by %s", workerID), now)
	return nil
}

// Finish applies a worker's outcome. It returns applied=false without error
// when the job is already terminal so duplicate deliveries are no-ops.
func (j *Job) Finish(workerID string, outcome Outcome, now time.Time) (applied bool, err error) {
	if j.Status.IsTerminal() {
		return false, nil
	}
	if j.Status != JobStatusRunning {
		return false, errors.Conflictf("job %s is %s and cannot be finished", j.ID, j.Status)
	}
	if workerID != "" && workerID != j.WorkerID {
		return false, errors.Conflictf("job %s is bound to worker %s", j.ID, j.WorkerID)
	}

	j.FinishedAt = &now
	switch outcome.Status {
	case JobStatusCompleted:
		j.Status = JobStatusCompleted
		j.ReportID = outcome.ReportID
		j.AppendEvent(EventLevelInfo, fmt.Sprintf("completed with report %s", outcome.ReportID), now)
	case JobStatusFailed:
		j.Status = JobStatusFailed
		j.ErrorMessage = outcome.ErrorMessage
		j.AppendEvent(EventLevelError, fmt.Sprintf("failed: %s", outcome.ErrorMessage), now)
	default:
		return false, errors.InvalidRequestf("outcome status %q is not terminal", outcome.Status)
	}
	return true, nil
}

// Cancel withdraws a job that has not been claimed yet
func (j *Job) Cancel(reason string, now time.Time) error {
	if j.Status != JobStatusQueued {
		return errors.Conflictf("job %s is %s; only queued jobs can be cancelled", j.ID, j.Status)
	}
	j.Status = JobStatusCancelled
	j.FinishedAt = &now
	msg := "cancelled"
	if reason != "" {
		msg = "cancelled: " + reason
	}
	j.AppendEvent(EventLevelWarn, msg, now)
	return nil
}

// Clone returns a deep copy so callers cannot mutate stored state
func (j *Job) Clone() *Job {
	c := *j
	c.Events = append([]JobEvent(nil), j.Events...)
	c.Config = j.Config.Clone()
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// ToJSON converts the job to JSON
func (j *Job) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// FromJSON populates the job from JSON
func (j *Job) FromJSON(data []byte) error {
	return json.Unmarshal(data, j)
}

// Outcome is the result a worker reports for a claimed job
type Outcome struct {
	Status       JobStatus `json:"status"`
	ReportID     string    `json:"reportId,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// Validate checks the outcome shape
func (o Outcome) Validate() error {
	switch o.Status {
	case JobStatusCompleted:
		if o.ReportID == "" {
			return errors.InvalidRequestf("reportId is required for a completed outcome")
		}
	case JobStatusFailed:
		if o.ErrorMessage == "" {
			return errors.InvalidRequestf("errorMessage is required for a failed outcome")
		}
	default:
		return errors.InvalidRequestf("status must be %q or %q", JobStatusCompleted, JobStatusFailed)
	}
	return nil
}

// JobFilter narrows List results
type JobFilter struct {
	Status JobStatus
	Limit  int
}
