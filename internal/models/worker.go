package models

import (
	"regexp"
	"time"

	"github.com/fawad-mazhar/evalq/internal/errors"
)

// WorkerStatus is what a worker last reported about itself
type WorkerStatus string

const (
	WorkerStatusIdle WorkerStatus = "idle"
	WorkerStatusBusy WorkerStatus = "busy"
)

var workerIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateWorkerID checks that a worker id is syntactically acceptable
func ValidateWorkerID(id string) error {
	if !workerIDPattern.MatchString(id) {
		return errors.InvalidRequestf("workerId %q must match %s", id, workerIDPattern.String())
	}
	return nil
}

// WorkerInfo is the runtime record kept by the worker directory
type WorkerInfo struct {
	WorkerID     string       `json:"workerId"`
	Status       WorkerStatus `json:"status"`
	CurrentJobID string       `json:"currentJobId,omitempty"`
	Host         string       `json:"host,omitempty"`
	Version      string       `json:"version,omitempty"`
	FirstSeenAt  time.Time    `json:"firstSeenAt"`
	LastSeenAt   time.Time    `json:"lastSeenAt"`
}

// Online derives liveness at read time; the directory never expires rows.
func (w *WorkerInfo) Online(now time.Time, freshness time.Duration) bool {
	return now.Sub(w.LastSeenAt) <= freshness
}

// Heartbeat is a liveness report sent by a worker
type Heartbeat struct {
	WorkerID     string       `json:"workerId"`
	Status       WorkerStatus `json:"status"`
	CurrentJobID string       `json:"currentJobId,omitempty"`
	Host         string       `json:"host,omitempty"`
	Version      string       `json:"version,omitempty"`
}

// Validate checks the heartbeat shape
func (h Heartbeat) Validate() error {
	if err := ValidateWorkerID(h.WorkerID); err != nil {
		return err
	}
	switch h.Status {
	case WorkerStatusIdle:
		if h.CurrentJobID != "" {
			return errors.InvalidRequestf("currentJobId must be empty while idle")
		}
	case WorkerStatusBusy:
	default:
		return errors.InvalidRequestf("status must be %q or %q", WorkerStatusIdle, WorkerStatusBusy)
	}
	return nil
}

// Credential is the stored form of a worker token
type Credential struct {
	WorkerID  string     `json:"workerId"`
	TokenHash string     `json:"tokenHash"`
	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// Active reports whether the credential can still authenticate
func (c *Credential) Active() bool {
	return c.RevokedAt == nil
}

// IssuedToken is returned exactly once when a credential is created
type IssuedToken struct {
	WorkerID  string    `json:"workerId"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
}
