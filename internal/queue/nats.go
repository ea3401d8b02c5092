// internal/queue/nats.go
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fawad-mazhar/evalq/internal/config"
	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/logger"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/nats-io/nats.go"
)

// Message types carried in StatusMessage.Type
const (
	TypeJob          = "job"
	TypeControlPlane = "controlplane"
	TypeWorker       = "worker"
)

// Publisher announces job, worker and control-plane changes. Delivery is best
// effort: the store stays the source of truth and callers log failures.
type Publisher interface {
	PublishJob(ctx context.Context, job *models.Job) error
	PublishStatus(ctx context.Context, status *models.StatusMessage) error
}

// conn is the subset of *nats.Conn used here
type conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

type NATS struct {
	conn   conn
	prefix string
}

var _ Publisher = (*NATS)(nil)

func NewNATS(cfg config.NATSConfig, name string) (*NATS, error) {
	log := logger.Named("nats")
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("Disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to NATS at %s", cfg.URL)
	}
	return newNATS(nc, cfg.SubjectPrefix), nil
}

func newNATS(c conn, prefix string) *NATS {
	if prefix == "" {
		prefix = config.DefaultNATSSubjectPrefix
	}
	return &NATS{conn: c, prefix: prefix}
}

// JobSubject is <prefix>.jobs.<status>
func (n *NATS) JobSubject(status models.JobStatus) string {
	return n.prefix + ".jobs." + string(status)
}

// ControlPlaneSubject is <prefix>.controlplane
func (n *NATS) ControlPlaneSubject() string {
	return n.prefix + "." + TypeControlPlane
}

// WorkerSubject is <prefix>.workers.<workerID>
func (n *NATS) WorkerSubject(workerID string) string {
	return n.prefix + ".workers." + workerID
}

func (n *NATS) PublishJob(ctx context.Context, job *models.Job) error {
	return n.PublishStatus(ctx, &models.StatusMessage{
		Type:      TypeJob,
		ID:        job.ID,
		Status:    string(job.Status),
		Timestamp: job.UpdatedAt,
		Metadata:  job,
	})
}

func (n *NATS) PublishStatus(ctx context.Context, status *models.StatusMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(status)
	if err != nil {
		return errors.Wrap(err, "failed to marshal status")
	}

	var subject string
	switch status.Type {
	case TypeJob:
		subject = n.JobSubject(models.JobStatus(status.Status))
	case TypeWorker:
		subject = n.WorkerSubject(status.ID)
	default:
		subject = n.ControlPlaneSubject()
	}
	if err := n.conn.Publish(subject, data); err != nil {
		return errors.Wrapf(err, "failed to publish to %s", subject)
	}
	return nil
}

// SubscribeQueued calls fn whenever a job is queued. The returned function
// removes the subscription.
func (n *NATS) SubscribeQueued(fn func(jobID string)) (func() error, error) {
	sub, err := n.conn.Subscribe(n.JobSubject(models.JobStatusQueued), func(msg *nats.Msg) {
		var status models.StatusMessage
		if err := json.Unmarshal(msg.Data, &status); err != nil {
			logger.Logger.Debugw("Ignoring malformed job notification", "subject", msg.Subject, "error", err)
			return
		}
		fn(status.ID)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to subscribe to queued jobs")
	}
	return func() error {
		if sub == nil {
			return nil
		}
		return sub.Unsubscribe()
	}, nil
}

// Close drains pending messages before closing the connection
func (n *NATS) Close() error {
	return n.conn.Drain()
}

// Nop discards every message. It is used when NATS is not configured.
type Nop struct{}

var _ Publisher = Nop{}

func (Nop) PublishJob(context.Context, *models.Job) error                { return nil }
func (Nop) PublishStatus(context.Context, *models.StatusMessage) error { return nil }
