// Package agent implements the worker side of evalq: a polling loop that
// claims one job at a time from the control plane, runs it through an
// Executor and always reports a terminal outcome.
package agent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fawad-mazhar/evalq/internal/config"
	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/logger"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/fawad-mazhar/evalq/internal/queue"
	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"
)

const (
	reportBackoffBase = time.Second
	reportBackoffMax  = 30 * time.Second
)

// Executor runs the evaluation described by a job
type Executor interface {
	Evaluate(ctx context.Context, job *models.Job) (*models.Report, error)
}

// ReportStore persists a finished report and returns its id
type ReportStore interface {
	Save(ctx context.Context, report *models.Report) (string, error)
}

type Agent struct {
	cfg       config.AgentConfig
	client    *Client
	executor  Executor
	reports   ReportStore
	publisher queue.Publisher
	log       *zap.SugaredLogger
	version   string
	host      string

	wake         chan struct{}
	stopChan     chan struct{}
	done         chan struct{}
	isShutdown   bool
	shutdownLock sync.RWMutex
	stopOnce     sync.Once
	currentJob   atomic.Value
	jobsRun      atomic.Int64

	backoffBase time.Duration
	backoffMax  time.Duration
}

type Option func(*Agent)

func WithPublisher(p queue.Publisher) Option {
	return func(a *Agent) { a.publisher = p }
}

func WithVersion(v string) Option {
	return func(a *Agent) { a.version = v }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *Agent) { a.log = l }
}

func New(cfg config.AgentConfig, client *Client, executor Executor, reports ReportStore, opts ...Option) *Agent {
	a := &Agent{
		cfg:         cfg,
		client:      client,
		executor:    executor,
		reports:     reports,
		publisher:   queue.Nop{},
		log:         logger.Named("agent").With("worker_id", cfg.WorkerID),
		wake:        make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
		backoffBase: reportBackoffBase,
		backoffMax:  reportBackoffMax,
	}
	a.currentJob.Store("")
	for _, opt := range opts {
		opt(a)
	}
	a.host = describeHost()
	return a
}

// describeHost renders a short host string for heartbeats
func describeHost() string {
	info, err := host.Info()
	if err != nil || info == nil {
		name, _ := os.Hostname()
		return name
	}
	if info.Platform == "" {
		return info.Hostname
	}
	return fmt.Sprintf("%s (%s %s/%s)", info.Hostname, info.Platform, info.PlatformVersion, info.KernelArch)
}

// Wake interrupts the poll sleep so a freshly queued job is claimed early
func (a *Agent) Wake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Start runs the poll loop until ctx is cancelled, Shutdown is called or, in
// Once mode, the first claimed job has been reported.
func (a *Agent) Start(ctx context.Context) error {
	defer close(a.done)

	a.log.Infow("Starting worker agent",
		"control_plane", a.cfg.ControlPlaneURL,
		"poll_interval", a.cfg.PollInterval,
		"once", a.cfg.Once,
	)
	a.publishStatus(models.WorkerStarted)

	hbCtx, stopHeartbeats := context.WithCancel(ctx)
	defer stopHeartbeats()
	if a.cfg.HeartbeatInterval > 0 {
		go a.runHeartbeats(hbCtx)
	}

	for {
		if a.IsShutdown() {
			return nil
		}

		ran, err := a.RunOnce(ctx)
		if err != nil {
			a.log.Warnw("Poll failed", "error", err)
		}
		if ran && a.cfg.Once {
			a.log.Infow("Finished single job, exiting")
			return nil
		}
		if ran {
			continue
		}

		timer := time.NewTimer(a.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-a.stopChan:
			timer.Stop()
			return nil
		case <-a.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RunOnce performs a single poll. It reports whether a job was claimed and
// run to a reported outcome.
func (a *Agent) RunOnce(ctx context.Context) (bool, error) {
	a.heartbeat(ctx)
	job, err := a.client.Claim(ctx)
	a.heartbeat(ctx)
	if err != nil {
		return false, errors.Wrap(err, "claim failed")
	}
	if job == nil {
		return false, nil
	}

	a.execute(ctx, job)
	a.heartbeat(ctx)
	return true, nil
}

func (a *Agent) execute(ctx context.Context, job *models.Job) {
	log := a.log.With("job_id", job.ID, "server", job.Config.Server)
	a.currentJob.Store(job.ID)
	defer a.currentJob.Store("")
	a.heartbeat(ctx)

	log.Infow("Claimed job")
	if err := a.client.AppendEvent(ctx, job.ID, models.EventLevelInfo, "started"); err != nil {
		log.Warnw("Failed to append started event", "error", err)
	}

	outcome := a.evaluate(ctx, job)
	if outcome.Status == models.JobStatusFailed {
		log.Warnw("Evaluation failed", "error", outcome.ErrorMessage)
	} else {
		log.Infow("Evaluation finished", "report_id", outcome.ReportID)
	}

	a.report(ctx, job.ID, outcome)
	a.jobsRun.Add(1)
}

// evaluate never panics and never returns a non-terminal outcome
func (a *Agent) evaluate(ctx context.Context, job *models.Job) (outcome models.Outcome) {
	defer func() {
		if p := recover(); p != nil {
			a.log.Errorw("Executor panicked", "job_id", job.ID, "panic", p, "stack", string(debug.Stack()))
			outcome = failed(fmt.Sprintf("executor panicked: %v", p))
		}
	}()

	runCtx := ctx
	if job.Config.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(job.Config.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	started := time.Now().UTC()
	report, err := a.executor.Evaluate(runCtx, job)
	if err != nil {
		return failed(err.Error())
	}
	if report == nil {
		return failed("executor returned no report")
	}

	report.JobID = job.ID
	report.WorkerID = a.cfg.WorkerID
	if report.Server == "" {
		report.Server = job.Config.Server
	}
	if report.StartedAt.IsZero() {
		report.StartedAt = started
	}
	if report.FinishedAt.IsZero() {
		report.FinishedAt = time.Now().UTC()
	}

	reportID, err := a.reports.Save(context.WithoutCancel(ctx), report)
	if err != nil {
		return failed(fmt.Sprintf("failed to persist report: %v", err))
	}
	return models.Outcome{Status: models.JobStatusCompleted, ReportID: reportID}
}

func failed(msg string) models.Outcome {
	if msg == "" {
		msg = "unknown error"
	}
	return models.Outcome{Status: models.JobStatusFailed, ErrorMessage: msg}
}

// report delivers the outcome, retrying with exponential backoff until the
// report timeout elapses. It runs detached from ctx so stopping the agent
// does not abandon a claimed job.
func (a *Agent) report(ctx context.Context, jobID string, outcome models.Outcome) {
	log := a.log.With("job_id", jobID, "status", outcome.Status)

	timeout := a.cfg.ReportTimeout
	if timeout <= 0 {
		timeout = config.DefaultReportTimeout
	}
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	for attempt := 0; ; attempt++ {
		_, err := a.client.Complete(reportCtx, jobID, outcome)
		if err == nil {
			if attempt > 0 {
				log.Infow("Reported outcome after retries", "attempts", attempt+1)
			}
			return
		}
		if !Retryable(err) || reportCtx.Err() != nil {
			log.Errorw("Giving up reporting outcome", "attempts", attempt+1, "error", err)
			return
		}

		backoff := a.backoff(attempt)
		log.Warnw("Failed to report outcome, retrying", "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-reportCtx.Done():
			log.Errorw("Giving up reporting outcome", "attempts", attempt+1, "error", err)
			return
		case <-time.After(backoff):
		}
	}
}

func (a *Agent) backoff(attempt int) time.Duration {
	if attempt > 16 {
		return a.backoffMax
	}
	d := a.backoffBase * time.Duration(1<<uint(attempt))
	if d > a.backoffMax {
		return a.backoffMax
	}
	return d
}

func (a *Agent) heartbeat(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	hb := models.Heartbeat{
		WorkerID: a.cfg.WorkerID,
		Status:   models.WorkerStatusIdle,
		Host:     a.host,
		Version:  a.version,
	}
	if jobID := a.CurrentJob(); jobID != "" {
		hb.Status = models.WorkerStatusBusy
		hb.CurrentJobID = jobID
	}
	if err := a.client.Heartbeat(ctx, hb); err != nil {
		a.log.Warnw("Heartbeat failed", "error", err)
	}
}

func (a *Agent) runHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopChan:
			return
		case <-ticker.C:
			a.heartbeat(ctx)
			a.publishStatus(models.WorkerHealthy)
		}
	}
}

// CurrentJob returns the id of the job being executed, or ""
func (a *Agent) CurrentJob() string {
	id, _ := a.currentJob.Load().(string)
	return id
}

// Shutdown stops polling and waits for an in-flight job to be reported
func (a *Agent) Shutdown(ctx context.Context) error {
	a.publishStatus(models.WorkerStopping)

	a.shutdownLock.Lock()
	a.isShutdown = true
	a.shutdownLock.Unlock()
	a.stopOnce.Do(func() { close(a.stopChan) })

	var err error
	select {
	case <-a.done:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "agent shutdown timed out")
	}

	a.publishStatus(models.WorkerStopped)
	return err
}

// IsShutdown returns the current shutdown status
func (a *Agent) IsShutdown() bool {
	a.shutdownLock.RLock()
	defer a.shutdownLock.RUnlock()
	return a.isShutdown
}

func (a *Agent) publishStatus(event models.WorkerEventType) {
	now := time.Now().UTC()
	msg := &models.StatusMessage{
		Type:      queue.TypeWorker,
		ID:        a.cfg.WorkerID,
		Status:    string(event),
		Timestamp: now,
		Metadata: models.WorkerStatusUpdate{
			WorkerID:     a.cfg.WorkerID,
			Event:        event,
			Host:         a.host,
			CurrentJobID: a.CurrentJob(),
			JobsRun:      a.jobsRun.Load(),
			Timestamp:    now,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.publisher.PublishStatus(ctx, msg); err != nil {
		a.log.Warnw("Failed to publish worker status", "event", event, "error", err)
	}
}
