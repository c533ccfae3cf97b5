package queue

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mongoq/mongoq/pkg/observability/logger"
)

const (
	DefaultWorkerPollInterval = time.Second
	DefaultWorkerRetryDelay   = 30 * time.Second
	DefaultWorkerStopTimeout  = 10 * time.Second

	minHeartbeatInterval = 100 * time.Millisecond
)

// Handler processes one claimed job. A nil return completes the job; an
// error reports a failure and schedules a delayed retry.
type Handler func(ctx context.Context, job *Job) error

// WorkerConfig configures the polling worker.
type WorkerConfig struct {
	// WorkerID identifies this worker as the lease owner. Defaults to
	// hostname plus a random suffix.
	WorkerID string
	// Concurrency is the number of claim/process loops to run.
	Concurrency int
	// PollInterval is the sleep between empty LockNext results. The engine
	// never blocks; waiting is entirely the worker's business.
	PollInterval time.Duration
	// HeartbeatInterval is how often the lease heartbeat is refreshed while
	// a handler runs. Defaults to half the engine's lock timeout.
	HeartbeatInterval time.Duration
	// RetryDelay is how far in the future active_at is pushed when a handler
	// fails.
	RetryDelay time.Duration
	// StopTimeout bounds the graceful shutdown wait.
	StopTimeout time.Duration
}

func (c *WorkerConfig) normalize(lockTimeout time.Duration) {
	if strings.TrimSpace(c.WorkerID) == "" {
		c.WorkerID = defaultWorkerID()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultWorkerPollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = lockTimeout / 2
	}
	if c.HeartbeatInterval < minHeartbeatInterval {
		c.HeartbeatInterval = minHeartbeatInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultWorkerRetryDelay
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultWorkerStopTimeout
	}
}

// Worker polls the engine for jobs and drives each one through the
// complete/error side of the lease protocol. It is a caller of the engine,
// not part of it.
type Worker struct {
	engine  *Engine
	handler Handler
	log     logger.Logger
	config  WorkerConfig

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewWorker creates a worker for one engine and handler.
func NewWorker(engine *Engine, handler Handler, log logger.Logger, cfg WorkerConfig) (*Worker, error) {
	if engine == nil {
		return nil, queueError(ErrInvalidArgument, "engine is required")
	}
	if handler == nil {
		return nil, queueError(ErrInvalidArgument, "handler is required")
	}
	if log == nil {
		return nil, queueError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize(engine.Config().LockTimeout)

	return &Worker{
		engine:  engine,
		handler: handler,
		log:     log.With("worker_id", cfg.WorkerID),
		config:  cfg,
	}, nil
}

// WorkerID returns the lease owner identity this worker claims under.
func (w *Worker) WorkerID() string {
	return w.config.WorkerID
}

// Start launches the claim loops and blocks until the context is cancelled,
// then shuts down gracefully.
func (w *Worker) Start(ctx context.Context) error {
	if w == nil || w.engine == nil {
		return queueError(ErrNotInitialized, "worker is not initialized")
	}
	if ctx == nil {
		return queueError(ErrInvalidArgument, "context is required")
	}

	w.lifecycleMu.Lock()
	if w.running {
		w.lifecycleMu.Unlock()
		return queueError(ErrConflict, "worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.lifecycleMu.Unlock()

	for idx := 0; idx < w.config.Concurrency; idx++ {
		w.wg.Add(1)
		go w.runLoop(runCtx)
	}

	<-runCtx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), w.config.StopTimeout)
	defer stopCancel()
	return w.Stop(stopCtx)
}

// Stop requests shutdown and waits for in-flight jobs to finish.
func (w *Worker) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.lifecycleMu.Lock()
	if !w.running {
		w.lifecycleMu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.cancel = nil
	w.running = false
	w.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		return nil
	}
}

func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.engine.LockNext(ctx, w.config.WorkerID)
		if err != nil {
			w.log.Warn("lock next failed", "error", err)
			if !w.sleep(ctx, w.config.PollInterval) {
				return
			}
			continue
		}
		if job == nil {
			if !w.sleep(ctx, w.config.PollInterval) {
				return
			}
			continue
		}

		collection := w.engine.Config().Collection
		incrementJobInFlight(collection)
		w.process(ctx, job)
		decrementJobInFlight(collection)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	stopHeartbeat, heartbeatDone := w.startHeartbeat(ctx, job)
	execErr := w.executeHandler(ctx, job)
	stopHeartbeat()
	<-heartbeatDone

	if execErr != nil {
		activeAt := time.Now().UTC().Add(w.config.RetryDelay)
		if _, err := w.engine.Error(ctx, job, w.config.WorkerID, execErr.Error(), &activeAt); err != nil {
			w.log.Error("failed to record job failure",
				"job_id", job.ID.Hex(), "error", err, "handler_error", execErr)
		}
		return
	}

	completed, err := w.engine.Complete(ctx, job, w.config.WorkerID)
	if err != nil {
		w.log.Error("failed to complete job", "job_id", job.ID.Hex(), "error", err)
		return
	}
	if !completed {
		// Lease expired mid-run and someone else owns the job now. With
		// at-least-once delivery it will simply be processed again.
		w.log.Warn("lease lost before completion", "job_id", job.ID.Hex())
	}
}

func (w *Worker) executeHandler(ctx context.Context, job *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while handling job: %v; stack=%s", rec, string(debug.Stack()))
		}
	}()
	return w.handler(ctx, job)
}

// startHeartbeat refreshes keep_alive_at while the handler runs. Losing the
// lease is logged but does not interrupt the handler: the completion path
// detects the loss through its ownership guard.
func (w *Worker) startHeartbeat(ctx context.Context, job *Job) (func(), <-chan struct{}) {
	done := make(chan struct{})
	heartbeatCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				renewed, err := w.engine.KeepAlive(heartbeatCtx, job, w.config.WorkerID)
				if err != nil {
					w.log.Warn("heartbeat failed", "job_id", job.ID.Hex(), "error", err)
					continue
				}
				if renewed == nil {
					w.log.Warn("lease no longer owned, stopping heartbeat", "job_id", job.ID.Hex())
					return
				}
			}
		}
	}()

	return cancel, done
}

func (w *Worker) sleep(ctx context.Context, interval time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(interval):
		return true
	}
}

func defaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil || strings.TrimSpace(hostname) == "" {
		hostname = "worker"
	}
	return hostname + "-" + uuid.NewString()
}
