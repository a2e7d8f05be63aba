package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	heartbeatTTL    = 15 * time.Second
	heartbeatEvery  = 5 * time.Second
	claimBlock      = 1 * time.Second
)

// Handler executes one job role. The returned bytes become the job result;
// a non-nil error marks the job failed with the error text as exc_info.
type Handler func(ctx context.Context, job *Job) ([]byte, error)

// JobObserver records completed job executions. *observe.Metrics satisfies it.
type JobObserver interface {
	RecordJob(ctx context.Context, role, queue, status string, seconds float64)
}

// Worker claims jobs from one or more queues and executes them via a role
// dispatch table. One Worker runs per process; the supervisor manages the fleet.
type Worker struct {
	client   *Client
	identity string
	queues   []string
	handlers map[Role]Handler
	observer JobObserver
}

// NewWorker creates a worker bound to the given queues. The identity is
// derived from hostname and pid so registry entries are traceable to processes.
func NewWorker(client *Client, queues []string) *Worker {
	host, _ := os.Hostname()
	return &Worker{
		client:   client,
		identity: fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		queues:   queues,
		handlers: make(map[Role]Handler),
	}
}

// Identity returns the worker's registry identity.
func (w *Worker) Identity() string { return w.identity }

// Register installs the handler for a role. Claiming a job with no registered
// handler fails the job.
func (w *Worker) Register(role Role, h Handler) {
	w.handlers[role] = h
}

// Observe installs a job observer. Pass nil to disable.
func (w *Worker) Observe(o JobObserver) {
	w.observer = o
}

// Run registers the worker, maintains its heartbeat, and processes jobs until
// ctx is cancelled. Always returns ctx.Err() on clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}
	defer w.deregister()

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go w.heartbeatLoop(hbCtx)

	keys := make([]string, len(w.queues))
	for i, q := range w.queues {
		keys[i] = queueKey(q)
	}

	slog.Info("worker running", "identity", w.identity, "queues", w.queues)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := w.client.rdb.BLPop(ctx, claimBlock, keys...).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("worker claim failed, backing off", "identity", w.identity, "err", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		// BLPop returns [key, value].
		if len(res) != 2 {
			continue
		}
		w.execute(ctx, res[1])
	}
}

// execute runs one claimed job id through its handler.
func (w *Worker) execute(ctx context.Context, jobID string) {
	job, err := w.client.Fetch(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		slog.Warn("claimed job has no record, dropping", "job", jobID)
		return
	}
	if err != nil {
		slog.Error("fetch claimed job", "job", jobID, "err", err)
		return
	}
	if job.Status != StatusQueued {
		// Canceled between push and claim.
		slog.Debug("skipping non-queued job", "job", jobID, "status", job.Status)
		return
	}

	job.WorkerID = w.identity
	if err := w.client.transition(ctx, job, StatusStarted, ""); err != nil {
		slog.Error("mark job started", "job", jobID, "err", err)
		return
	}

	handler, ok := w.handlers[job.Role]
	if !ok {
		_ = w.client.markFailed(ctx, job, fmt.Sprintf("no handler registered for role %q", job.Role))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	started := time.Now()
	result, err := handler(jobCtx, job)
	elapsed := time.Since(started)

	if w.observer != nil {
		status := string(StatusFinished)
		if err != nil {
			status = string(StatusFailed)
		}
		w.observer.RecordJob(ctx, string(job.Role), job.Queue, status, elapsed.Seconds())
	}

	if err != nil {
		slog.Error("job failed", "job", jobID, "role", job.Role, "elapsed", elapsed, "err", err)
		if ferr := w.client.markFailed(ctx, job, err.Error()); ferr != nil {
			slog.Error("mark job failed", "job", jobID, "err", ferr)
		}
		return
	}

	slog.Info("job finished", "job", jobID, "role", job.Role, "elapsed", elapsed)
	if ferr := w.client.markFinished(ctx, job, result); ferr != nil {
		slog.Error("mark job finished", "job", jobID, "err", ferr)
	}
}

// IsJobLive reports whether a started job's worker still heartbeats. Long
// consumers use this as a zombie self-check: a started record whose worker
// disappeared will never be finished, so the consumer should exit.
func (c *Client) IsJobLive(ctx context.Context, jobID string) (bool, error) {
	job, err := c.Fetch(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch job.Status {
	case StatusQueued, StatusDeferred:
		return true, nil
	case StatusStarted:
		if job.WorkerID == "" {
			return true, nil
		}
		n, err := c.rdb.Exists(ctx, workerHeartbeatPrefix+job.WorkerID).Result()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	default:
		return false, nil
	}
}

func (w *Worker) register(ctx context.Context) error {
	pipe := w.client.rdb.TxPipeline()
	pipe.SAdd(ctx, workersKey, w.identity)
	pipe.Set(ctx, workerHeartbeatPrefix+w.identity, time.Now().Unix(), heartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: register worker: %w", err)
	}
	return nil
}

func (w *Worker) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pipe := w.client.rdb.TxPipeline()
	pipe.SRem(ctx, workersKey, w.identity)
	pipe.Del(ctx, workerHeartbeatPrefix+w.identity)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("worker deregister failed", "identity", w.identity, "err", err)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.client.rdb.Set(ctx, workerHeartbeatPrefix+w.identity, time.Now().Unix(), heartbeatTTL).Err()
			if err != nil && ctx.Err() == nil {
				slog.Warn("worker heartbeat failed", "identity", w.identity, "err", err)
			}
		}
	}
}
