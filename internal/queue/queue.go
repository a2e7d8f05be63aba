package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a job id has no record (never enqueued, or expired).
var ErrNotFound = errors.New("queue: job not found")

// Client provides every queue operation over a shared key–value store
// connection. All methods are safe for concurrent use; a given job id always
// resolves to a single record even under concurrent enqueues.
type Client struct {
	rdb *redis.Client
}

// NewClient wraps an established connection.
func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// EnqueueOptions describes a job to enqueue. Queue and Role are required;
// JobID is required because Chronicle ids are deterministic per role per
// conversation (e.g. "memory_ab12cd34ef56").
type EnqueueOptions struct {
	Queue       string
	Role        Role
	JobID       string
	Args        map[string]any
	Timeout     time.Duration
	ResultTTL   time.Duration
	FailureTTL  time.Duration
	DependsOn   []string
	Meta        map[string]string
	Description string
}

// Enqueue creates a job record and places it on its queue, or returns the
// existing record when the id is already live (queued, deferred, or started).
// Terminal records are replaced so that reprocessing can reuse deterministic ids.
//
// If any dependency is not yet finished the job enters the deferred registry
// and is promoted when the last dependency finishes. If a dependency has
// already failed or been canceled, the new job is created canceled.
func (c *Client) Enqueue(ctx context.Context, opts EnqueueOptions) (*Job, error) {
	if opts.Queue == "" || opts.JobID == "" || !opts.Role.IsValid() {
		return nil, fmt.Errorf("queue: enqueue requires queue, job id, and a valid role (got %q/%q/%q)", opts.Queue, opts.JobID, opts.Role)
	}

	if existing, err := c.Fetch(ctx, opts.JobID); err == nil && !existing.Status.Terminal() {
		return existing, nil
	}

	job := &Job{
		ID:          opts.JobID,
		Role:        opts.Role,
		Queue:       opts.Queue,
		Args:        opts.Args,
		Description: opts.Description,
		Timeout:     opts.Timeout,
		ResultTTL:   opts.ResultTTL,
		FailureTTL:  opts.FailureTTL,
		DependsOn:   opts.DependsOn,
		Meta:        opts.Meta,
		CreatedAt:   time.Now().UTC(),
	}
	if job.Timeout <= 0 {
		job.Timeout = DefaultTimeout
	}
	if job.ResultTTL <= 0 {
		job.ResultTTL = DefaultResultTTL
	}
	if job.FailureTTL <= 0 {
		job.FailureTTL = DefaultFailureTTL
	}

	status, err := c.initialStatus(ctx, job)
	if err != nil {
		return nil, err
	}
	job.Status = status

	if err := c.saveJob(ctx, job, 0); err != nil {
		return nil, err
	}
	if err := c.addToRegistry(ctx, job); err != nil {
		return nil, err
	}

	switch status {
	case StatusQueued:
		if err := c.rdb.RPush(ctx, queueKey(job.Queue), job.ID).Err(); err != nil {
			return nil, fmt.Errorf("queue: push %s: %w", job.ID, err)
		}
	case StatusDeferred:
		for _, dep := range job.DependsOn {
			if err := c.rdb.SAdd(ctx, dependentsKey(dep), job.ID).Err(); err != nil {
				return nil, fmt.Errorf("queue: record dependent of %s: %w", dep, err)
			}
		}
	case StatusCanceled:
		slog.Warn("job canceled at enqueue: dependency already failed",
			"job", job.ID, "depends_on", job.DependsOn)
	}

	return job, nil
}

// initialStatus inspects dependencies and decides where the new job starts.
func (c *Client) initialStatus(ctx context.Context, job *Job) (Status, error) {
	if len(job.DependsOn) == 0 {
		return StatusQueued, nil
	}
	allFinished := true
	for _, dep := range job.DependsOn {
		d, err := c.Fetch(ctx, dep)
		if errors.Is(err, ErrNotFound) {
			// An expired dependency counts as finished: its result TTL elapsed.
			continue
		}
		if err != nil {
			return "", err
		}
		switch d.Status {
		case StatusFinished:
		case StatusFailed, StatusCanceled:
			return StatusCanceled, nil
		default:
			allFinished = false
		}
	}
	if allFinished {
		return StatusQueued, nil
	}
	return StatusDeferred, nil
}

// Fetch returns the current record for a job id.
func (c *Client) Fetch(ctx context.Context, id string) (*Job, error) {
	data, err := c.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: fetch %s: %w", id, err)
	}
	job, err := unmarshalJob(data)
	if err != nil {
		return nil, err
	}
	deps, err := c.rdb.SMembers(ctx, dependentsKey(id)).Result()
	if err == nil && len(deps) > 0 {
		job.Dependents = deps
	}
	return job, nil
}

// Cancel moves a job to canceled and cascades to its dependents. Started jobs
// are left to their workers; only queued and deferred jobs are cancelable.
func (c *Client) Cancel(ctx context.Context, id string) error {
	job, err := c.Fetch(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() || job.Status == StatusStarted {
		return nil
	}
	return c.transition(ctx, job, StatusCanceled, "")
}

// markFinished records a successful run and promotes any dependents whose
// dependencies are now all finished.
func (c *Client) markFinished(ctx context.Context, job *Job, result []byte) error {
	job.Result = result
	if err := c.transition(ctx, job, StatusFinished, ""); err != nil {
		return err
	}
	return c.promoteDependents(ctx, job.ID)
}

// markFailed records a failure and cancels all dependents.
func (c *Client) markFailed(ctx context.Context, job *Job, excInfo string) error {
	return c.transition(ctx, job, StatusFailed, excInfo)
}

// transition moves a job between registries, persists the record, applies the
// appropriate TTL, and cascades cancellation to dependents on failure.
func (c *Client) transition(ctx context.Context, job *Job, to Status, excInfo string) error {
	from := job.Status
	job.Status = to
	now := time.Now().UTC()
	switch to {
	case StatusStarted:
		job.StartedAt = now
	case StatusFinished, StatusFailed, StatusCanceled:
		job.EndedAt = now
		job.ExcInfo = excInfo
	}

	var ttl time.Duration
	switch to {
	case StatusFinished:
		ttl = job.ResultTTL
	case StatusFailed, StatusCanceled:
		ttl = job.FailureTTL
	}
	if err := c.saveJob(ctx, job, ttl); err != nil {
		return err
	}

	pipe := c.rdb.TxPipeline()
	pipe.ZRem(ctx, registryKey(job.Queue, from), job.ID)
	pipe.ZAdd(ctx, registryKey(job.Queue, to), redis.Z{Score: float64(now.Unix()), Member: job.ID})
	if to.Terminal() && ttl > 0 {
		pipe.Expire(ctx, dependentsKey(job.ID), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: transition %s %s->%s: %w", job.ID, from, to, err)
	}

	if to == StatusFailed || to == StatusCanceled {
		return c.cancelDependents(ctx, job.ID)
	}
	return nil
}

// promoteDependents re-evaluates every deferred dependent of the finished job
// and moves the ready ones to their queues.
func (c *Client) promoteDependents(ctx context.Context, id string) error {
	dependents, err := c.rdb.SMembers(ctx, dependentsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("queue: dependents of %s: %w", id, err)
	}
	for _, depID := range dependents {
		dep, err := c.Fetch(ctx, depID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if dep.Status != StatusDeferred {
			continue
		}
		ready, failed, err := c.dependencyState(ctx, dep)
		if err != nil {
			return err
		}
		switch {
		case failed:
			if err := c.transition(ctx, dep, StatusCanceled, "dependency failed"); err != nil {
				return err
			}
		case ready:
			if err := c.transition(ctx, dep, StatusQueued, ""); err != nil {
				return err
			}
			if err := c.rdb.RPush(ctx, queueKey(dep.Queue), dep.ID).Err(); err != nil {
				return fmt.Errorf("queue: promote %s: %w", dep.ID, err)
			}
			slog.Debug("promoted deferred job", "job", dep.ID, "queue", dep.Queue)
		}
	}
	return nil
}

// dependencyState reports whether all of dep's dependencies have finished, and
// whether any has failed or been canceled.
func (c *Client) dependencyState(ctx context.Context, dep *Job) (ready, failed bool, err error) {
	ready = true
	for _, id := range dep.DependsOn {
		d, ferr := c.Fetch(ctx, id)
		if errors.Is(ferr, ErrNotFound) {
			continue
		}
		if ferr != nil {
			return false, false, ferr
		}
		switch d.Status {
		case StatusFinished:
		case StatusFailed, StatusCanceled:
			return false, true, nil
		default:
			ready = false
		}
	}
	return ready, false, nil
}

// cancelDependents cascades cancellation through the dependency graph.
func (c *Client) cancelDependents(ctx context.Context, id string) error {
	dependents, err := c.rdb.SMembers(ctx, dependentsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("queue: dependents of %s: %w", id, err)
	}
	for _, depID := range dependents {
		dep, err := c.Fetch(ctx, depID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if dep.Status.Terminal() || dep.Status == StatusStarted {
			continue
		}
		if err := c.transition(ctx, dep, StatusCanceled, "upstream job "+id+" did not finish"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) saveJob(ctx context.Context, job *Job, ttl time.Duration) error {
	data, err := job.marshal()
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, jobKey(job.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("queue: save %s: %w", job.ID, err)
	}
	return nil
}

func (c *Client) addToRegistry(ctx context.Context, job *Job) error {
	err := c.rdb.ZAdd(ctx, registryKey(job.Queue, job.Status), redis.Z{
		Score:  float64(job.CreatedAt.Unix()),
		Member: job.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: register %s: %w", job.ID, err)
	}
	return nil
}
