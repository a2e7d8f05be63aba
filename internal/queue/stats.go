package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// StandardQueues lists every queue the pipeline uses, in display order.
var StandardQueues = []string{QueueTranscription, QueueMemory, QueueAudio, QueueDefault}

// JobFilter narrows a GetJobs listing. Zero values mean "no filter".
type JobFilter struct {
	// Queue restricts the listing to a single queue.
	Queue string

	// Status restricts the listing to one registry.
	Status Status

	// ClientID matches jobs whose meta.client_id equals this value.
	ClientID string

	// Limit and Offset paginate the result. Limit <= 0 means 50.
	Limit  int
	Offset int
}

// GetJobs returns a deduplicated, newest-first, paginated view of job records
// across all registries of the selected queues.
func (c *Client) GetJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	queues := StandardQueues
	if filter.Queue != "" {
		queues = []string{filter.Queue}
	}
	statuses := registries
	if filter.Status != "" {
		statuses = []Status{filter.Status}
	}

	seen := make(map[string]struct{})
	var jobs []*Job
	for _, q := range queues {
		for _, s := range statuses {
			ids, err := c.rdb.ZRange(ctx, registryKey(q, s), 0, -1).Result()
			if err != nil {
				return nil, fmt.Errorf("queue: list %s/%s: %w", q, s, err)
			}
			for _, id := range ids {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				job, err := c.Fetch(ctx, id)
				if errors.Is(err, ErrNotFound) {
					continue
				}
				if err != nil {
					return nil, err
				}
				if filter.ClientID != "" && job.ClientID() != filter.ClientID {
					continue
				}
				jobs = append(jobs, job)
			}
		}
	}

	slices.SortFunc(jobs, func(a, b *Job) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if filter.Offset >= len(jobs) {
		return nil, nil
	}
	end := min(filter.Offset+limit, len(jobs))
	return jobs[filter.Offset:end], nil
}

// AllJobsCompleteForClient walks every job tagged with the client id, plus all
// of their dependents, and reports whether the client's full DAG has reached a
// terminal state. A client with no jobs at all counts as complete.
func (c *Client) AllJobsCompleteForClient(ctx context.Context, clientID string) (bool, error) {
	roots, err := c.GetJobs(ctx, JobFilter{ClientID: clientID, Limit: 1000})
	if err != nil {
		return false, err
	}

	visited := make(map[string]struct{})
	pending := make([]string, 0, len(roots))
	for _, j := range roots {
		pending = append(pending, j.ID)
	}
	for len(pending) > 0 {
		id := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}

		job, err := c.Fetch(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if !job.Status.Terminal() {
			return false, nil
		}
		pending = append(pending, job.Dependents...)
	}
	return true, nil
}

// Stats aggregates registry counts per queue.
type Stats struct {
	Queues map[string]map[Status]int64 `json:"queues"`
}

// GetStats counts every registry of every standard queue.
func (c *Client) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Queues: make(map[string]map[Status]int64)}
	for _, q := range StandardQueues {
		counts := make(map[Status]int64, len(registries))
		for _, s := range registries {
			n, err := c.rdb.ZCard(ctx, registryKey(q, s)).Result()
			if err != nil {
				return nil, fmt.Errorf("queue: count %s/%s: %w", q, s, err)
			}
			counts[s] = n
		}
		// Queued jobs live on the list; the registry mirrors it but the list
		// is authoritative for consumption order.
		stats.Queues[q] = counts
	}
	return stats, nil
}

// Health extends Stats with the live worker identities registered by the
// worker heartbeat. The supervisor reads the same set for its registration check.
type Health struct {
	Stats   *Stats   `json:"stats"`
	Workers []string `json:"workers"`
}

// GetHealth returns queue stats plus live worker identities. Workers whose
// heartbeat key has expired are pruned from the registry as a side effect.
func (c *Client) GetHealth(ctx context.Context) (*Health, error) {
	stats, err := c.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	workers, err := c.LiveWorkers(ctx)
	if err != nil {
		return nil, err
	}
	return &Health{Stats: stats, Workers: workers}, nil
}

// LiveWorkers returns the identities with an unexpired heartbeat, pruning
// stale registry entries along the way.
func (c *Client) LiveWorkers(ctx context.Context) ([]string, error) {
	ids, err := c.rdb.SMembers(ctx, workersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list workers: %w", err)
	}
	live := ids[:0]
	for _, id := range ids {
		n, err := c.rdb.Exists(ctx, workerHeartbeatPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: check worker %s: %w", id, err)
		}
		if n == 0 {
			_ = c.rdb.SRem(ctx, workersKey, id).Err()
			continue
		}
		live = append(live, id)
	}
	slices.SortFunc(live, strings.Compare)
	return live, nil
}
