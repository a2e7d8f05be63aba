package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultMaintainInterval is the default period between reaper passes.
const defaultMaintainInterval = 5 * time.Minute

// Maintainer runs the stream reaper on a schedule. One maintainer runs
// alongside the streaming consumer; without it, streams from crashed clients
// and consumers from restarted workers accumulate forever.
//
// All methods are safe for concurrent use.
type Maintainer struct {
	rdb      *redis.Client
	interval time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// MaintainerOption configures a Maintainer.
type MaintainerOption func(*Maintainer)

// WithMaintainInterval overrides the pass interval.
func WithMaintainInterval(d time.Duration) MaintainerOption {
	return func(m *Maintainer) {
		if d > 0 {
			m.interval = d
		}
	}
}

// NewMaintainer creates a maintainer over the shared store connection.
func NewMaintainer(rdb *redis.Client, opts ...MaintainerOption) *Maintainer {
	m := &Maintainer{
		rdb:      rdb,
		interval: defaultMaintainInterval,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start begins periodic reaping in a background goroutine. The goroutine runs
// until [Maintainer.Stop] is called or ctx is cancelled.
func (m *Maintainer) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Stop halts the maintenance loop. Safe to call multiple times.
func (m *Maintainer) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
}

// MaintainNow performs an immediate reaper pass.
func (m *Maintainer) MaintainNow(ctx context.Context) (*ReapReport, error) {
	return ReapStreams(ctx, m.rdb)
}

// loop runs the periodic reaper ticker.
func (m *Maintainer) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			if _, err := ReapStreams(ctx, m.rdb); err != nil {
				slog.Warn("stream maintenance pass failed", "error", err)
			}
		}
	}
}
