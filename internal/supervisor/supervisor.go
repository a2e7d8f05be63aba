// Package supervisor manages the worker processes of a Chronicle deployment.
//
// The supervisor starts every process in its registry, then runs a periodic
// health pass with two checks: per-worker process liveness, and the count of
// workers registered in the queue's worker namespace. A dead worker with
// restart-on-failure set is restarted individually; a registration count
// below the floor triggers a bulk restart of all queue workers, gated by a
// cooldown so transient connectivity blips do not cause restart churn.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// WorkerRegistry reports the live worker identities registered with the job
// queue. *queue.Client satisfies it.
type WorkerRegistry interface {
	LiveWorkers(ctx context.Context) ([]string, error)
}

// Option is a functional option for New.
type Option func(*Supervisor)

// WithLogger overrides the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// withLauncher substitutes the process launcher. Tests use it to avoid
// spawning real processes.
func withLauncher(l launcher) Option {
	return func(s *Supervisor) { s.launch = l }
}

// Supervisor owns a set of worker processes and keeps them healthy.
type Supervisor struct {
	cfg      Config
	registry WorkerRegistry
	workers  []*worker
	launch   launcher
	log      *slog.Logger

	mu        sync.Mutex
	startedAt time.Time
	lastBulk  time.Time
}

// New builds a Supervisor over the given definitions. Disabled definitions
// are kept in the registry but never started.
func New(registry WorkerRegistry, defs []Definition, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		registry: registry,
		launch:   execLaunch,
		log:      slog.Default(),
	}
	for _, def := range defs {
		s.workers = append(s.workers, &worker{def: def, state: StatePending})
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run starts every enabled worker and blocks in the health-check loop until
// ctx is cancelled, then shuts all workers down. Health checks are suspended
// for the startup grace period.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.startAll(ctx); err != nil {
		s.Shutdown(context.Background())
		return err
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Shutdown(context.Background())
			return nil
		case <-ticker.C:
			s.mu.Lock()
			inGrace := time.Since(s.startedAt) < s.cfg.StartupGrace
			s.mu.Unlock()
			if inGrace {
				continue
			}
			s.check(ctx)
		}
	}
}

// startAll launches every enabled worker. The first launch failure aborts and
// is returned; already-started workers are left for the caller to shut down.
func (s *Supervisor) startAll(ctx context.Context) error {
	for _, w := range s.workers {
		if !w.def.enabled() {
			s.log.Info("worker disabled, skipping", "worker", w.def.Name)
			continue
		}
		if err := s.startWorker(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

// startWorker launches one worker process and transitions it to running.
func (s *Supervisor) startWorker(ctx context.Context, w *worker) error {
	w.setState(StateStarting)
	proc, err := s.launch(ctx, w.def)
	if err != nil {
		w.setState(StateFailed)
		s.log.Error("worker start failed", "worker", w.def.Name, "error", err)
		return err
	}

	w.mu.Lock()
	w.proc = proc
	w.state = StateRunning
	w.startedAt = time.Now()
	w.exitErr = nil
	w.mu.Unlock()

	s.log.Info("worker started",
		"worker", w.def.Name,
		"type", w.def.Type,
		"pid", proc.PID())
	return nil
}

// check runs one health pass: liveness for every worker, then the cluster
// registration floor.
func (s *Supervisor) check(ctx context.Context) {
	for _, w := range s.workers {
		s.checkLiveness(ctx, w)
	}
	s.checkRegistration(ctx)
}

// checkLiveness detects an exited process and restarts the worker when its
// definition asks for it.
func (s *Supervisor) checkLiveness(ctx context.Context, w *worker) {
	w.mu.Lock()
	if w.state != StateRunning || w.proc == nil {
		w.mu.Unlock()
		return
	}
	var exited bool
	select {
	case err := <-w.proc.Done():
		exited = true
		w.exitErr = err
		w.state = StateFailed
	default:
	}
	w.mu.Unlock()

	if !exited {
		return
	}
	s.log.Warn("worker exited unexpectedly", "worker", w.def.Name, "error", w.exitErr)

	if !w.def.RestartOnFailure {
		return
	}
	w.mu.Lock()
	w.restarts++
	attempts := w.restarts
	w.mu.Unlock()
	s.log.Info("restarting worker", "worker", w.def.Name, "attempt", attempts)
	if err := s.startWorker(ctx, w); err != nil {
		s.log.Error("worker restart failed", "worker", w.def.Name, "error", err)
	}
}

// checkRegistration compares the queue's live-worker count against the floor
// and bulk-restarts the queue workers when registration has been lost.
func (s *Supervisor) checkRegistration(ctx context.Context) {
	if s.registry == nil || s.cfg.MinRQWorkers <= 0 {
		return
	}
	live, err := s.registry.LiveWorkers(ctx)
	if err != nil {
		s.log.Warn("worker registration check failed", "error", err)
		return
	}
	if len(live) >= s.cfg.MinRQWorkers {
		return
	}

	s.mu.Lock()
	sinceLast := time.Since(s.lastBulk)
	if sinceLast < s.cfg.RestartCooldown {
		s.mu.Unlock()
		s.log.Warn("registration below floor but inside restart cooldown",
			"registered", len(live),
			"min", s.cfg.MinRQWorkers,
			"cooldown_remaining", s.cfg.RestartCooldown-sinceLast)
		return
	}
	s.lastBulk = time.Now()
	s.mu.Unlock()

	s.log.Warn("worker registration below floor, bulk restarting queue workers",
		"registered", len(live),
		"min", s.cfg.MinRQWorkers)
	s.bulkRestart(ctx)
}

// bulkRestart stops and restarts every queue worker, logging per-worker stop
// and start durations.
func (s *Supervisor) bulkRestart(ctx context.Context) {
	for _, w := range s.workers {
		if w.def.Type != TypeRQWorker || !w.def.enabled() {
			continue
		}
		w.setState(StateUnhealthy)

		stopStart := time.Now()
		s.stopWorker(w)
		stopDur := time.Since(stopStart)

		w.mu.Lock()
		w.restarts++
		w.mu.Unlock()

		startStart := time.Now()
		err := s.startWorker(ctx, w)
		s.log.Info("bulk restart worker",
			"worker", w.def.Name,
			"stop_duration", stopDur,
			"start_duration", time.Since(startStart),
			"ok", err == nil)
	}
}

// stopWorker terminates one worker gracefully, escalating to kill after the
// shutdown timeout.
func (s *Supervisor) stopWorker(w *worker) {
	w.mu.Lock()
	proc := w.proc
	if proc == nil || w.state == StateStopped || w.state == StatePending {
		w.state = StateStopped
		w.mu.Unlock()
		return
	}
	w.state = StateStopping
	w.mu.Unlock()

	if err := proc.Terminate(); err != nil {
		s.log.Warn("worker terminate failed, killing", "worker", w.def.Name, "error", err)
		_ = proc.Kill()
	}

	select {
	case <-proc.Done():
	case <-time.After(s.cfg.ShutdownTimeout):
		s.log.Warn("worker shutdown timed out, killing", "worker", w.def.Name)
		_ = proc.Kill()
		<-proc.Done()
	}

	w.mu.Lock()
	w.state = StateStopped
	w.proc = nil
	w.mu.Unlock()
	s.log.Info("worker stopped", "worker", w.def.Name)
}

// Shutdown stops every worker in parallel: graceful terminate, then kill
// after the per-worker shutdown timeout.
func (s *Supervisor) Shutdown(ctx context.Context) {
	var g errgroup.Group
	for _, w := range s.workers {
		g.Go(func() error {
			s.stopWorker(w)
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("all workers stopped")
	case <-ctx.Done():
		s.log.Warn("shutdown deadline exceeded")
	}
}

// Statuses snapshots every managed worker, in registry order.
func (s *Supervisor) Statuses() []Status {
	out := make([]Status, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.status())
	}
	return out
}
