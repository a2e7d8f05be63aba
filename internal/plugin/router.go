package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// defaultExecTimeout bounds a single plugin execution.
	defaultExecTimeout = 10 * time.Second

	// maxConcurrentExecs caps plugin executions across all clients so a
	// burst of finals cannot spawn unbounded goroutines.
	maxConcurrentExecs = 16
)

// RouterOption is a functional option for configuring a Router.
type RouterOption func(*Router)

// WithExecTimeout overrides the per-plugin execution timeout.
func WithExecTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.execTimeout = d
		}
	}
}

// WithEventLogCapacity sets how many recent executions are retained.
func WithEventLogCapacity(n int) RouterOption {
	return func(r *Router) { r.log = newEventLog(n) }
}

// DispatchRecorder receives one record per plugin execution.
// *observe.Metrics satisfies it.
type DispatchRecorder interface {
	RecordPluginDispatch(ctx context.Context, plugin, status string)
}

// WithDispatchRecorder wires execution outcomes into metrics.
func WithDispatchRecorder(rec DispatchRecorder) RouterOption {
	return func(r *Router) { r.recorder = rec }
}

// Router filters events through each plugin's subscription, access grants,
// and trigger condition, and executes matching plugins in isolation. Safe for
// concurrent use.
type Router struct {
	mu      sync.RWMutex
	plugins []Plugin

	execTimeout time.Duration
	sem         *semaphore.Weighted
	log         *eventLog
	recorder    DispatchRecorder
	wg          sync.WaitGroup
}

// NewRouter creates an empty Router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		execTimeout: defaultExecTimeout,
		sem:         semaphore.NewWeighted(maxConcurrentExecs),
		log:         newEventLog(defaultEventLogCap),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a plugin. Registering a plugin whose trigger condition is
// invalid returns an error; a duplicate name replaces the earlier plugin.
func (r *Router) Register(p Plugin) error {
	tr := p.Trigger()
	if !tr.Condition.IsValid() {
		return fmt.Errorf("plugin: %s has invalid trigger condition %q", p.Name(), tr.Condition)
	}
	if tr.Condition == ConditionWakeWord && len(tr.WakeWords) == 0 {
		return fmt.Errorf("plugin: %s declares wake_word trigger with no wake words", p.Name())
	}
	if tr.Condition == ConditionRegex && len(tr.Patterns) == 0 {
		return fmt.Errorf("plugin: %s declares regex trigger with no patterns", p.Name())
	}
	for _, name := range tr.Events {
		if !KnownEvent(name) {
			return fmt.Errorf("plugin: %s subscribes to unknown event %q", p.Name(), name)
		}
	}
	for _, a := range tr.Access {
		if !a.IsValid() {
			return fmt.Errorf("plugin: %s declares invalid access level %q", p.Name(), a)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.plugins {
		if existing.Name() == p.Name() {
			r.plugins[i] = p
			return nil
		}
	}
	r.plugins = append(r.plugins, p)
	return nil
}

// Dispatch routes ev to every registered plugin whose subscription covers the
// event, whose access grants include the event's required level, and whose
// trigger condition matches. Matching plugins execute asynchronously; Dispatch
// returns the number that matched, and execution outcomes land in the
// recent-event log. Dispatch never blocks on plugin execution.
func (r *Router) Dispatch(ctx context.Context, ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	r.mu.RLock()
	plugins := make([]Plugin, len(r.plugins))
	copy(plugins, r.plugins)
	r.mu.RUnlock()

	matched := 0
	for _, p := range plugins {
		tr := p.Trigger()
		if !tr.Subscribes(ev.Name) {
			continue
		}
		if level, gated := RequiredAccess(ev.Name); gated && !tr.Allows(level) {
			continue
		}
		ok, data := match(tr, ev.Text)
		if !ok {
			continue
		}
		matched++

		pev := ev
		if len(data) > 0 {
			pev.Data = make(map[string]any, len(ev.Data)+len(data))
			for k, v := range ev.Data {
				pev.Data[k] = v
			}
			for k, v := range data {
				pev.Data[k] = v
			}
		}

		r.wg.Add(1)
		go r.execute(ctx, p, pev)
	}
	return matched
}

// execute runs one plugin with timeout and panic isolation, then records the
// outcome.
func (r *Router) execute(ctx context.Context, p Plugin, ev Event) {
	defer r.wg.Done()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer r.sem.Release(1)

	execCtx, cancel := context.WithTimeout(ctx, r.execTimeout)
	defer cancel()

	start := time.Now()
	result, err := runIsolated(execCtx, p, ev)
	rec := Record{
		Plugin:    p.Name(),
		Event:     ev,
		Result:    result,
		Duration:  time.Since(start),
		Timestamp: start,
	}
	status := "ok"
	if err != nil {
		status = "error"
		rec.Err = err.Error()
		slog.Warn("plugin execution failed",
			"plugin", p.Name(),
			"client_id", ev.ClientID,
			"error", err,
		)
	} else {
		slog.Debug("plugin executed",
			"plugin", p.Name(),
			"client_id", ev.ClientID,
			"duration", rec.Duration,
		)
	}
	if r.recorder != nil {
		r.recorder.RecordPluginDispatch(ctx, p.Name(), status)
	}
	r.log.add(rec)

	if err == nil && result != nil && result.Success && result.ShouldContinue && ev.Name != EventPluginAction {
		r.chainAction(ctx, p, ev, result)
	}
}

// chainAction forwards a result that carries an action payload as a
// plugin.action event, so plugins can react to each other's output. Results
// of plugin.action executions are never forwarded again.
func (r *Router) chainAction(ctx context.Context, p Plugin, ev Event, result *Result) {
	action, ok := result.Data["action"]
	if !ok {
		return
	}
	r.Dispatch(ctx, Event{
		Name:           EventPluginAction,
		SessionID:      ev.SessionID,
		ClientID:       ev.ClientID,
		UserID:         ev.UserID,
		ConversationID: ev.ConversationID,
		Timestamp:      time.Now(),
		Data: map[string]any{
			"event":         EventPluginAction,
			"action":        action,
			"source_plugin": p.Name(),
		},
	})
}

// runIsolated converts a plugin panic into an error so one misbehaving
// plugin cannot take down the dispatcher.
func runIsolated(ctx context.Context, p Plugin, ev Event) (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("plugin: %s panicked: %v", p.Name(), rec)
		}
	}()
	return p.Execute(ctx, ev)
}

// RecentEvents returns up to limit recent plugin executions, newest first.
// A limit of 0 returns everything retained.
func (r *Router) RecentEvents(limit int) []Record {
	return r.log.recent(limit)
}

// Wait blocks until all in-flight executions finish. Used by tests and
// during shutdown.
func (r *Router) Wait() {
	r.wg.Wait()
}
