package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// WorkerType distinguishes queue-consuming workers from stream consumers.
// Only rq_worker processes register in the queue's worker namespace, so only
// they participate in the cluster-registration check and bulk restarts.
type WorkerType string

const (
	TypeRQWorker       WorkerType = "rq_worker"
	TypeStreamConsumer WorkerType = "stream_consumer"
)

// State is one node of the per-worker lifecycle:
//
//	pending → starting → running → (unhealthy | stopping) → stopped | failed
type State string

const (
	StatePending   State = "pending"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateUnhealthy State = "unhealthy"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// Definition declares one worker process the supervisor manages.
type Definition struct {
	Name    string
	Command []string
	Type    WorkerType

	// Queues the worker consumes. Informational; the command carries the
	// actual flags.
	Queues []string

	// RestartOnFailure restarts the worker when its process exits outside a
	// supervisor-initiated stop.
	RestartOnFailure bool

	// Enabled gates startup. Nil means always enabled.
	Enabled func() bool
}

func (d Definition) enabled() bool {
	return d.Enabled == nil || d.Enabled()
}

// process is one live child. The default implementation wraps exec.Cmd;
// tests substitute fakes via withLauncher.
type process interface {
	// Done is closed-with-value once when the process exits.
	Done() <-chan error

	// Terminate asks the process to exit gracefully.
	Terminate() error

	// Kill ends the process immediately.
	Kill() error

	// PID identifies the process in logs.
	PID() int
}

// launcher starts the process a definition describes.
type launcher func(ctx context.Context, def Definition) (process, error)

// execProcess is the production process implementation.
type execProcess struct {
	cmd  *exec.Cmd
	done chan error
}

// execLaunch starts def.Command as a child process inheriting the
// supervisor's stdio.
func execLaunch(ctx context.Context, def Definition) (process, error) {
	if len(def.Command) == 0 {
		return nil, fmt.Errorf("supervisor: %s has an empty command", def.Name)
	}
	cmd := exec.CommandContext(ctx, def.Command[0], def.Command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start %s: %w", def.Name, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan error, 1)}
	go func() {
		p.done <- cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) Done() <-chan error { return p.done }

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(os.Interrupt)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

// worker is the supervisor's record of one managed process.
type worker struct {
	def Definition

	mu        sync.Mutex
	state     State
	proc      process
	startedAt time.Time
	restarts  int
	exitErr   error
}

func (w *worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Status is a point-in-time snapshot of one worker, for logs and inspection.
type Status struct {
	Name      string     `json:"name"`
	Type      WorkerType `json:"type"`
	State     State      `json:"state"`
	PID       int        `json:"pid,omitempty"`
	Restarts  int        `json:"restarts"`
	StartedAt time.Time  `json:"started_at,omitzero"`
}

func (w *worker) status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Name:      w.def.Name,
		Type:      w.def.Type,
		State:     w.state,
		Restarts:  w.restarts,
		StartedAt: w.startedAt,
	}
	if w.proc != nil {
		s.PID = w.proc.PID()
	}
	return s
}
