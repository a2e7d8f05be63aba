package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeProc is a controllable stand-in for a child process.
type fakeProc struct {
	pid  int
	done chan error
	once sync.Once

	mu         sync.Mutex
	terminated bool
	killed     bool

	// exitOnTerminate makes Terminate behave like a cooperative process.
	exitOnTerminate bool
}

func newFakeProc(pid int, cooperative bool) *fakeProc {
	return &fakeProc{pid: pid, done: make(chan error, 1), exitOnTerminate: cooperative}
}

func (p *fakeProc) Done() <-chan error { return p.done }
func (p *fakeProc) PID() int           { return p.pid }

func (p *fakeProc) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	if p.exitOnTerminate {
		p.exit(nil)
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(errors.New("killed"))
	return nil
}

func (p *fakeProc) exit(err error) {
	p.once.Do(func() {
		p.done <- err
		close(p.done)
	})
}

func (p *fakeProc) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// fakeLauncher hands out fakeProcs and records every launch.
type fakeLauncher struct {
	mu       sync.Mutex
	launches []string
	current  map[string]*fakeProc
	failFor  map[string]error
	nextPID  int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{current: make(map[string]*fakeProc), nextPID: 100}
}

func (l *fakeLauncher) launch(_ context.Context, def Definition) (process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, def.Name)
	if err := l.failFor[def.Name]; err != nil {
		return nil, err
	}
	l.nextPID++
	p := newFakeProc(l.nextPID, true)
	l.current[def.Name] = p
	return p, nil
}

func (l *fakeLauncher) launchCount(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, launched := range l.launches {
		if launched == name {
			n++
		}
	}
	return n
}

func (l *fakeLauncher) proc(name string) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current[name]
}

// fakeRegistry returns a fixed set of live worker identities.
type fakeRegistry struct {
	mu   sync.Mutex
	live []string
	err  error
}

func (r *fakeRegistry) LiveWorkers(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live, r.err
}

func (r *fakeRegistry) setLive(ids ...string) {
	r.mu.Lock()
	r.live = ids
	r.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	return cfg
}

func TestStartAllSkipsDisabled(t *testing.T) {
	l := newFakeLauncher()
	defs := []Definition{
		{Name: "w1", Type: TypeRQWorker, Command: []string{"x"}},
		{Name: "w2", Type: TypeRQWorker, Command: []string{"x"}, Enabled: func() bool { return false }},
	}
	s := New(&fakeRegistry{}, defs, testConfig(), WithLogger(quietLogger()), withLauncher(l.launch))

	if err := s.startAll(context.Background()); err != nil {
		t.Fatalf("startAll: %v", err)
	}
	if l.launchCount("w1") != 1 || l.launchCount("w2") != 0 {
		t.Errorf("launches = %v, want only w1", l.launches)
	}

	statuses := s.Statuses()
	if statuses[0].State != StateRunning {
		t.Errorf("w1 state = %s, want running", statuses[0].State)
	}
	if statuses[1].State != StatePending {
		t.Errorf("w2 state = %s, want pending", statuses[1].State)
	}
}

func TestLivenessRestartsFailedWorker(t *testing.T) {
	l := newFakeLauncher()
	defs := []Definition{{Name: "w1", Type: TypeRQWorker, Command: []string{"x"}, RestartOnFailure: true}}
	s := New(&fakeRegistry{live: []string{"a", "b", "c", "d", "e", "f"}}, defs, testConfig(),
		WithLogger(quietLogger()), withLauncher(l.launch))

	if err := s.startAll(context.Background()); err != nil {
		t.Fatalf("startAll: %v", err)
	}
	l.proc("w1").exit(errors.New("segfault"))

	s.check(context.Background())

	if got := l.launchCount("w1"); got != 2 {
		t.Errorf("launch count = %d, want 2 (initial + restart)", got)
	}
	st := s.Statuses()[0]
	if st.State != StateRunning {
		t.Errorf("state = %s, want running after restart", st.State)
	}
	if st.Restarts != 1 {
		t.Errorf("restarts = %d, want 1", st.Restarts)
	}
}

func TestLivenessLeavesFailedWhenRestartDisabled(t *testing.T) {
	l := newFakeLauncher()
	defs := []Definition{{Name: "w1", Type: TypeRQWorker, Command: []string{"x"}}}
	s := New(&fakeRegistry{live: []string{"a", "b", "c", "d", "e", "f"}}, defs, testConfig(),
		WithLogger(quietLogger()), withLauncher(l.launch))

	if err := s.startAll(context.Background()); err != nil {
		t.Fatalf("startAll: %v", err)
	}
	l.proc("w1").exit(nil)

	s.check(context.Background())

	if got := l.launchCount("w1"); got != 1 {
		t.Errorf("launch count = %d, want 1 (no restart)", got)
	}
	if st := s.Statuses()[0]; st.State != StateFailed {
		t.Errorf("state = %s, want failed", st.State)
	}
}

func TestRegistrationLossBulkRestartsQueueWorkers(t *testing.T) {
	l := newFakeLauncher()
	defs := []Definition{
		{Name: "w1", Type: TypeRQWorker, Command: []string{"x"}, RestartOnFailure: true},
		{Name: "w2", Type: TypeRQWorker, Command: []string{"x"}, RestartOnFailure: true},
		{Name: "streamer", Type: TypeStreamConsumer, Command: []string{"x"}, RestartOnFailure: true},
	}
	reg := &fakeRegistry{}
	cfg := testConfig()
	cfg.MinRQWorkers = 2
	s := New(reg, defs, cfg, WithLogger(quietLogger()), withLauncher(l.launch))

	if err := s.startAll(context.Background()); err != nil {
		t.Fatalf("startAll: %v", err)
	}

	// Registration floor lost: only one worker registered.
	reg.setLive("w1")
	s.check(context.Background())

	if got := l.launchCount("w1"); got != 2 {
		t.Errorf("w1 launches = %d, want 2", got)
	}
	if got := l.launchCount("w2"); got != 2 {
		t.Errorf("w2 launches = %d, want 2", got)
	}
	if got := l.launchCount("streamer"); got != 1 {
		t.Errorf("streamer launches = %d, want 1 (not a queue worker)", got)
	}
	for _, st := range s.Statuses() {
		if st.State != StateRunning {
			t.Errorf("%s state = %s, want running", st.Name, st.State)
		}
	}
}

func TestBulkRestartCooldown(t *testing.T) {
	l := newFakeLauncher()
	defs := []Definition{{Name: "w1", Type: TypeRQWorker, Command: []string{"x"}, RestartOnFailure: true}}
	reg := &fakeRegistry{}
	cfg := testConfig()
	cfg.MinRQWorkers = 1
	cfg.RestartCooldown = time.Hour
	s := New(reg, defs, cfg, WithLogger(quietLogger()), withLauncher(l.launch))

	if err := s.startAll(context.Background()); err != nil {
		t.Fatalf("startAll: %v", err)
	}

	s.check(context.Background()) // first loss: restart
	s.check(context.Background()) // second loss inside cooldown: skip

	if got := l.launchCount("w1"); got != 2 {
		t.Errorf("launch count = %d, want 2 (cooldown suppresses second bulk restart)", got)
	}
}

func TestStopWorkerEscalatesToKill(t *testing.T) {
	stubborn := newFakeProc(42, false) // ignores Terminate
	l := newFakeLauncher()
	defs := []Definition{{Name: "w1", Type: TypeRQWorker, Command: []string{"x"}}}
	s := New(&fakeRegistry{}, defs, testConfig(), WithLogger(quietLogger()),
		withLauncher(func(context.Context, Definition) (process, error) {
			return stubborn, nil
		}))
	_ = l

	if err := s.startAll(context.Background()); err != nil {
		t.Fatalf("startAll: %v", err)
	}
	s.stopWorker(s.workers[0])

	if !stubborn.wasKilled() {
		t.Error("stubborn process was not killed after shutdown timeout")
	}
	if st := s.Statuses()[0]; st.State != StateStopped {
		t.Errorf("state = %s, want stopped", st.State)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	l := newFakeLauncher()
	defs := []Definition{
		{Name: "w1", Type: TypeRQWorker, Command: []string{"x"}},
		{Name: "streamer", Type: TypeStreamConsumer, Command: []string{"x"}},
	}
	s := New(&fakeRegistry{}, defs, testConfig(), WithLogger(quietLogger()), withLauncher(l.launch))

	if err := s.startAll(context.Background()); err != nil {
		t.Fatalf("startAll: %v", err)
	}
	s.Shutdown(context.Background())

	for _, st := range s.Statuses() {
		if st.State != StateStopped {
			t.Errorf("%s state = %s, want stopped", st.Name, st.State)
		}
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("WORKER_CHECK_INTERVAL", "5")
	t.Setenv("WORKER_STARTUP_GRACE_PERIOD", "1m")
	t.Setenv("MIN_RQ_WORKERS", "3")
	t.Setenv("WORKER_SHUTDOWN_TIMEOUT", "bogus")

	cfg := ConfigFromEnv()
	if cfg.CheckInterval != 5*time.Second {
		t.Errorf("CheckInterval = %v, want 5s (bare seconds)", cfg.CheckInterval)
	}
	if cfg.StartupGrace != time.Minute {
		t.Errorf("StartupGrace = %v, want 1m (duration syntax)", cfg.StartupGrace)
	}
	if cfg.MinRQWorkers != 3 {
		t.Errorf("MinRQWorkers = %d, want 3", cfg.MinRQWorkers)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("ShutdownTimeout = %v, want default for unparseable value", cfg.ShutdownTimeout)
	}
}

func TestStandardDefinitions(t *testing.T) {
	defs := StandardDefinitions("/usr/bin/chronicled", []string{"deepgram"})

	if len(defs) != 8 {
		t.Fatalf("got %d definitions, want 8 (6 multi-queue + audio + streamer)", len(defs))
	}

	rq, streamers := 0, 0
	for _, d := range defs {
		switch d.Type {
		case TypeRQWorker:
			rq++
		case TypeStreamConsumer:
			streamers++
		}
		if !d.RestartOnFailure {
			t.Errorf("%s does not restart on failure", d.Name)
		}
		if d.Command[0] != "/usr/bin/chronicled" {
			t.Errorf("%s command = %v, want the chronicled binary", d.Name, d.Command)
		}
	}
	if rq != 7 || streamers != 1 {
		t.Errorf("rq=%d streamers=%d, want 7 and 1", rq, streamers)
	}

	multi := defs[0]
	if strings.Join(multi.Queues, ",") != "transcription,memory,default" {
		t.Errorf("multi-queue worker queues = %v", multi.Queues)
	}
	audio := defs[6]
	if audio.Name != "audio-worker" || strings.Join(audio.Queues, ",") != "audio" {
		t.Errorf("audio worker = %+v", audio)
	}
	if defs[7].Name != "streamer-deepgram" {
		t.Errorf("streamer name = %s", defs[7].Name)
	}
}
