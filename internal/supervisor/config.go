package supervisor

import (
	"os"
	"strconv"
	"time"
)

// Defaults for the supervision loop. Each has a matching environment
// override read by ConfigFromEnv.
const (
	DefaultCheckInterval   = 10 * time.Second
	DefaultStartupGrace    = 30 * time.Second
	DefaultMinRQWorkers    = 6
	DefaultRestartCooldown = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// Config tunes the supervision loop.
type Config struct {
	// CheckInterval is the cadence of the health-check pass.
	CheckInterval time.Duration

	// StartupGrace suspends health checks after startup so slow-starting
	// workers are not restarted before they register.
	StartupGrace time.Duration

	// MinRQWorkers is the registration floor: fewer live entries in the
	// queue's worker namespace triggers a bulk restart.
	MinRQWorkers int

	// RestartCooldown gates consecutive bulk restarts so a transient
	// network blip does not cause restart churn.
	RestartCooldown time.Duration

	// ShutdownTimeout bounds the graceful-terminate phase per worker before
	// the process is killed.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the stock supervision knobs.
func DefaultConfig() Config {
	return Config{
		CheckInterval:   DefaultCheckInterval,
		StartupGrace:    DefaultStartupGrace,
		MinRQWorkers:    DefaultMinRQWorkers,
		RestartCooldown: DefaultRestartCooldown,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// ConfigFromEnv applies environment overrides to the defaults:
// WORKER_CHECK_INTERVAL, WORKER_STARTUP_GRACE_PERIOD, MIN_RQ_WORKERS,
// WORKER_SHUTDOWN_TIMEOUT. Durations accept either Go duration syntax or a
// bare number of seconds. Unparseable values keep the default.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if d, ok := envDuration("WORKER_CHECK_INTERVAL"); ok {
		cfg.CheckInterval = d
	}
	if d, ok := envDuration("WORKER_STARTUP_GRACE_PERIOD"); ok {
		cfg.StartupGrace = d
	}
	if d, ok := envDuration("WORKER_SHUTDOWN_TIMEOUT"); ok {
		cfg.ShutdownTimeout = d
	}
	if v := os.Getenv("MIN_RQ_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MinRQWorkers = n
		}
	}
	return cfg
}

func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, true
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}
