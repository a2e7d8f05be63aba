// Command chronicled is the Chronicle processing core. One binary hosts three
// roles:
//
//	chronicled                         supervisor: HTTP surface + worker fleet
//	chronicled worker   --name N --queues q1,q2
//	chronicled streamer --provider deepgram
//
// The supervisor re-invokes its own executable for the worker and streamer
// roles, so deployments ship a single binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/chroniclehq/chronicle/internal/app"
	"github.com/chroniclehq/chronicle/internal/config"
	"github.com/chroniclehq/chronicle/internal/health"
	"github.com/chroniclehq/chronicle/internal/kv"
	"github.com/chroniclehq/chronicle/internal/observe"
	"github.com/chroniclehq/chronicle/internal/queue"
	"github.com/chroniclehq/chronicle/internal/resilience"
	"github.com/chroniclehq/chronicle/internal/supervisor"
	"github.com/chroniclehq/chronicle/pkg/provider/embeddings"
	ollamaembed "github.com/chroniclehq/chronicle/pkg/provider/embeddings/ollama"
	oaembed "github.com/chroniclehq/chronicle/pkg/provider/embeddings/openai"
	"github.com/chroniclehq/chronicle/pkg/provider/llm"
	"github.com/chroniclehq/chronicle/pkg/provider/llm/anyllm"
	oallm "github.com/chroniclehq/chronicle/pkg/provider/llm/openai"
	"github.com/chroniclehq/chronicle/pkg/provider/stt"
	"github.com/chroniclehq/chronicle/pkg/provider/stt/deepgram"
	"github.com/chroniclehq/chronicle/pkg/provider/stt/whisper"
	"github.com/chroniclehq/chronicle/pkg/provider/vad"
	"github.com/chroniclehq/chronicle/pkg/provider/vad/energy"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	role := "supervisor"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		role = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("chronicled "+role, flag.ExitOnError)
	configPath := fs.String("config", envOr("CHRONICLE_CONFIG", "config.yaml"), "path to the YAML configuration file")
	workerName := fs.String("name", "", "worker name used in logs (worker role)")
	workerQueues := fs.String("queues", queue.QueueDefault, "comma-separated queues to claim (worker role)")
	streamProvider := fs.String("provider", "", "streaming STT provider (streamer role, defaults to providers.stt_stream)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "chronicled: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "chronicled: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	// Supervised worker processes inherit the environment, so they resolve
	// the same config file without needing the flag on their argv.
	os.Setenv("CHRONICLE_CONFIG", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "chronicle-" + role,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	slog.Info("chronicled starting",
		"role", role,
		"version", version,
		"config", *configPath,
	)

	switch role {
	case "supervisor":
		err = runSupervisor(ctx, cfg, *configPath)
	case "worker":
		err = runWorker(ctx, cfg, *workerName, strings.Split(*workerQueues, ","))
	case "streamer":
		err = runStreamer(ctx, cfg, *streamProvider)
	default:
		fmt.Fprintf(os.Stderr, "chronicled: unknown role %q (valid: supervisor, worker, streamer)\n", role)
		return 2
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "role", role, "err", err)
		return 1
	}
	slog.Info("goodbye", "role", role)
	return 0
}

// ── Supervisor role ───────────────────────────────────────────────────────────

// runSupervisor hosts the HTTP surface (health, metrics) and supervises the
// worker fleet, restarting processes that fail their health checks.
func runSupervisor(ctx context.Context, cfg *config.Config, configPath string) error {
	rdb, err := kv.Connect(ctx, kv.Config{URL: cfg.Redis.URL})
	if err != nil {
		return fmt.Errorf("connect key-value store: %w", err)
	}
	defer rdb.Close()
	jobs := queue.NewClient(rdb)

	// Hot-reload what can be reloaded; flag the rest.
	watcher, err := config.NewWatcher(configPath, func(old, updated *config.Config) {
		d := config.Diff(old, updated)
		if d.LogLevelChanged {
			slog.SetDefault(newLogger(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.PluginsChanged {
			slog.Info("plugin configuration changed; restarted workers will pick it up",
				"changes", len(d.PluginChanges))
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes require a restart to take effect",
				"sections", d.RestartRequired)
		}
	})
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	defer watcher.Stop()

	httpDone, err := startHTTP(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer httpDone()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	var streams []string
	if name := cfg.Providers.STTStream.Name; name != "" {
		streams = append(streams, name)
	}

	sup := supervisor.New(jobs,
		supervisor.StandardDefinitions(exe, streams),
		supervisorConfig(cfg.Workers),
		supervisor.WithLogger(slog.Default()),
	)
	return sup.Run(ctx)
}

// supervisorConfig layers the yaml workers block over the package defaults,
// with WORKER_* environment variables taking precedence over both.
func supervisorConfig(w config.WorkersConfig) supervisor.Config {
	def := supervisor.DefaultConfig()

	merged := def
	if w.CheckIntervalSeconds > 0 {
		merged.CheckInterval = time.Duration(w.CheckIntervalSeconds) * time.Second
	}
	if w.StartupGraceSeconds > 0 {
		merged.StartupGrace = time.Duration(w.StartupGraceSeconds) * time.Second
	}
	if w.MinRQWorkers > 0 {
		merged.MinRQWorkers = w.MinRQWorkers
	}
	if w.ShutdownTimeoutSeconds > 0 {
		merged.ShutdownTimeout = time.Duration(w.ShutdownTimeoutSeconds) * time.Second
	}

	env := supervisor.ConfigFromEnv()
	if env.CheckInterval != def.CheckInterval {
		merged.CheckInterval = env.CheckInterval
	}
	if env.StartupGrace != def.StartupGrace {
		merged.StartupGrace = env.StartupGrace
	}
	if env.MinRQWorkers != def.MinRQWorkers {
		merged.MinRQWorkers = env.MinRQWorkers
	}
	if env.ShutdownTimeout != def.ShutdownTimeout {
		merged.ShutdownTimeout = env.ShutdownTimeout
	}
	return merged
}

// startHTTP serves /healthz, /readyz, and /metrics on cfg.Server.ListenAddr.
// Returns a cleanup func; when ListenAddr is empty the surface is disabled and
// the cleanup is a no-op.
func startHTTP(ctx context.Context, cfg *config.Config, rdb *redis.Client) (func(), error) {
	if cfg.Server.ListenAddr == "" {
		return func() {}, nil
	}

	checkers := []health.Checker{{
		Name:  "redis",
		Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}}

	var pool *pgxpool.Pool
	if cfg.Postgres.DSN != "" {
		var err error
		pool, err = pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres pool for readiness checks: %w", err)
		}
		checkers = append(checkers, health.Checker{
			Name:  "postgres",
			Check: func(ctx context.Context) error { return pool.Ping(ctx) },
		})
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(observe.DefaultMetrics())(mux),
	}

	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			slog.Info("https surface listening", "addr", cfg.Server.ListenAddr)
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("http surface listening", "addr", cfg.Server.ListenAddr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http surface error", "err", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http surface shutdown error", "err", err)
		}
		if pool != nil {
			pool.Close()
		}
	}, nil
}

// ── Worker and streamer roles ─────────────────────────────────────────────────

func runWorker(ctx context.Context, cfg *config.Config, name string, queues []string) error {
	if name != "" {
		slog.SetDefault(slog.Default().With("worker", name))
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}
	defer shutdownApp(application)

	slog.Info("worker ready", "queues", queues)
	return application.RunWorker(ctx, queues)
}

func runStreamer(ctx context.Context, cfg *config.Config, provider string) error {
	if provider != "" {
		cfg.Providers.STTStream.Name = provider
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}
	defer shutdownApp(application)

	slog.Info("streamer ready", "provider", cfg.Providers.STTStream.Name)
	return application.RunStreamer(ctx)
}

func shutdownApp(a *app.App) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// openai goes through the official SDK directly; the rest route through
	// any-llm.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// any-llm backends share the same pattern: optional APIKey + optional
	// BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// Batch transcription (post-conversation jobs).

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.BatchProvider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.BatchProvider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// Streaming transcription (live ASR consumer).

	reg.RegisterSTTStream("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTTStream("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTTStream("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// Embeddings.

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})

	// Voice activity detection.

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})
}

// buildProviders instantiates every provider named in cfg via the registry.
// The primary LLM and batch STT providers are wrapped in fallback groups when
// cfg declares fallbacks.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", name)

		if len(cfg.Providers.LLMFallbacks) > 0 {
			group := resilience.NewLLMFallback(p, name, resilience.FallbackConfig{})
			for _, entry := range cfg.Providers.LLMFallbacks {
				fb, err := reg.CreateLLM(entry)
				if err != nil {
					return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
				}
				group.AddFallback(entry.Name, fb)
				slog.Info("provider created", "kind", "llm", "name", entry.Name, "fallback", true)
			}
			ps.LLM = group
		}
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		ps.Batch = p
		slog.Info("provider created", "kind", "stt", "name", name)

		if len(cfg.Providers.STTFallbacks) > 0 {
			group := resilience.NewBatchSTTFallback(p, name, resilience.FallbackConfig{})
			for _, entry := range cfg.Providers.STTFallbacks {
				fb, err := reg.CreateSTT(entry)
				if err != nil {
					return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
				}
				group.AddFallback(entry.Name, fb)
				slog.Info("provider created", "kind", "stt", "name", entry.Name, "fallback", true)
			}
			ps.Batch = group
		}
	}

	if name := cfg.Providers.STTStream.Name; name != "" {
		p, err := reg.CreateSTTStream(cfg.Providers.STTStream)
		if err != nil {
			return nil, fmt.Errorf("create stt_stream provider %q: %w", name, err)
		}
		ps.Stream = p
		slog.Info("provider created", "kind", "stt_stream", "name", name)

		// Reuse the batch fallback list for the live stream where the named
		// provider also has a streaming implementation.
		if len(cfg.Providers.STTFallbacks) > 0 {
			group := resilience.NewSTTFallback(p, name, resilience.FallbackConfig{})
			wired := 0
			for _, entry := range cfg.Providers.STTFallbacks {
				fb, err := reg.CreateSTTStream(entry)
				if errors.Is(err, config.ErrProviderNotRegistered) {
					slog.Debug("stt fallback has no streaming implementation, skipping", "name", entry.Name)
					continue
				}
				if err != nil {
					return nil, fmt.Errorf("create stt_stream fallback %q: %w", entry.Name, err)
				}
				group.AddFallback(entry.Name, fb)
				wired++
				slog.Info("provider created", "kind", "stt_stream", "name", entry.Name, "fallback", true)
			}
			if wired > 0 {
				ps.Stream = group
			}
		}
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		}
		ps.VAD = p
		slog.Info("provider created", "kind", "vad", "name", name)
	}

	return ps, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
