// Package app wires Chronicle's subsystems into runnable processes.
//
// The App struct owns every cross-process handle — the key–value store
// connection, the conversation and memory stores, the provider set, the job
// queue, the pipeline orchestrator, and the plugin router. There is no mutable
// package-global state: worker entry points receive the App value and pull the
// handles they need.
//
// One binary hosts three roles. RunWorker claims and executes queue jobs,
// RunStreamer runs the streaming ASR consumer, and the supervisor role (built
// in cmd) launches one process per role. For testing, inject doubles via
// functional options (WithRedis, WithConversationStore, etc.); when an option
// is not provided, New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/chroniclehq/chronicle/internal/config"
	"github.com/chroniclehq/chronicle/internal/conversation"
	"github.com/chroniclehq/chronicle/internal/kv"
	"github.com/chroniclehq/chronicle/internal/observe"
	"github.com/chroniclehq/chronicle/internal/pipeline"
	"github.com/chroniclehq/chronicle/internal/plugin"
	"github.com/chroniclehq/chronicle/internal/queue"
	"github.com/chroniclehq/chronicle/internal/session"
	"github.com/chroniclehq/chronicle/internal/streaming"
	"github.com/chroniclehq/chronicle/internal/transcript"
	"github.com/chroniclehq/chronicle/pkg/memory"
	memorypg "github.com/chroniclehq/chronicle/pkg/memory/postgres"
	"github.com/chroniclehq/chronicle/pkg/provider/embeddings"
	"github.com/chroniclehq/chronicle/pkg/provider/llm"
	"github.com/chroniclehq/chronicle/pkg/provider/speaker"
	"github.com/chroniclehq/chronicle/pkg/provider/stt"
	"github.com/chroniclehq/chronicle/pkg/provider/vad"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured; the corresponding stage degrades to a
// structured no-op. Populated by main via the config registry.
type Providers struct {
	// Batch transcribes complete WAV recordings (post-conversation jobs).
	Batch stt.BatchProvider

	// Stream is the real-time ASR provider (streaming consumer).
	Stream stt.Provider

	// LLM drives memory extraction, title/summary, and transcript correction.
	LLM llm.Provider

	// Embeddings produces vectors for extracted memories.
	Embeddings embeddings.Provider

	// VAD marks speech activity in live sessions.
	VAD vad.Engine
}

// App owns all subsystem lifetimes for one Chronicle process.
type App struct {
	cfg       *config.Config
	providers *Providers

	rdb      *redis.Client
	jobs     *queue.Client
	convs    pipeline.ConversationStore
	memories memory.Store
	speakers *speaker.Client
	router   *plugin.Router
	orch     *pipeline.Orchestrator
	metrics  *observe.Metrics

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRedis injects an established key–value store connection.
func WithRedis(rdb *redis.Client) Option {
	return func(a *App) { a.rdb = rdb }
}

// WithConversationStore injects a conversation store instead of connecting to
// Postgres.
func WithConversationStore(s pipeline.ConversationStore) Option {
	return func(a *App) { a.convs = s }
}

// WithMemoryStore injects a memory store instead of connecting to Postgres.
func WithMemoryStore(s memory.Store) Option {
	return func(a *App) { a.memories = s }
}

// WithRouter injects a pre-built plugin router; the configured MCP plugins
// are skipped.
func WithRouter(r *plugin.Router) Option {
	return func(a *App) { a.router = r }
}

// WithMetrics injects a metrics instance instead of the process-global one.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New wires an App from config and providers. Initialisation is synchronous:
// the key–value store connection is verified with a ping, the document stores
// run their migrations, and every configured MCP plugin is connected before
// New returns.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.rdb == nil {
		rdb, err := kv.Connect(ctx, kv.Config{URL: cfg.Redis.URL})
		if err != nil {
			return nil, fmt.Errorf("app: connect key-value store: %w", err)
		}
		a.rdb = rdb
		a.closers = append(a.closers, rdb.Close)
	}
	a.jobs = queue.NewClient(a.rdb)

	if err := a.initStores(ctx); err != nil {
		return nil, err
	}
	if err := a.initSpeaker(); err != nil {
		return nil, err
	}
	if err := a.initPlugins(ctx); err != nil {
		return nil, err
	}

	a.orch = pipeline.NewOrchestrator(a.jobs, a.rdb, a.convs, cfg.Speaker.Enabled)
	return a, nil
}

// initStores connects the conversation and memory stores unless injected.
func (a *App) initStores(ctx context.Context) error {
	if a.convs == nil {
		if a.cfg.Postgres.DSN == "" {
			return fmt.Errorf("app: postgres.dsn is required when stores are not injected")
		}
		store, err := conversation.NewStore(ctx, a.cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("app: init conversation store: %w", err)
		}
		a.convs = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}

	if a.memories == nil && a.cfg.Postgres.DSN != "" {
		dims := a.cfg.Postgres.EmbeddingDimensions
		if dims == 0 {
			dims = 1536
		}
		store, err := memorypg.NewStore(ctx, a.cfg.Postgres.DSN, dims)
		if err != nil {
			return fmt.Errorf("app: init memory store: %w", err)
		}
		a.memories = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}
	return nil
}

// initSpeaker builds the speaker-recognition client when the stage is enabled.
func (a *App) initSpeaker() error {
	if !a.cfg.Speaker.Enabled || a.cfg.Speaker.BaseURL == "" {
		return nil
	}
	client, err := speaker.New(a.cfg.Speaker.BaseURL)
	if err != nil {
		return fmt.Errorf("app: init speaker client: %w", err)
	}
	a.speakers = client
	return nil
}

// initPlugins builds the router and connects every configured MCP plugin.
// A plugin that fails to connect fails startup: a misconfigured plugin list
// should be caught at deploy time, not silently dropped.
func (a *App) initPlugins(ctx context.Context) error {
	if a.router != nil {
		return nil
	}
	a.router = plugin.NewRouter(plugin.WithDispatchRecorder(a.metrics))

	for _, pc := range a.cfg.Plugins {
		trigger, err := config.PluginTrigger(pc)
		if err != nil {
			return fmt.Errorf("app: plugin %s: %w", pc.Name, err)
		}
		p, err := plugin.NewMCPPlugin(ctx, plugin.MCPConfig{
			Name:      pc.Name,
			Transport: pc.Transport,
			Command:   pc.Command,
			URL:       pc.URL,
			Env:       pc.Env,
			Tool:      pc.Tool,
			Trigger:   trigger,
		})
		if err != nil {
			return fmt.Errorf("app: connect plugin %s: %w", pc.Name, err)
		}
		if err := a.router.Register(p); err != nil {
			_ = p.Close()
			return fmt.Errorf("app: register plugin %s: %w", pc.Name, err)
		}
		a.closers = append(a.closers, p.Close)
		slog.Info("plugin connected", "name", pc.Name, "transport", pc.Transport)
	}
	return nil
}

// Accessors used by the job-control surface and tests.

// Orchestrator returns the pipeline orchestrator.
func (a *App) Orchestrator() *pipeline.Orchestrator { return a.orch }

// Queue returns the job-queue client.
func (a *App) Queue() *queue.Client { return a.jobs }

// Router returns the plugin router.
func (a *App) Router() *plugin.Router { return a.router }

// Redis returns the shared key–value store connection.
func (a *App) Redis() *redis.Client { return a.rdb }

// RunWorker claims and executes jobs from the given queues until ctx is
// cancelled. Every role handler is registered; the queue binding decides
// which roles this process actually claims.
func (a *App) RunWorker(ctx context.Context, queues []string) error {
	w := queue.NewWorker(a.jobs, queues)
	w.Observe(a.metrics)

	handlers := pipeline.NewHandlers(pipeline.HandlerConfig{
		Store:     a.convs,
		RDB:       a.rdb,
		Batch:     a.providers.Batch,
		Speaker:   a.speakerService(),
		LLM:       a.providers.LLM,
		LLMModel:  a.cfg.Providers.LLM.Model,
		Embedder:  a.providers.Embeddings,
		Memories:  a.memories,
		Router:    a.router,
		Corrector: transcript.NewPipeline(),
		Entities:  a.entitySource(),
		Language:  a.cfg.Session.Language,
	})
	handlers.RegisterAll(w)

	w.Register(queue.RoleSpeechDetection,
		session.SpeechDetectionHandler(a.rdb, a.jobs, a.providers.VAD))
	w.Register(queue.RoleAudioPersistence,
		session.AudioPersistenceHandler(a.rdb, a.jobs, a.cfg.Session.AudioDir))

	return w.Run(ctx)
}

// RunStreamer runs the streaming ASR consumer until ctx is cancelled. The
// stream maintainer (stuck-consumer reaping) runs alongside it.
func (a *App) RunStreamer(ctx context.Context) error {
	if a.providers.Stream == nil {
		return fmt.Errorf("app: streamer role requires a streaming STT provider")
	}

	opts := []streaming.Option{
		streaming.WithRouter(a.router),
		streaming.WithUserResolver(streaming.NewRedisUserResolver(a.rdb)),
	}
	if a.cfg.Session.Language != "" {
		opts = append(opts, streaming.WithLanguage(a.cfg.Session.Language))
	}
	if a.speakers != nil {
		opts = append(opts, streaming.WithIdentifier(a.speakers))
	}

	maintainer := session.NewMaintainer(a.rdb)
	maintainer.Start(ctx)
	defer maintainer.Stop()

	consumer := streaming.NewConsumer(a.rdb, a.providers.Stream, opts...)
	return consumer.Run(ctx)
}

// speakerService adapts the nullable client to the handler interface. A typed
// nil inside a non-nil interface would defeat the handlers' nil checks.
func (a *App) speakerService() pipeline.SpeakerService {
	if a.speakers == nil {
		return nil
	}
	return a.speakers
}

func (a *App) entitySource() pipeline.EntitySource {
	if a.speakers == nil {
		return nil
	}
	return pipeline.SpeakerEntitySource{Client: a.speakers}
}

// Shutdown tears down all subsystems in reverse-init order. If ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.router != nil {
			a.router.Wait()
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
