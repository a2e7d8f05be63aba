package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/chroniclehq/chronicle/internal/plugin"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"stt":        {"whisper", "whisper-native"},
	"stt_stream": {"deepgram", "whisper", "whisper-native"},
	"embeddings": {"openai", "ollama"},
	"vad":        {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate]. The REDIS_URL environment variable, when set, overrides
// redis.url.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Stores
	if cfg.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required (or set REDIS_URL)"))
	}
	if cfg.Postgres.DSN == "" {
		slog.Warn("postgres.dsn is empty; conversations and memories cannot be persisted")
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("stt_stream", cfg.Providers.STTStream.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	// Provider availability warnings
	if cfg.Providers.STTStream.Name == "" {
		slog.Warn("providers.stt_stream is not configured; live transcription is disabled")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; memory extraction and title/summary jobs will fail")
	}

	// Embeddings ↔ postgres dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Postgres.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but postgres.embedding_dimensions is not set; defaulting to 1536")
	}

	// Speaker recognition
	if cfg.Speaker.Enabled && cfg.Speaker.BaseURL == "" {
		errs = append(errs, errors.New("speaker_recognition.base_url is required when speaker_recognition.enabled is true"))
	}

	// Workers
	if cfg.Workers.MinRQWorkers < 0 {
		errs = append(errs, fmt.Errorf("workers.min_rq_workers %d must not be negative", cfg.Workers.MinRQWorkers))
	}

	// Plugins
	pluginNamesSeen := make(map[string]int, len(cfg.Plugins))
	for i, p := range cfg.Plugins {
		prefix := fmt.Sprintf("plugins[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := pluginNamesSeen[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of plugins[%d]", prefix, p.Name, prev))
			}
			pluginNamesSeen[p.Name] = i
		}
		if p.Tool == "" {
			errs = append(errs, fmt.Errorf("%s.tool is required", prefix))
		}
		switch p.Transport {
		case "stdio":
			if p.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
			}
		case "http":
			if p.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when transport is http", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, http", prefix, p.Transport))
		}

		for _, evName := range p.Events {
			if !plugin.KnownEvent(evName) {
				errs = append(errs, fmt.Errorf("%s.events contains unknown event %q", prefix, evName))
			}
		}
		for _, a := range p.Access {
			if !plugin.AccessLevel(a).IsValid() {
				errs = append(errs, fmt.Errorf("%s.access %q is invalid; valid values: transcript, conversation, memory, button", prefix, a))
			}
		}

		cond := plugin.Condition(p.Trigger.Condition)
		if !cond.IsValid() {
			errs = append(errs, fmt.Errorf("%s.trigger.condition %q is invalid; valid values: always, wake_word, regex", prefix, p.Trigger.Condition))
		}
		if cond == plugin.ConditionWakeWord && len(p.Trigger.WakeWords) == 0 {
			errs = append(errs, fmt.Errorf("%s.trigger declares wake_word with no wake words", prefix))
		}
		if cond == plugin.ConditionRegex {
			if len(p.Trigger.Patterns) == 0 {
				errs = append(errs, fmt.Errorf("%s.trigger declares regex with no patterns", prefix))
			}
			for _, pat := range p.Trigger.Patterns {
				if _, err := regexp.Compile(pat); err != nil {
					errs = append(errs, fmt.Errorf("%s.trigger pattern %q does not compile: %v", prefix, pat, err))
				}
			}
		}
	}

	return errors.Join(errs...)
}

// PluginTrigger converts a validated plugin config into the router's trigger
// form: condition plus event subscription and access grants, with regex
// patterns compiled.
func PluginTrigger(pc PluginConfig) (plugin.Trigger, error) {
	tr := plugin.Trigger{
		Condition: plugin.Condition(pc.Trigger.Condition),
		WakeWords: pc.Trigger.WakeWords,
		Events:    pc.Events,
	}
	for _, a := range pc.Access {
		tr.Access = append(tr.Access, plugin.AccessLevel(a))
	}
	for _, pat := range pc.Trigger.Patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return plugin.Trigger{}, fmt.Errorf("config: compile trigger pattern %q: %w", pat, err)
		}
		tr.Patterns = append(tr.Patterns, re)
	}
	return tr, nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
