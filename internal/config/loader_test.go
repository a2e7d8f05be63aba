package config_test

import (
	"strings"
	"testing"

	"github.com/chroniclehq/chronicle/internal/config"
	"github.com/chroniclehq/chronicle/internal/plugin"
)

const validBase = `
redis:
  url: "redis://localhost:6379/0"
`

func TestValidate_DuplicatePluginNames(t *testing.T) {
	yaml := validBase + `
plugins:
  - name: notes
    transport: stdio
    command: /bin/notes
    tool: record
    trigger:
      condition: always
  - name: notes
    transport: http
    url: http://localhost:9000
    tool: record
    trigger:
      condition: always
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate plugin names, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_WakeWordWithoutWords(t *testing.T) {
	yaml := validBase + `
plugins:
  - name: listener
    transport: stdio
    command: /bin/listener
    tool: listen
    trigger:
      condition: wake_word
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for wake_word trigger without words, got nil")
	}
}

func TestValidate_RegexPatternDoesNotCompile(t *testing.T) {
	yaml := validBase + `
plugins:
  - name: matcher
    transport: stdio
    command: /bin/matcher
    tool: match
    trigger:
      condition: regex
      patterns: ["[unclosed"]
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for non-compiling regex pattern, got nil")
	}
	if !strings.Contains(err.Error(), "does not compile") {
		t.Errorf("error should mention compilation, got: %v", err)
	}
}

func TestValidate_RegexWithoutPatterns(t *testing.T) {
	yaml := validBase + `
plugins:
  - name: matcher
    transport: stdio
    command: /bin/matcher
    tool: match
    trigger:
      condition: regex
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for regex trigger without patterns, got nil")
	}
}

func TestValidate_InvalidTriggerCondition(t *testing.T) {
	yaml := validBase + `
plugins:
  - name: oddball
    transport: stdio
    command: /bin/oddball
    tool: run
    trigger:
      condition: sometimes
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid trigger condition, got nil")
	}
}

func TestValidate_PluginUnknownEventAndAccess(t *testing.T) {
	yaml := validBase + `
plugins:
  - name: eager
    transport: stdio
    command: /bin/eager
    tool: run
    events: ["transcript.streaming", "transcript.final"]
    access: ["transcript", "root"]
    trigger:
      condition: always
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown event and access level, got nil")
	}
	msg := err.Error()
	if !strings.Contains(msg, "unknown event") {
		t.Errorf("error should mention the unknown event, got: %v", err)
	}
	if !strings.Contains(msg, `access "root"`) {
		t.Errorf("error should mention the invalid access level, got: %v", err)
	}
}

func TestValidate_PluginMissingNameAndTool(t *testing.T) {
	yaml := validBase + `
plugins:
  - transport: stdio
    command: /bin/anon
    trigger:
      condition: always
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for plugin without name and tool, got nil")
	}
	msg := err.Error()
	if !strings.Contains(msg, "name is required") {
		t.Errorf("error should mention missing name, got: %v", err)
	}
	if !strings.Contains(msg, "tool is required") {
		t.Errorf("error should mention missing tool, got: %v", err)
	}
}

func TestValidate_CollectsMultipleErrors(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	yaml := `
server:
  log_level: loud
speaker_recognition:
  enabled: true
workers:
  min_rq_workers: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected joined validation errors, got nil")
	}
	msg := err.Error()
	for _, want := range []string{"log_level", "redis.url", "base_url", "min_rq_workers"} {
		if !strings.Contains(msg, want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidProviderNames_CoversAllKinds(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"llm", "stt", "stt_stream", "embeddings", "vad"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("ValidProviderNames[%q] is empty", kind)
		}
	}
}

func TestPluginTrigger_CompilesPatterns(t *testing.T) {
	t.Parallel()
	tr, err := config.PluginTrigger(config.PluginConfig{Trigger: config.TriggerConfig{
		Condition: "regex",
		Patterns:  []string{`(?i)\bremind me\b`, `^note:`},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Condition != plugin.ConditionRegex {
		t.Errorf("condition: got %q, want %q", tr.Condition, plugin.ConditionRegex)
	}
	if len(tr.Patterns) != 2 {
		t.Fatalf("patterns: got %d, want 2", len(tr.Patterns))
	}
	if !tr.Patterns[0].MatchString("could you Remind Me tomorrow") {
		t.Error("first compiled pattern should match case-insensitively")
	}
}

func TestPluginTrigger_BadPattern(t *testing.T) {
	t.Parallel()
	_, err := config.PluginTrigger(config.PluginConfig{Trigger: config.TriggerConfig{
		Condition: "regex",
		Patterns:  []string{"[broken"},
	}})
	if err == nil {
		t.Fatal("expected error for non-compiling pattern, got nil")
	}
}

func TestPluginTrigger_WakeWords(t *testing.T) {
	t.Parallel()
	tr, err := config.PluginTrigger(config.PluginConfig{Trigger: config.TriggerConfig{
		Condition: "wake_word",
		WakeWords: []string{"hey chronicle", "ok chronicle"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Condition != plugin.ConditionWakeWord {
		t.Errorf("condition: got %q, want %q", tr.Condition, plugin.ConditionWakeWord)
	}
	if len(tr.WakeWords) != 2 {
		t.Errorf("wake words: got %d, want 2", len(tr.WakeWords))
	}
}

func TestPluginTrigger_EventsAndAccess(t *testing.T) {
	t.Parallel()
	tr, err := config.PluginTrigger(config.PluginConfig{
		Events: []string{"conversation.complete", "memory.processed"},
		Access: []string{"conversation", "memory"},
		Trigger: config.TriggerConfig{
			Condition: "always",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tr.Subscribes(plugin.EventConversationComplete) || tr.Subscribes(plugin.EventTranscriptStreaming) {
		t.Errorf("subscription not carried over: %v", tr.Events)
	}
	if !tr.Allows(plugin.AccessMemory) || tr.Allows(plugin.AccessTranscript) {
		t.Errorf("access grants not carried over: %v", tr.Access)
	}
}
