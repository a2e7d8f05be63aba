package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
//
// Plugin and log-level changes can be hot-reloaded; anything listed in
// RestartRequired needs a process restart to take effect (provider swaps,
// store endpoints, worker topology).
type ConfigDiff struct {
	PluginsChanged  bool         // true if any plugin was added, removed, or modified
	PluginChanges   []PluginDiff // per-plugin diffs
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the config sections whose change cannot be
	// applied to a running process (e.g. "providers.llm", "redis").
	RestartRequired []string
}

// PluginDiff describes what changed for a single plugin between two configs.
type PluginDiff struct {
	Name             string
	TransportChanged bool
	TriggerChanged   bool
	Added            bool
	Removed          bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Restart-required sections.
	if old.Redis != new.Redis {
		d.RestartRequired = append(d.RestartRequired, "redis")
	}
	if old.Postgres != new.Postgres {
		d.RestartRequired = append(d.RestartRequired, "postgres")
	}
	if !providerEntryEqual(old.Providers.STT, new.Providers.STT) {
		d.RestartRequired = append(d.RestartRequired, "providers.stt")
	}
	if !providerEntryEqual(old.Providers.STTStream, new.Providers.STTStream) {
		d.RestartRequired = append(d.RestartRequired, "providers.stt_stream")
	}
	if !providerEntryEqual(old.Providers.LLM, new.Providers.LLM) {
		d.RestartRequired = append(d.RestartRequired, "providers.llm")
	}
	if !providerEntryEqual(old.Providers.Embeddings, new.Providers.Embeddings) {
		d.RestartRequired = append(d.RestartRequired, "providers.embeddings")
	}
	if old.Speaker != new.Speaker {
		d.RestartRequired = append(d.RestartRequired, "speaker_recognition")
	}
	if old.Workers != new.Workers {
		d.RestartRequired = append(d.RestartRequired, "workers")
	}

	// Build plugin lookup maps keyed by name.
	oldPlugins := make(map[string]*PluginConfig, len(old.Plugins))
	for i := range old.Plugins {
		oldPlugins[old.Plugins[i].Name] = &old.Plugins[i]
	}
	newPlugins := make(map[string]*PluginConfig, len(new.Plugins))
	for i := range new.Plugins {
		newPlugins[new.Plugins[i].Name] = &new.Plugins[i]
	}

	// Detect modified and removed plugins.
	for name, oldP := range oldPlugins {
		newP, exists := newPlugins[name]
		if !exists {
			d.PluginChanges = append(d.PluginChanges, PluginDiff{
				Name:    name,
				Removed: true,
			})
			d.PluginsChanged = true
			continue
		}
		pd := diffPlugin(name, oldP, newP)
		if pd.TransportChanged || pd.TriggerChanged {
			d.PluginChanges = append(d.PluginChanges, pd)
			d.PluginsChanged = true
		}
	}

	// Detect added plugins.
	for name := range newPlugins {
		if _, exists := oldPlugins[name]; !exists {
			d.PluginChanges = append(d.PluginChanges, PluginDiff{
				Name:  name,
				Added: true,
			})
			d.PluginsChanged = true
		}
	}

	return d
}

// diffPlugin compares two plugin configs with the same name.
func diffPlugin(name string, old, new *PluginConfig) PluginDiff {
	pd := PluginDiff{Name: name}

	if old.Transport != new.Transport ||
		old.Command != new.Command ||
		old.URL != new.URL ||
		old.Tool != new.Tool ||
		!maps.Equal(old.Env, new.Env) {
		pd.TransportChanged = true
	}

	if old.Trigger.Condition != new.Trigger.Condition ||
		!slices.Equal(old.Trigger.WakeWords, new.Trigger.WakeWords) ||
		!slices.Equal(old.Trigger.Patterns, new.Trigger.Patterns) ||
		!slices.Equal(old.Events, new.Events) ||
		!slices.Equal(old.Access, new.Access) {
		pd.TriggerChanged = true
	}

	return pd
}

// providerEntryEqual compares entries including the free-form options map.
func providerEntryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		reflect.DeepEqual(a.Options, b.Options)
}
