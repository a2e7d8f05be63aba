package plugin

import (
	"strings"
)

// match evaluates a plugin's trigger against the event's text. On a match it
// returns true and the condition-specific data to merge into the event.
//
// The always condition matches regardless of text, so events that carry no
// transcript (memory processing, button presses) still fire. The text-driven
// conditions never match empty or whitespace-only text.
func match(tr Trigger, text string) (bool, map[string]any) {
	switch tr.Condition {
	case ConditionAlways:
		return true, nil

	case ConditionWakeWord:
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return false, nil
		}
		for _, w := range tr.WakeWords {
			if cmd, ok := wakeWordCommand(trimmed, w); ok {
				return true, map[string]any{
					"command":             cmd,
					"original_transcript": trimmed,
				}
			}
		}
		return false, nil

	case ConditionRegex:
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return false, nil
		}
		for _, p := range tr.Patterns {
			if m := p.FindStringSubmatch(trimmed); m != nil {
				return true, map[string]any{"matches": m}
			}
		}
		return false, nil
	}
	return false, nil
}

// wakeWordCommand looks for wake (case-insensitive) inside text. On a hit it
// returns everything after the wake word with leading punctuation and spaces
// stripped, so "hey chronicle, what's the weather" yields "what's the
// weather". A wake word at the very end yields an empty command, which still
// counts as a match.
func wakeWordCommand(text, wake string) (string, bool) {
	if wake == "" {
		return "", false
	}
	idx := indexFold(text, wake)
	if idx < 0 {
		return "", false
	}
	rest := text[idx+len(wake):]
	rest = strings.TrimLeft(rest, " \t,.:;!?")
	return rest, true
}

// indexFold is a case-insensitive strings.Index for ASCII wake words.
func indexFold(s, substr string) int {
	return strings.Index(strings.ToLower(s), strings.ToLower(substr))
}
