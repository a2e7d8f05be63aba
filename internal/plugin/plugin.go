// Package plugin implements Chronicle's event router.
//
// Plugins receive events from a small closed taxonomy: streaming finals,
// post-conversation outcomes, device button presses, and follow-up actions
// emitted by other plugins. Each plugin declares which events it subscribes
// to, which access levels it holds, and a trigger condition evaluated against
// the event's text: always, wake_word (the text contains one of the plugin's
// wake words), or regex (the text matches one of a set of patterns). The
// router executes matching plugins in isolation — a panicking or slow plugin
// never affects the transcription path — and keeps a capped log of recent
// trigger events for inspection.
package plugin

import (
	"context"
	"regexp"
	"time"
)

// Event names routed to plugins.
const (
	// EventTranscriptStreaming is dispatched for every final transcript.
	EventTranscriptStreaming = "transcript.streaming"

	// EventMemoryProcessed is dispatched when memory extraction finishes.
	EventMemoryProcessed = "memory.processed"

	// EventConversationComplete is dispatched when a conversation's
	// post-processing pipeline ends.
	EventConversationComplete = "conversation.complete"

	// EventButtonSinglePress and EventButtonDoublePress are dispatched for
	// device button presses arriving on the audio stream.
	EventButtonSinglePress = "button.single_press"
	EventButtonDoublePress = "button.double_press"

	// EventPluginAction is dispatched when a plugin's result asks for its
	// output to be routed onward.
	EventPluginAction = "plugin.action"
)

// KnownEvent reports whether name belongs to the routed event taxonomy.
func KnownEvent(name string) bool {
	switch name {
	case EventTranscriptStreaming, EventMemoryProcessed, EventConversationComplete,
		EventButtonSinglePress, EventButtonDoublePress, EventPluginAction:
		return true
	}
	return false
}

// AccessLevel scopes which event data a plugin may receive.
type AccessLevel string

const (
	// AccessTranscript grants streaming final transcripts.
	AccessTranscript AccessLevel = "transcript"

	// AccessConversation grants conversation lifecycle events with title
	// and summary text.
	AccessConversation AccessLevel = "conversation"

	// AccessMemory grants memory-processing events.
	AccessMemory AccessLevel = "memory"

	// AccessButton grants device button presses.
	AccessButton AccessLevel = "button"
)

// IsValid reports whether a is a recognised access level.
func (a AccessLevel) IsValid() bool {
	switch a {
	case AccessTranscript, AccessConversation, AccessMemory, AccessButton:
		return true
	}
	return false
}

// RequiredAccess returns the access level a plugin needs to receive the
// named event. plugin.action events carry only another plugin's own output
// and are not gated; neither are events outside the taxonomy.
func RequiredAccess(event string) (AccessLevel, bool) {
	switch event {
	case EventTranscriptStreaming:
		return AccessTranscript, true
	case EventConversationComplete:
		return AccessConversation, true
	case EventMemoryProcessed:
		return AccessMemory, true
	case EventButtonSinglePress, EventButtonDoublePress:
		return AccessButton, true
	}
	return "", false
}

// Condition selects how a plugin's trigger is evaluated.
type Condition string

const (
	// ConditionAlways fires the plugin on every final transcript.
	ConditionAlways Condition = "always"

	// ConditionWakeWord fires when the transcript contains one of the
	// plugin's wake words. The text following the wake word is passed to the
	// plugin as the command.
	ConditionWakeWord Condition = "wake_word"

	// ConditionRegex fires when the transcript matches one of the plugin's
	// compiled patterns.
	ConditionRegex Condition = "regex"
)

// IsValid reports whether c is a recognised condition.
func (c Condition) IsValid() bool {
	switch c {
	case ConditionAlways, ConditionWakeWord, ConditionRegex:
		return true
	}
	return false
}

// Trigger declares when a plugin should run.
type Trigger struct {
	Condition Condition

	// WakeWords are checked case-insensitively when Condition is
	// ConditionWakeWord.
	WakeWords []string

	// Patterns are tested in order when Condition is ConditionRegex. The
	// first match wins and its submatches are passed to the plugin.
	Patterns []*regexp.Regexp

	// Events are the event names the plugin subscribes to. Empty
	// subscribes to every event.
	Events []string

	// Access are the access levels granted to the plugin. Empty grants
	// every level.
	Access []AccessLevel
}

// Subscribes reports whether the trigger's subscription covers the named
// event.
func (t Trigger) Subscribes(event string) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, e := range t.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Allows reports whether the trigger grants the given access level.
func (t Trigger) Allows(level AccessLevel) bool {
	if len(t.Access) == 0 {
		return true
	}
	for _, a := range t.Access {
		if a == level {
			return true
		}
	}
	return false
}

// Event carries one routed occurrence into a plugin execution.
type Event struct {
	// Name is the event's taxonomy name (one of the Event constants).
	// Subscription filtering and access gating key off it; an unnamed
	// event reaches only plugins without an event subscription.
	Name string

	SessionID      string
	ClientID       string
	UserID         string
	ConversationID string

	// Text is the event's condition input: the full final transcript for
	// transcript events, the summary for conversation events. May be empty
	// for events that carry no text.
	Text string

	// Speaker is the identified speaker name, when available.
	Speaker string

	// Timestamp is when the router received the final.
	Timestamp time.Time

	// Data carries condition-specific values. Wake-word triggers set
	// "command" (the text after the wake word) and "original_transcript";
	// regex triggers set "matches" (the submatch slice).
	Data map[string]any
}

// Result is what a plugin execution produced.
type Result struct {
	// Success indicates the plugin acted on the event without error.
	Success bool

	// Message is an optional human-readable outcome for the event log.
	Message string

	// Data holds any structured output the plugin wants recorded.
	Data map[string]any

	// ShouldContinue asks the router to keep routing this plugin's output:
	// on a successful result that also carries Data["action"], the router
	// dispatches a plugin.action event with that payload.
	ShouldContinue bool
}

// Plugin is a unit of event-driven behaviour.
//
// Execute runs on the router's dispatch goroutine pool with a per-plugin
// timeout; implementations must respect ctx. Implementations must be safe
// for concurrent use — the router may execute the same plugin for multiple
// clients simultaneously.
type Plugin interface {
	// Name is the unique identifier used in logs and the event record.
	Name() string

	// Trigger declares when this plugin runs.
	Trigger() Trigger

	// Execute handles one matching event.
	Execute(ctx context.Context, ev Event) (*Result, error)
}
