package plugin_test

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/chroniclehq/chronicle/internal/plugin"
)

// fakePlugin is a scriptable plugin for router tests.
type fakePlugin struct {
	name    string
	trigger plugin.Trigger

	mu     sync.Mutex
	events []plugin.Event

	exec func(ctx context.Context, ev plugin.Event) (*plugin.Result, error)
}

func (f *fakePlugin) Name() string            { return f.name }
func (f *fakePlugin) Trigger() plugin.Trigger { return f.trigger }

func (f *fakePlugin) Execute(ctx context.Context, ev plugin.Event) (*plugin.Result, error) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	if f.exec != nil {
		return f.exec(ctx, ev)
	}
	return &plugin.Result{Success: true}, nil
}

func (f *fakePlugin) received() []plugin.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]plugin.Event, len(f.events))
	copy(out, f.events)
	return out
}

func TestDispatchConditions(t *testing.T) {
	tests := []struct {
		name      string
		trigger   plugin.Trigger
		text      string
		wantMatch bool
	}{
		{
			name:      "always matches any final",
			trigger:   plugin.Trigger{Condition: plugin.ConditionAlways},
			text:      "anything at all",
			wantMatch: true,
		},
		{
			name:      "always matches without transcript text",
			trigger:   plugin.Trigger{Condition: plugin.ConditionAlways},
			text:      "   ",
			wantMatch: true,
		},
		{
			name: "wake word skips empty transcript",
			trigger: plugin.Trigger{
				Condition: plugin.ConditionWakeWord,
				WakeWords: []string{"hey chronicle"},
			},
			text:      "   ",
			wantMatch: false,
		},
		{
			name: "regex skips empty transcript",
			trigger: plugin.Trigger{
				Condition: plugin.ConditionRegex,
				Patterns:  []*regexp.Regexp{regexp.MustCompile(`.*`)},
			},
			text:      "",
			wantMatch: false,
		},
		{
			name: "wake word present",
			trigger: plugin.Trigger{
				Condition: plugin.ConditionWakeWord,
				WakeWords: []string{"hey chronicle"},
			},
			text:      "Hey Chronicle, what's the weather",
			wantMatch: true,
		},
		{
			name: "wake word absent",
			trigger: plugin.Trigger{
				Condition: plugin.ConditionWakeWord,
				WakeWords: []string{"hey chronicle"},
			},
			text:      "just talking about the weather",
			wantMatch: false,
		},
		{
			name: "second wake word matches",
			trigger: plugin.Trigger{
				Condition: plugin.ConditionWakeWord,
				WakeWords: []string{"hey chronicle", "okay chronicle"},
			},
			text:      "okay chronicle remind me later",
			wantMatch: true,
		},
		{
			name: "regex matches",
			trigger: plugin.Trigger{
				Condition: plugin.ConditionRegex,
				Patterns:  []*regexp.Regexp{regexp.MustCompile(`remind me to (.+)`)},
			},
			text:      "can you remind me to buy milk",
			wantMatch: true,
		},
		{
			name: "regex no match",
			trigger: plugin.Trigger{
				Condition: plugin.ConditionRegex,
				Patterns:  []*regexp.Regexp{regexp.MustCompile(`remind me to (.+)`)},
			},
			text:      "nothing to see here",
			wantMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := plugin.NewRouter()
			fp := &fakePlugin{name: "p", trigger: tt.trigger}
			if err := r.Register(fp); err != nil {
				t.Fatalf("Register: %v", err)
			}

			matched := r.Dispatch(context.Background(), plugin.Event{
				ClientID: "client-1",
				Text:     tt.text,
			})
			r.Wait()

			if tt.wantMatch && matched != 1 {
				t.Errorf("Dispatch matched %d plugins, want 1", matched)
			}
			if !tt.wantMatch && matched != 0 {
				t.Errorf("Dispatch matched %d plugins, want 0", matched)
			}
			if got := len(fp.received()); (got == 1) != tt.wantMatch {
				t.Errorf("plugin executed %d times, want match=%v", got, tt.wantMatch)
			}
		})
	}
}

func TestDispatchTextlessEvent(t *testing.T) {
	r := plugin.NewRouter()
	fp := &fakePlugin{name: "notifier", trigger: plugin.Trigger{Condition: plugin.ConditionAlways}}
	if err := r.Register(fp); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Memory-processing events carry structured data but no transcript
	// text; an always-condition plugin must still fire.
	matched := r.Dispatch(context.Background(), plugin.Event{
		Name:           plugin.EventMemoryProcessed,
		ConversationID: "conv-1",
		Data:           map[string]any{"event": plugin.EventMemoryProcessed, "memory_count": 4},
	})
	r.Wait()

	if matched != 1 {
		t.Fatalf("Dispatch matched %d plugins, want 1", matched)
	}
	events := fp.received()
	if len(events) != 1 {
		t.Fatalf("plugin executed %d times, want 1", len(events))
	}
	if events[0].Data["memory_count"] != 4 {
		t.Errorf("memory_count = %v, want 4", events[0].Data["memory_count"])
	}
}

func TestDispatchEventSubscription(t *testing.T) {
	r := plugin.NewRouter()
	subscribed := &fakePlugin{
		name: "conversation-only",
		trigger: plugin.Trigger{
			Condition: plugin.ConditionAlways,
			Events:    []string{plugin.EventConversationComplete},
		},
	}
	open := &fakePlugin{name: "open", trigger: plugin.Trigger{Condition: plugin.ConditionAlways}}
	for _, p := range []plugin.Plugin{subscribed, open} {
		if err := r.Register(p); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	if matched := r.Dispatch(context.Background(), plugin.Event{Name: plugin.EventMemoryProcessed}); matched != 1 {
		t.Errorf("memory event matched %d plugins, want only the unsubscribed one", matched)
	}
	if matched := r.Dispatch(context.Background(), plugin.Event{Name: plugin.EventConversationComplete, Text: "summary"}); matched != 2 {
		t.Errorf("conversation event matched %d plugins, want 2", matched)
	}
	r.Wait()

	if got := len(subscribed.received()); got != 1 {
		t.Errorf("subscribed plugin executed %d times, want 1", got)
	}
	if got := len(open.received()); got != 2 {
		t.Errorf("open plugin executed %d times, want 2", got)
	}
}

func TestDispatchAccessGating(t *testing.T) {
	r := plugin.NewRouter()
	transcriptOnly := &fakePlugin{
		name: "transcript-only",
		trigger: plugin.Trigger{
			Condition: plugin.ConditionAlways,
			Access:    []plugin.AccessLevel{plugin.AccessTranscript},
		},
	}
	if err := r.Register(transcriptOnly); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if matched := r.Dispatch(context.Background(), plugin.Event{Name: plugin.EventMemoryProcessed}); matched != 0 {
		t.Errorf("memory event matched %d plugins despite transcript-only access", matched)
	}
	if matched := r.Dispatch(context.Background(), plugin.Event{Name: plugin.EventButtonSinglePress}); matched != 0 {
		t.Errorf("button event matched %d plugins despite transcript-only access", matched)
	}
	if matched := r.Dispatch(context.Background(), plugin.Event{Name: plugin.EventTranscriptStreaming, Text: "hello"}); matched != 1 {
		t.Errorf("transcript event matched %d plugins, want 1", matched)
	}
	r.Wait()

	if got := len(transcriptOnly.received()); got != 1 {
		t.Errorf("plugin executed %d times, want 1", got)
	}
}

func TestDispatchActionChaining(t *testing.T) {
	r := plugin.NewRouter()
	emitter := &fakePlugin{
		name:    "emitter",
		trigger: plugin.Trigger{Condition: plugin.ConditionAlways, Events: []string{plugin.EventTranscriptStreaming}},
		exec: func(ctx context.Context, ev plugin.Event) (*plugin.Result, error) {
			return &plugin.Result{
				Success:        true,
				ShouldContinue: true,
				Data:           map[string]any{"action": "create_reminder"},
			}, nil
		},
	}
	receiver := &fakePlugin{
		name:    "receiver",
		trigger: plugin.Trigger{Condition: plugin.ConditionAlways, Events: []string{plugin.EventPluginAction}},
		exec: func(ctx context.Context, ev plugin.Event) (*plugin.Result, error) {
			// A chained result must not be forwarded again.
			return &plugin.Result{
				Success:        true,
				ShouldContinue: true,
				Data:           map[string]any{"action": "loop"},
			}, nil
		},
	}
	for _, p := range []plugin.Plugin{emitter, receiver} {
		if err := r.Register(p); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	if matched := r.Dispatch(context.Background(), plugin.Event{
		Name:     plugin.EventTranscriptStreaming,
		ClientID: "client-1",
		Text:     "set a reminder",
	}); matched != 1 {
		t.Fatalf("Dispatch matched %d, want 1", matched)
	}
	r.Wait()

	events := receiver.received()
	if len(events) != 1 {
		t.Fatalf("receiver executed %d times, want 1", len(events))
	}
	ev := events[0]
	if ev.Name != plugin.EventPluginAction {
		t.Errorf("chained event name = %q, want %q", ev.Name, plugin.EventPluginAction)
	}
	if ev.ClientID != "client-1" {
		t.Errorf("chained event client = %q, want client-1", ev.ClientID)
	}
	if ev.Data["action"] != "create_reminder" || ev.Data["source_plugin"] != "emitter" {
		t.Errorf("chained event data = %v", ev.Data)
	}
	if got := len(emitter.received()); got != 1 {
		t.Errorf("emitter executed %d times, want 1", got)
	}
}

func TestDispatchNoChainWithoutShouldContinue(t *testing.T) {
	r := plugin.NewRouter()
	emitter := &fakePlugin{
		name:    "emitter",
		trigger: plugin.Trigger{Condition: plugin.ConditionAlways, Events: []string{plugin.EventTranscriptStreaming}},
		exec: func(ctx context.Context, ev plugin.Event) (*plugin.Result, error) {
			return &plugin.Result{Success: true, Data: map[string]any{"action": "create_reminder"}}, nil
		},
	}
	receiver := &fakePlugin{
		name:    "receiver",
		trigger: plugin.Trigger{Condition: plugin.ConditionAlways, Events: []string{plugin.EventPluginAction}},
	}
	for _, p := range []plugin.Plugin{emitter, receiver} {
		if err := r.Register(p); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	r.Dispatch(context.Background(), plugin.Event{Name: plugin.EventTranscriptStreaming, Text: "set a reminder"})
	r.Wait()

	if got := len(receiver.received()); got != 0 {
		t.Errorf("receiver executed %d times, want 0", got)
	}
}

func TestDispatchWakeWordCommand(t *testing.T) {
	r := plugin.NewRouter()
	fp := &fakePlugin{
		name: "assistant",
		trigger: plugin.Trigger{
			Condition: plugin.ConditionWakeWord,
			WakeWords: []string{"hey chronicle"},
		},
	}
	if err := r.Register(fp); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.Dispatch(context.Background(), plugin.Event{
		ClientID: "client-1",
		Text:     "hey chronicle, what's the weather",
	})
	r.Wait()

	events := fp.received()
	if len(events) != 1 {
		t.Fatalf("plugin executed %d times, want 1", len(events))
	}
	if got := events[0].Data["command"]; got != "what's the weather" {
		t.Errorf("command = %q, want %q", got, "what's the weather")
	}
	if got := events[0].Data["original_transcript"]; got != "hey chronicle, what's the weather" {
		t.Errorf("original_transcript = %q", got)
	}
}

func TestDispatchWakeWordAtEnd(t *testing.T) {
	r := plugin.NewRouter()
	fp := &fakePlugin{
		name: "assistant",
		trigger: plugin.Trigger{
			Condition: plugin.ConditionWakeWord,
			WakeWords: []string{"chronicle"},
		},
	}
	if err := r.Register(fp); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if matched := r.Dispatch(context.Background(), plugin.Event{Text: "are you there chronicle"}); matched != 1 {
		t.Fatalf("Dispatch matched %d, want 1", matched)
	}
	r.Wait()

	events := fp.received()
	if len(events) != 1 {
		t.Fatalf("plugin executed %d times, want 1", len(events))
	}
	if got := events[0].Data["command"]; got != "" {
		t.Errorf("command = %q, want empty", got)
	}
}

func TestDispatchRegexSubmatches(t *testing.T) {
	r := plugin.NewRouter()
	fp := &fakePlugin{
		name: "reminders",
		trigger: plugin.Trigger{
			Condition: plugin.ConditionRegex,
			Patterns:  []*regexp.Regexp{regexp.MustCompile(`remind me to (.+)`)},
		},
	}
	if err := r.Register(fp); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.Dispatch(context.Background(), plugin.Event{Text: "please remind me to call the dentist"})
	r.Wait()

	events := fp.received()
	if len(events) != 1 {
		t.Fatalf("plugin executed %d times, want 1", len(events))
	}
	matches, ok := events[0].Data["matches"].([]string)
	if !ok {
		t.Fatalf("matches data has type %T, want []string", events[0].Data["matches"])
	}
	if len(matches) != 2 || matches[1] != "call the dentist" {
		t.Errorf("matches = %v", matches)
	}
}

func TestDispatchDataMergePreservesEventData(t *testing.T) {
	r := plugin.NewRouter()
	fp := &fakePlugin{
		name: "assistant",
		trigger: plugin.Trigger{
			Condition: plugin.ConditionWakeWord,
			WakeWords: []string{"hey chronicle"},
		},
	}
	if err := r.Register(fp); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.Dispatch(context.Background(), plugin.Event{
		Text: "hey chronicle do the thing",
		Data: map[string]any{"source": "stream"},
	})
	r.Wait()

	events := fp.received()
	if len(events) != 1 {
		t.Fatalf("plugin executed %d times, want 1", len(events))
	}
	if got := events[0].Data["source"]; got != "stream" {
		t.Errorf("source = %v, want stream", got)
	}
	if _, ok := events[0].Data["command"]; !ok {
		t.Error("command missing from merged data")
	}
}

func TestDispatchPanicIsolation(t *testing.T) {
	r := plugin.NewRouter()
	panicky := &fakePlugin{
		name:    "panicky",
		trigger: plugin.Trigger{Condition: plugin.ConditionAlways},
		exec: func(ctx context.Context, ev plugin.Event) (*plugin.Result, error) {
			panic("boom")
		},
	}
	healthy := &fakePlugin{
		name:    "healthy",
		trigger: plugin.Trigger{Condition: plugin.ConditionAlways},
	}
	for _, p := range []plugin.Plugin{panicky, healthy} {
		if err := r.Register(p); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	if matched := r.Dispatch(context.Background(), plugin.Event{Text: "hello"}); matched != 2 {
		t.Fatalf("Dispatch matched %d, want 2", matched)
	}
	r.Wait()

	if got := len(healthy.received()); got != 1 {
		t.Errorf("healthy plugin executed %d times, want 1", got)
	}

	var panicRec *plugin.Record
	for _, rec := range r.RecentEvents(0) {
		if rec.Plugin == "panicky" {
			rec := rec
			panicRec = &rec
		}
	}
	if panicRec == nil {
		t.Fatal("no record for panicky plugin")
	}
	if panicRec.Err == "" {
		t.Error("panic was not converted to an error")
	}

	// The router must keep working after a panic.
	r.Dispatch(context.Background(), plugin.Event{Text: "again"})
	r.Wait()
	if got := len(healthy.received()); got != 2 {
		t.Errorf("healthy plugin executed %d times after second dispatch, want 2", got)
	}
}

func TestDispatchTimeout(t *testing.T) {
	r := plugin.NewRouter(plugin.WithExecTimeout(20 * time.Millisecond))
	slow := &fakePlugin{
		name:    "slow",
		trigger: plugin.Trigger{Condition: plugin.ConditionAlways},
		exec: func(ctx context.Context, ev plugin.Event) (*plugin.Result, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return &plugin.Result{Success: true}, nil
			}
		},
	}
	if err := r.Register(slow); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.Dispatch(context.Background(), plugin.Event{Text: "hello"})
	r.Wait()

	recs := r.RecentEvents(1)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Err == "" {
		t.Error("slow plugin should have recorded a timeout error")
	}
}

func TestRegisterValidation(t *testing.T) {
	r := plugin.NewRouter()

	tests := []struct {
		name    string
		trigger plugin.Trigger
	}{
		{"unknown condition", plugin.Trigger{Condition: "sometimes"}},
		{"wake word without words", plugin.Trigger{Condition: plugin.ConditionWakeWord}},
		{"regex without patterns", plugin.Trigger{Condition: plugin.ConditionRegex}},
		{"unknown event subscription", plugin.Trigger{Condition: plugin.ConditionAlways, Events: []string{"transcript.final"}}},
		{"invalid access level", plugin.Trigger{Condition: plugin.ConditionAlways, Access: []plugin.AccessLevel{"root"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(&fakePlugin{name: "bad", trigger: tt.trigger})
			if err == nil {
				t.Error("Register accepted an invalid trigger")
			}
		})
	}
}

func TestRegisterDuplicateReplaces(t *testing.T) {
	r := plugin.NewRouter()
	first := &fakePlugin{name: "dup", trigger: plugin.Trigger{Condition: plugin.ConditionAlways}}
	second := &fakePlugin{name: "dup", trigger: plugin.Trigger{Condition: plugin.ConditionAlways}}
	if err := r.Register(first); err != nil {
		t.Fatalf("Register first: %v", err)
	}
	if err := r.Register(second); err != nil {
		t.Fatalf("Register second: %v", err)
	}

	r.Dispatch(context.Background(), plugin.Event{Text: "hello"})
	r.Wait()

	if got := len(first.received()); got != 0 {
		t.Errorf("replaced plugin executed %d times, want 0", got)
	}
	if got := len(second.received()); got != 1 {
		t.Errorf("replacement plugin executed %d times, want 1", got)
	}
}

func TestRecentEventsNewestFirstAndCapped(t *testing.T) {
	r := plugin.NewRouter(plugin.WithEventLogCapacity(5))
	fp := &fakePlugin{name: "p", trigger: plugin.Trigger{Condition: plugin.ConditionAlways}}
	if err := r.Register(fp); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Dispatch sequentially so record order is deterministic.
	for i := 0; i < 8; i++ {
		r.Dispatch(context.Background(), plugin.Event{Text: fmt.Sprintf("final %d", i)})
		r.Wait()
	}

	recs := r.RecentEvents(0)
	if len(recs) != 5 {
		t.Fatalf("got %d records, want 5", len(recs))
	}
	if recs[0].Event.Text != "final 7" {
		t.Errorf("newest record text = %q, want %q", recs[0].Event.Text, "final 7")
	}
	if recs[4].Event.Text != "final 3" {
		t.Errorf("oldest retained record text = %q, want %q", recs[4].Event.Text, "final 3")
	}

	if got := r.RecentEvents(2); len(got) != 2 {
		t.Errorf("RecentEvents(2) returned %d records", len(got))
	}
}

func TestDispatchRecordsPluginError(t *testing.T) {
	r := plugin.NewRouter()
	errPlugin := &fakePlugin{
		name:    "broken",
		trigger: plugin.Trigger{Condition: plugin.ConditionAlways},
		exec: func(ctx context.Context, ev plugin.Event) (*plugin.Result, error) {
			return nil, errors.New("backend unavailable")
		},
	}
	if err := r.Register(errPlugin); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.Dispatch(context.Background(), plugin.Event{Text: "hello"})
	r.Wait()

	recs := r.RecentEvents(1)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Err != "backend unavailable" {
		t.Errorf("Err = %q, want %q", recs[0].Err, "backend unavailable")
	}
	if recs[0].Result != nil {
		t.Errorf("Result = %+v, want nil", recs[0].Result)
	}
}
