package streaming_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chroniclehq/chronicle/internal/kv"
	"github.com/chroniclehq/chronicle/internal/plugin"
	"github.com/chroniclehq/chronicle/internal/streaming"
	sttmock "github.com/chroniclehq/chronicle/pkg/provider/stt/mock"
	"github.com/chroniclehq/chronicle/pkg/types"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStreamLifecycle(t *testing.T) {
	_, rdb := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const clientID = "client-abc"
	stream := kv.AudioStream(clientID)

	// A final the provider will emit; channels are closed up front so the
	// result pump drains and exits as soon as the session closes.
	sess := &sttmock.Session{
		PartialsCh: make(chan types.Transcript, 1),
		FinalsCh:   make(chan types.Transcript, 1),
	}
	sess.PartialsCh <- types.Transcript{Text: "hel"}
	sess.FinalsCh <- types.Transcript{Text: "hello there", Confidence: 0.93}
	close(sess.PartialsCh)
	close(sess.FinalsCh)
	provider := &sttmock.Provider{Session: sess}

	for i := 0; i < 3; i++ {
		if err := rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{"audio_data": string(make([]byte, 320)), "chunk_id": i},
		}).Err(); err != nil {
			t.Fatalf("xadd: %v", err)
		}
	}
	if err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{kv.EndMarkerField: "1"},
	}).Err(); err != nil {
		t.Fatalf("xadd end marker: %v", err)
	}

	c := streaming.NewConsumer(rdb, provider)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	waitFor(t, 10*time.Second, func() bool {
		v, err := rdb.Get(ctx, kv.TranscriptionComplete(clientID)).Result()
		return err == nil && v == "1"
	})

	if got := sess.SendAudioCallCount(); got != 3 {
		t.Errorf("provider received %d audio chunks, want 3", got)
	}
	if sess.CloseCallCount == 0 {
		t.Error("provider session was never closed")
	}

	entries, err := rdb.XRange(ctx, kv.TranscriptionResults(clientID), "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange results: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("results stream has %d entries, want 1", len(entries))
	}
	var payload struct {
		Text    string `json:"text"`
		IsFinal bool   `json:"is_final"`
	}
	if err := json.Unmarshal([]byte(entries[0].Values["result"].(string)), &payload); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if payload.Text != "hello there" || !payload.IsFinal {
		t.Errorf("result = %+v", payload)
	}

	cancel()
	<-done
}

// buttonPlugin records the button events routed to it.
type buttonPlugin struct {
	mu     sync.Mutex
	events []plugin.Event
}

func (p *buttonPlugin) Name() string { return "button-listener" }

func (p *buttonPlugin) Trigger() plugin.Trigger {
	return plugin.Trigger{
		Condition: plugin.ConditionAlways,
		Events:    []string{plugin.EventButtonSinglePress, plugin.EventButtonDoublePress},
		Access:    []plugin.AccessLevel{plugin.AccessButton},
	}
}

func (p *buttonPlugin) Execute(_ context.Context, ev plugin.Event) (*plugin.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return &plugin.Result{Success: true}, nil
}

func (p *buttonPlugin) captured() []plugin.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]plugin.Event(nil), p.events...)
}

func TestButtonPressDispatch(t *testing.T) {
	_, rdb := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const clientID = "client-btn"
	stream := kv.AudioStream(clientID)

	sess := &sttmock.Session{
		PartialsCh: make(chan types.Transcript),
		FinalsCh:   make(chan types.Transcript),
	}
	close(sess.PartialsCh)
	close(sess.FinalsCh)
	provider := &sttmock.Provider{Session: sess}

	entries := []map[string]any{
		{"audio_data": string(make([]byte, 320))},
		{kv.ButtonPressField: "single"},
		{kv.ButtonPressField: "double"},
		{kv.EndMarkerField: "1"},
	}
	for _, values := range entries {
		if err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err(); err != nil {
			t.Fatalf("xadd: %v", err)
		}
	}

	bp := &buttonPlugin{}
	router := plugin.NewRouter()
	if err := router.Register(bp); err != nil {
		t.Fatalf("register plugin: %v", err)
	}

	c := streaming.NewConsumer(rdb, provider, streaming.WithRouter(router))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	waitFor(t, 10*time.Second, func() bool {
		v, err := rdb.Get(ctx, kv.TranscriptionComplete(clientID)).Result()
		return err == nil && v == "1"
	})
	router.Wait()

	events := bp.captured()
	if len(events) != 2 {
		t.Fatalf("plugin saw %d events, want 2", len(events))
	}
	// Executions run concurrently, so record order is not guaranteed.
	presses := make(map[string]any, len(events))
	for _, ev := range events {
		presses[ev.Name] = ev.Data["press"]
		if ev.ClientID != clientID {
			t.Errorf("event client = %q, want %q", ev.ClientID, clientID)
		}
	}
	if presses[plugin.EventButtonSinglePress] != "single" || presses[plugin.EventButtonDoublePress] != "double" {
		t.Errorf("button events = %v", presses)
	}
	if got := sess.SendAudioCallCount(); got != 1 {
		t.Errorf("provider received %d audio chunks, want 1", got)
	}

	cancel()
	<-done
}

func TestStreamSkipsCompletedSessions(t *testing.T) {
	_, rdb := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const clientID = "client-done"
	if err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: kv.AudioStream(clientID),
		Values: map[string]any{"audio_data": "xx"},
	}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	if err := rdb.Set(ctx, kv.TranscriptionComplete(clientID), "1", kv.CompleteTTL).Err(); err != nil {
		t.Fatalf("set marker: %v", err)
	}

	provider := &sttmock.Provider{}
	c := streaming.NewConsumer(rdb, provider)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	// Give discovery a few cycles, then verify no session was opened.
	time.Sleep(2500 * time.Millisecond)
	cancel()
	<-done

	if n := len(provider.StartStreamCalls); n != 0 {
		t.Errorf("StartStream called %d times for a completed session, want 0", n)
	}
}

func TestProviderOpenFailure(t *testing.T) {
	_, rdb := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const clientID = "client-err"
	if err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: kv.AudioStream(clientID),
		Values: map[string]any{"audio_data": "xx"},
	}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}

	provider := &sttmock.Provider{StartStreamErr: errors.New("auth rejected")}
	c := streaming.NewConsumer(rdb, provider)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	waitFor(t, 10*time.Second, func() bool {
		v, err := rdb.Get(ctx, kv.TranscriptionComplete(clientID)).Result()
		return err == nil && v == "error"
	})

	msg, err := rdb.HGet(ctx, kv.AudioSession(clientID), kv.FieldTranscriptionError).Result()
	if err != nil {
		t.Fatalf("hget transcription_error: %v", err)
	}
	if msg == "" {
		t.Error("transcription_error not recorded in session hash")
	}

	cancel()
	<-done
}

func TestRedisUserResolver(t *testing.T) {
	_, rdb := setup(t)
	ctx := context.Background()
	r := streaming.NewRedisUserResolver(rdb)

	// Unmapped client: no user, no error.
	userID, primary, err := r.ResolveUser(ctx, "ghost")
	if err != nil || userID != "" || primary != nil {
		t.Errorf("unmapped client: user=%q primary=%v err=%v", userID, primary, err)
	}

	if err := rdb.Set(ctx, kv.ClientUser("dev1"), "user-7", 0).Err(); err != nil {
		t.Fatalf("set client mapping: %v", err)
	}
	userID, primary, err = r.ResolveUser(ctx, "dev1")
	if err != nil || userID != "user-7" || len(primary) != 0 {
		t.Errorf("mapped client without primaries: user=%q primary=%v err=%v", userID, primary, err)
	}

	if err := rdb.Set(ctx, kv.UserPrimarySpeakers("user-7"), `["Alice","Bob"]`, 0).Err(); err != nil {
		t.Fatalf("set primary speakers: %v", err)
	}
	userID, primary, err = r.ResolveUser(ctx, "dev1")
	if err != nil || userID != "user-7" {
		t.Fatalf("resolve: user=%q err=%v", userID, err)
	}
	if len(primary) != 2 || primary[0] != "Alice" {
		t.Errorf("primary speakers = %v", primary)
	}
}
