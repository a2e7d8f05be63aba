// Package streaming implements the streaming ASR consumer: it discovers live
// audio streams in the key–value store, relays their frames to a real-time STT
// provider over one session per stream, and publishes normalized interim and
// final results to the session's pub/sub channel and results stream. Finals
// additionally flow to the plugin router, subject to primary-speaker gating,
// as do device button presses interleaved with the audio entries.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chroniclehq/chronicle/internal/kv"
	"github.com/chroniclehq/chronicle/internal/plugin"
	"github.com/chroniclehq/chronicle/pkg/provider/stt"
	"github.com/chroniclehq/chronicle/pkg/types"
)

const (
	// discoveryInterval is the cadence of the stream discovery loop.
	discoveryInterval = 1 * time.Second

	// readBlock bounds each consumer-group read.
	readBlock = 1 * time.Second

	// readCount bounds entries per read to keep memory flat.
	readCount = 16

	// inactivityTimeout ends a stream task that stops receiving entries
	// without an end marker (e.g. the producer died).
	inactivityTimeout = 2 * time.Minute

	// drainTimeout bounds the wait for the provider's post-close finals.
	drainTimeout = 2 * time.Second

	// consumerName identifies this process inside the consumer group.
	consumerName = "asr-consumer"
)

// EventTranscriptStreaming is the plugin event dispatched for every final.
const EventTranscriptStreaming = plugin.EventTranscriptStreaming

// Option configures a Consumer.
type Option func(*Consumer)

// WithIdentifier enables per-window speaker identification for providers
// without native diarization.
func WithIdentifier(id Identifier) Option {
	return func(c *Consumer) { c.identifier = id }
}

// WithUserResolver enables plugin dispatch with primary-speaker gating.
func WithUserResolver(r UserResolver) Option {
	return func(c *Consumer) { c.users = r }
}

// WithRouter sets the plugin router finals are dispatched to.
func WithRouter(router *plugin.Router) Option {
	return func(c *Consumer) { c.router = router }
}

// WithLanguage sets the recognition language passed to the provider.
func WithLanguage(lang string) Option {
	return func(c *Consumer) { c.language = lang }
}

// Consumer runs the discovery loop and the per-stream transcription tasks.
type Consumer struct {
	rdb      *redis.Client
	provider stt.Provider

	identifier Identifier
	users      UserResolver
	router     *plugin.Router
	language   string

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer over an established key–value store
// connection and a streaming STT provider.
func NewConsumer(rdb *redis.Client, provider stt.Provider, opts ...Option) *Consumer {
	c := &Consumer{
		rdb:      rdb,
		provider: provider,
		active:   make(map[string]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run discovers audio streams once per second and spawns one task per stream
// that is not already handled and not yet marked complete. It blocks until ctx
// is cancelled, then waits for in-flight stream tasks.
func (c *Consumer) Run(ctx context.Context) error {
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	slog.Info("streaming consumer running", "provider_caps", c.provider.Capabilities())
	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			if err := c.discover(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("stream discovery failed", "err", err)
			}
		}
	}
}

// discover enumerates audio streams and spawns tasks for new ones.
func (c *Consumer) discover(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, kv.AudioStreamPattern, 100).Iterator()
	for iter.Next(ctx) {
		streamKey := iter.Val()
		clientID := strings.TrimPrefix(streamKey, "audio:stream:")
		// session_id == client_id for streaming sessions.
		sessionID := clientID

		c.mu.Lock()
		_, running := c.active[clientID]
		c.mu.Unlock()
		if running {
			continue
		}

		n, err := c.rdb.Exists(ctx, kv.TranscriptionComplete(sessionID)).Result()
		if err != nil {
			return fmt.Errorf("streaming: check complete marker: %w", err)
		}
		if n > 0 {
			continue
		}

		if err := c.ensureGroup(ctx, streamKey); err != nil {
			return err
		}

		c.mu.Lock()
		c.active[clientID] = struct{}{}
		c.mu.Unlock()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer func() {
				c.mu.Lock()
				delete(c.active, clientID)
				c.mu.Unlock()
			}()
			if err := c.runStream(ctx, streamKey, sessionID, clientID); err != nil && ctx.Err() == nil {
				slog.Error("stream task ended with error", "client_id", clientID, "err", err)
			}
		}()
	}
	return iter.Err()
}

// ensureGroup creates the consumer group, tolerating prior creation.
func (c *Consumer) ensureGroup(ctx context.Context, streamKey string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, streamKey, kv.StreamingGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("streaming: create group on %s: %w", streamKey, err)
	}
	return nil
}

// runStream is the per-stream task: open a provider session, forward audio,
// publish results, and mark the session complete.
func (c *Consumer) runStream(ctx context.Context, streamKey, sessionID, clientID string) error {
	rate := c.sessionSampleRate(ctx, sessionID)
	diarize := c.provider.Capabilities().Has(stt.CapDiarization)

	session, err := c.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: rate,
		Channels:   1,
		Language:   c.language,
		Diarize:    diarize,
	})
	if err != nil {
		c.recordOpenFailure(ctx, sessionID, err)
		return fmt.Errorf("streaming: open provider session for %s: %w", clientID, err)
	}

	var window *speakerWindow
	if !diarize && c.identifier != nil {
		window = newSpeakerWindow(c.identifier, rate)
	}

	// Result pump: interim and final handling runs off the audio path.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.pumpResults(ctx, session, sessionID, clientID, window)
	}()

	status := "1"
	if err := c.forwardAudio(ctx, streamKey, sessionID, clientID, session, window); err != nil {
		slog.Warn("audio forwarding ended with error", "client_id", clientID, "err", err)
		status = "error"
	}

	// Close flushes buffered audio and produces the provider's terminal
	// results; give the pump a bounded window to drain them.
	if err := session.Close(); err != nil {
		slog.Debug("provider session close", "client_id", clientID, "err", err)
	}
	select {
	case <-pumpDone:
	case <-time.After(drainTimeout):
	}

	if err := c.rdb.Set(ctx, kv.TranscriptionComplete(sessionID), status, kv.CompleteTTL).Err(); err != nil {
		return fmt.Errorf("streaming: set complete marker for %s: %w", sessionID, err)
	}
	slog.Info("stream task complete", "client_id", clientID, "status", status)
	return nil
}

// forwardAudio reads stream entries and relays audio to the provider until the
// end marker arrives, the stream goes quiet, or ctx ends. Button-press entries
// interleaved with the audio are dispatched to plugins as they arrive.
func (c *Consumer) forwardAudio(ctx context.Context, streamKey, sessionID, clientID string, session stt.SessionHandle, window *speakerWindow) error {
	lastEntry := time.Now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    kv.StreamingGroup,
			Consumer: consumerName,
			Streams:  []string{streamKey, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			if time.Since(lastEntry) > inactivityTimeout {
				return nil
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("streaming: read %s: %w", streamKey, err)
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				lastEntry = time.Now()
				ended := c.handleEntry(ctx, msg, session, window, sessionID, clientID)
				if err := c.rdb.XAck(ctx, streamKey, kv.StreamingGroup, msg.ID).Err(); err != nil {
					slog.Warn("ack failed", "stream", streamKey, "id", msg.ID, "err", err)
				}
				if ended {
					return nil
				}
			}
		}
	}
}

// handleEntry processes one stream entry and reports whether it ended the
// session.
func (c *Consumer) handleEntry(ctx context.Context, msg redis.XMessage, session stt.SessionHandle, window *speakerWindow, sessionID, clientID string) bool {
	if _, ok := msg.Values[kv.EndMarkerField]; ok {
		return true
	}
	if press, ok := msg.Values[kv.ButtonPressField].(string); ok {
		c.dispatchButton(ctx, sessionID, clientID, press)
		return false
	}
	data, ok := msg.Values["audio_data"].(string)
	if !ok || data == "" {
		return false
	}
	pcm := []byte(data)
	if err := session.SendAudio(pcm); err != nil {
		slog.Warn("send audio to provider failed", "err", err)
		return false
	}
	if window != nil {
		window.add(pcm)
	}
	return false
}

// pumpResults publishes interim and final transcripts until both provider
// channels close.
func (c *Consumer) pumpResults(ctx context.Context, session stt.SessionHandle, sessionID, clientID string, window *speakerWindow) {
	partials, finals := session.Partials(), session.Finals()
	for partials != nil || finals != nil {
		select {
		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			c.publishInterim(ctx, sessionID, tr)
		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			c.handleFinal(ctx, sessionID, clientID, tr, window)
		case <-ctx.Done():
			return
		}
	}
}

// resultPayload is the JSON shape published on the interim pub/sub channel and
// appended to the results stream.
type resultPayload struct {
	Text              string          `json:"text"`
	IsFinal           bool            `json:"is_final"`
	Words             []types.Word    `json:"words,omitempty"`
	Segments          []types.Segment `json:"segments,omitempty"`
	Confidence        float64         `json:"confidence,omitempty"`
	Timestamp         int64           `json:"timestamp"`
	SpeakerName       string          `json:"speaker_name,omitempty"`
	SpeakerConfidence float64         `json:"speaker_confidence,omitempty"`
}

func payloadFor(tr types.Transcript) resultPayload {
	return resultPayload{
		Text:              tr.Text,
		IsFinal:           tr.IsFinal,
		Words:             tr.Words,
		Segments:          tr.Segments,
		Confidence:        tr.Confidence,
		Timestamp:         time.Now().Unix(),
		SpeakerName:       tr.SpeakerName,
		SpeakerConfidence: tr.SpeakerConfidence,
	}
}

func (c *Consumer) publishInterim(ctx context.Context, sessionID string, tr types.Transcript) {
	tr.IsFinal = false
	data, err := json.Marshal(payloadFor(tr))
	if err != nil {
		slog.Warn("marshal interim result", "err", err)
		return
	}
	if err := c.rdb.Publish(ctx, kv.TranscriptionInterim(sessionID), data).Err(); err != nil {
		slog.Warn("publish interim result", "session_id", sessionID, "err", err)
	}
}

// handleFinal normalizes, attributes, publishes, records, and dispatches one
// final transcript.
func (c *Consumer) handleFinal(ctx context.Context, sessionID, clientID string, tr types.Transcript, window *speakerWindow) {
	if strings.TrimSpace(tr.Text) == "" {
		return
	}
	tr.IsFinal = true

	if len(tr.Segments) == 0 && hasSpeakerLabels(tr.Words) {
		tr.Segments = GroupSegments(tr.Words)
	}
	if window != nil && tr.SpeakerName == "" {
		tr.SpeakerName, tr.SpeakerConfidence = window.identify(ctx)
	}

	data, err := json.Marshal(payloadFor(tr))
	if err != nil {
		slog.Warn("marshal final result", "err", err)
		return
	}
	if err := c.rdb.Publish(ctx, kv.TranscriptionInterim(sessionID), data).Err(); err != nil {
		slog.Warn("publish final result", "session_id", sessionID, "err", err)
	}
	err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: kv.TranscriptionResults(sessionID),
		Values: map[string]any{"result": string(data)},
	}).Err()
	if err != nil {
		slog.Warn("append final result", "session_id", sessionID, "err", err)
	}

	c.dispatchFinal(ctx, sessionID, clientID, tr)
}

// dispatchFinal routes the final to plugins, applying primary-speaker gating.
func (c *Consumer) dispatchFinal(ctx context.Context, sessionID, clientID string, tr types.Transcript) {
	if c.router == nil {
		return
	}
	var userID string
	var primary []string
	if c.users != nil {
		var err error
		userID, primary, err = c.users.ResolveUser(ctx, clientID)
		if err != nil {
			slog.Warn("resolve user for plugin dispatch", "client_id", clientID, "err", err)
		}
	}
	if !allowDispatch(primary, tr.SpeakerName) {
		slog.Debug("final suppressed by speaker gating",
			"client_id", clientID, "speaker", tr.SpeakerName)
		return
	}
	c.router.Dispatch(ctx, plugin.Event{
		Name:      EventTranscriptStreaming,
		SessionID: sessionID,
		ClientID:  clientID,
		UserID:    userID,
		Text:      tr.Text,
		Speaker:   tr.SpeakerName,
		Timestamp: time.Now(),
		Data: map[string]any{
			"event":      EventTranscriptStreaming,
			"transcript": tr.Text,
			"is_final":   true,
		},
	})
}

// dispatchButton routes a device button press from the audio stream to
// plugins holding button access.
func (c *Consumer) dispatchButton(ctx context.Context, sessionID, clientID, press string) {
	if c.router == nil {
		return
	}
	var name string
	switch press {
	case "single":
		name = plugin.EventButtonSinglePress
	case "double":
		name = plugin.EventButtonDoublePress
	default:
		slog.Debug("unrecognised button press", "client_id", clientID, "press", press)
		return
	}
	var userID string
	if c.users != nil {
		var err error
		userID, _, err = c.users.ResolveUser(ctx, clientID)
		if err != nil {
			slog.Warn("resolve user for button dispatch", "client_id", clientID, "err", err)
		}
	}
	c.router.Dispatch(ctx, plugin.Event{
		Name:      name,
		SessionID: sessionID,
		ClientID:  clientID,
		UserID:    userID,
		Timestamp: time.Now(),
		Data:      map[string]any{"event": name, "press": press},
	})
}

// sessionSampleRate reads the session's declared audio format, defaulting to
// 16 kHz capture.
func (c *Consumer) sessionSampleRate(ctx context.Context, sessionID string) int {
	raw, err := c.rdb.HGet(ctx, kv.AudioSession(sessionID), kv.FieldAudioFormat).Result()
	if err != nil || raw == "" {
		return 16000
	}
	var format struct {
		Rate int `json:"rate"`
	}
	if err := json.Unmarshal([]byte(raw), &format); err != nil || format.Rate <= 0 {
		return 16000
	}
	return format.Rate
}

// recordOpenFailure writes the provider open error into the session hash so
// session finalization can report it quickly.
func (c *Consumer) recordOpenFailure(ctx context.Context, sessionID string, openErr error) {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, kv.AudioSession(sessionID), kv.FieldTranscriptionError, openErr.Error())
	pipe.Set(ctx, kv.TranscriptionComplete(sessionID), "error", kv.CompleteTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("record provider open failure", "session_id", sessionID, "err", err)
	}
}

func hasSpeakerLabels(words []types.Word) bool {
	for _, w := range words {
		if w.Speaker != "" {
			return true
		}
	}
	return false
}
