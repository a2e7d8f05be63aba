// Package session implements the audio session plane: per-client stream
// producers, the audio persistence job that writes rotating WAV files, and the
// stuck-consumer reaper. All session state lives in the key–value store; this
// package owns the `audio:stream`, `audio:session`, and `conversation:current`
// keys for the lifetime of a session.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chroniclehq/chronicle/internal/kv"
	"github.com/chroniclehq/chronicle/pkg/audio"
)

// defaultProducerQueue bounds the in-process frame queue. When the writer
// goroutine falls behind (slow store, network stall), new frames are dropped
// rather than growing memory without bound.
const defaultProducerQueue = 256

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithQueueSize overrides the bounded frame queue size.
func WithQueueSize(n int) ProducerOption {
	return func(p *Producer) {
		if n > 0 {
			p.frames = make(chan frame, n)
		}
	}
}

// WithTargetFormat normalises incoming frames to the given format before
// publication. Devices upload whatever their codec produces (48 kHz opus
// decode output, stereo line-in); downstream consumers expect one format per
// stream.
func WithTargetFormat(f audio.Format) ProducerOption {
	return func(p *Producer) {
		p.conv = &audio.FormatConverter{Target: f}
	}
}

type frame struct {
	data       []byte
	chunkID    int64
	sampleRate int
}

// Producer publishes a client's audio frames onto its stream. Frames are
// queued in-process and flushed by a single goroutine so that Write never
// blocks the capture path.
type Producer struct {
	rdb      *redis.Client
	clientID string

	frames  chan frame
	conv    *audio.FormatConverter
	chunkID int64
	dropped int64

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
}

// NewProducer creates a producer for one client stream.
func NewProducer(rdb *redis.Client, clientID string, opts ...ProducerOption) *Producer {
	p := &Producer{
		rdb:      rdb,
		clientID: clientID,
		frames:   make(chan frame, defaultProducerQueue),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the flush goroutine. It must be called once before Write.
func (p *Producer) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	go p.flushLoop(ctx)
}

// Write queues one mono PCM frame for publication. When the queue is full the
// frame is dropped and counted; capture must never stall on the store.
func (p *Producer) Write(pcm []byte, sampleRate int) {
	p.WriteFrame(audio.AudioFrame{Data: pcm, SampleRate: sampleRate, Channels: 1})
}

// WriteFrame queues one PCM frame, normalising it to the target format when
// one is configured.
func (p *Producer) WriteFrame(f audio.AudioFrame) {
	if p.conv != nil {
		f = p.conv.Convert(f)
		if len(f.Data) == 0 {
			return
		}
	}
	pcm, sampleRate := f.Data, f.SampleRate

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	id := p.chunkID
	p.chunkID++
	p.mu.Unlock()

	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	select {
	case p.frames <- frame{data: cp, chunkID: id, sampleRate: sampleRate}:
	default:
		p.mu.Lock()
		p.dropped++
		n := p.dropped
		p.mu.Unlock()
		slog.Warn("producer queue full, dropping frame",
			"client_id", p.clientID, "chunk_id", id, "dropped_total", n)
	}
}

// Dropped returns the number of frames dropped due to a full queue.
func (p *Producer) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close flushes queued frames, appends the end marker, and stops the flush
// goroutine. Safe to call more than once.
func (p *Producer) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.frames)
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: kv.AudioStream(p.clientID),
		Values: map[string]any{kv.EndMarkerField: "1"},
	}).Err()
	if err != nil {
		return fmt.Errorf("session: append end marker for %s: %w", p.clientID, err)
	}
	slog.Info("producer closed", "client_id", p.clientID, "frames", p.chunkID, "dropped", p.dropped)
	return nil
}

func (p *Producer) flushLoop(ctx context.Context) {
	defer close(p.done)
	stream := kv.AudioStream(p.clientID)
	for f := range p.frames {
		err := p.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{
				"audio_data":  string(f.data),
				"chunk_id":    strconv.FormatInt(f.chunkID, 10),
				"sample_rate": strconv.Itoa(f.sampleRate),
				"timestamp":   strconv.FormatInt(time.Now().UnixMilli(), 10),
			},
		}).Err()
		if err != nil && ctx.Err() == nil {
			slog.Warn("producer publish failed", "client_id", p.clientID, "chunk_id", f.chunkID, "err", err)
		}
	}
}
