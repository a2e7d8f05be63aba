package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chroniclehq/chronicle/internal/kv"
	"github.com/chroniclehq/chronicle/internal/queue"
	"github.com/chroniclehq/chronicle/pkg/provider/vad"
)

const (
	// speechPollEvery is the cadence of the speech-detection session watch
	// when no VAD engine is configured.
	speechPollEvery = 2 * time.Second

	// speechReadBlock bounds each consumer-group read in VAD mode.
	speechReadBlock = 1 * time.Second

	// speechReadCount bounds entries per read.
	speechReadCount = 32

	// speechMarkEvery throttles last_speech_at writes to the session hash.
	speechMarkEvery = 1 * time.Second

	// vadFrameMs is the frame size fed to the VAD engine.
	vadFrameMs = 30
)

// SpeechDetectionHandler returns the queue handler for the session-level
// speech-detection job. The job runs for the lifetime of the socket: it is the
// durable marker that a session is attached, and its result records how long
// the session ran.
//
// With a VAD engine, the job consumes the client's audio stream under its own
// consumer group, classifies each frame, and records speech activity in the
// session hash (last_speech_at, speech_segments). Without one, it degrades to
// watching the session status. Either way it exits when the session reaches
// the finalizing or complete state, when its own record stops being live
// (worker lost), or at the runtime ceiling.
func SpeechDetectionHandler(rdb *redis.Client, jobs *queue.Client, engine vad.Engine) queue.Handler {
	return func(ctx context.Context, job *queue.Job) ([]byte, error) {
		clientID := job.ClientID()
		if clientID == "" {
			return nil, errors.New("session: speech detection job has no client_id")
		}
		sessionID := job.StringArg("session_id")
		if sessionID == "" {
			sessionID = clientID
		}

		start := time.Now()
		var segments int64
		var err error
		if engine != nil {
			d := &speechDetector{rdb: rdb, jobs: jobs, jobID: job.ID, clientID: clientID, sessionID: sessionID}
			segments, err = d.run(ctx, engine)
		} else {
			err = watchSession(ctx, rdb, jobs, job.ID, sessionID)
		}
		if err != nil {
			return nil, err
		}

		return json.Marshal(map[string]any{
			"session_id":      sessionID,
			"duration":        time.Since(start).Seconds(),
			"speech_segments": segments,
		})
	}
}

// watchSession polls the session hash until the session finalizes, the job
// record dies, or the runtime ceiling is hit.
func watchSession(ctx context.Context, rdb *redis.Client, jobs *queue.Client, jobID, sessionID string) error {
	start := time.Now()
	lastLiveness := start
	ticker := time.NewTicker(speechPollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if time.Since(start) > maxSessionRuntime {
			return nil
		}
		if time.Since(lastLiveness) > livenessCheckEvery {
			lastLiveness = time.Now()
			live, err := jobs.IsJobLive(ctx, jobID)
			if err == nil && !live {
				return nil
			}
		}

		status, err := rdb.HGet(ctx, kv.AudioSession(sessionID), kv.FieldStatus).Result()
		if errors.Is(err, redis.Nil) {
			// Session hash not written yet; keep waiting.
			continue
		}
		if err != nil {
			return fmt.Errorf("session: read session status: %w", err)
		}
		if status == kv.StatusFinalizing || status == kv.StatusComplete {
			return nil
		}
	}
}

// speechDetector is the VAD-mode speech-detection job: it consumes the
// client's audio stream under the speech-detection group, feeds fixed-size
// frames to the engine, and records activity in the session hash.
type speechDetector struct {
	rdb       *redis.Client
	jobs      *queue.Client
	jobID     string
	clientID  string
	sessionID string

	buf        []byte
	segments   int64
	lastMarked time.Time
}

func (d *speechDetector) run(ctx context.Context, engine vad.Engine) (int64, error) {
	stream := kv.AudioStream(d.clientID)

	sampleRate := d.sessionSampleRate(ctx)
	sess, err := engine.NewSession(vad.Config{
		SampleRate:       sampleRate,
		FrameSizeMs:      vadFrameMs,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
	})
	if err != nil {
		return 0, fmt.Errorf("session: open vad session: %w", err)
	}
	defer sess.Close()

	if err := d.ensureGroup(ctx, stream); err != nil {
		return 0, err
	}

	frameBytes := sampleRate / 1000 * vadFrameMs * 2 // 16-bit mono
	start := time.Now()
	lastLiveness := start

	slog.Info("speech detection running", "client_id", d.clientID, "sample_rate", sampleRate)
	for {
		if ctx.Err() != nil {
			return d.segments, ctx.Err()
		}
		if time.Since(start) > maxSessionRuntime {
			slog.Warn("speech detection hit runtime ceiling, exiting", "client_id", d.clientID)
			return d.segments, nil
		}
		if d.jobs != nil && time.Since(lastLiveness) > livenessCheckEvery {
			lastLiveness = time.Now()
			live, err := d.jobs.IsJobLive(ctx, d.jobID)
			if err == nil && !live {
				slog.Warn("speech detection job no longer live, exiting", "client_id", d.clientID, "job", d.jobID)
				return d.segments, nil
			}
		}

		status, _ := d.rdb.HGet(ctx, kv.AudioSession(d.sessionID), kv.FieldStatus).Result()
		if status == kv.StatusFinalizing || status == kv.StatusComplete {
			return d.segments, nil
		}

		ended, err := d.readOnce(ctx, stream, sess, frameBytes)
		if err != nil {
			if ctx.Err() != nil {
				return d.segments, ctx.Err()
			}
			return d.segments, err
		}
		if ended {
			return d.segments, nil
		}
	}
}

// readOnce performs one group read, running every complete frame through the
// VAD session and acking everything. Returns true when the end marker was seen.
func (d *speechDetector) readOnce(ctx context.Context, stream string, sess vad.SessionHandle, frameBytes int) (bool, error) {
	res, err := d.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    kv.SpeechGroup,
		Consumer: "speech-" + d.clientID,
		Streams:  []string{stream, ">"},
		Count:    speechReadCount,
		Block:    speechReadBlock,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session: read %s: %w", stream, err)
	}

	ended := false
	for _, s := range res {
		for _, msg := range s.Messages {
			if _, ok := msg.Values[kv.EndMarkerField]; ok {
				ended = true
			} else if data, ok := msg.Values["audio_data"].(string); ok {
				d.buf = append(d.buf, data...)
			}
			if err := d.rdb.XAck(ctx, stream, kv.SpeechGroup, msg.ID).Err(); err != nil {
				slog.Warn("ack failed", "stream", stream, "id", msg.ID, "err", err)
			}
		}
	}

	for len(d.buf) >= frameBytes {
		frame := d.buf[:frameBytes]
		d.buf = d.buf[frameBytes:]
		ev, err := sess.ProcessFrame(frame)
		if err != nil {
			slog.Warn("vad frame failed", "client_id", d.clientID, "err", err)
			continue
		}
		d.handleEvent(ctx, ev)
	}
	return ended, nil
}

// handleEvent records speech activity in the session hash. Timestamp writes
// are throttled; segment counts are exact.
func (d *speechDetector) handleEvent(ctx context.Context, ev vad.VADEvent) {
	switch ev.Type {
	case vad.VADSpeechStart, vad.VADSpeechContinue:
		if time.Since(d.lastMarked) < speechMarkEvery {
			return
		}
		d.lastMarked = time.Now()
		err := d.rdb.HSet(ctx, kv.AudioSession(d.sessionID), kv.FieldLastSpeechAt, d.lastMarked.Unix()).Err()
		if err != nil {
			slog.Warn("record speech activity", "session_id", d.sessionID, "err", err)
		}
	case vad.VADSpeechEnd:
		d.segments++
		err := d.rdb.HSet(ctx, kv.AudioSession(d.sessionID), kv.FieldSpeechSegments, d.segments).Err()
		if err != nil {
			slog.Warn("record speech segment", "session_id", d.sessionID, "err", err)
		}
	}
}

// sessionSampleRate reads the session's audio format, defaulting to 16 kHz.
func (d *speechDetector) sessionSampleRate(ctx context.Context) int {
	format, err := d.rdb.HGet(ctx, kv.AudioSession(d.sessionID), kv.FieldAudioFormat).Result()
	if err != nil {
		return 16000
	}
	var f struct {
		Rate int `json:"rate"`
	}
	if json.Unmarshal([]byte(format), &f) == nil && f.Rate > 0 {
		return f.Rate
	}
	return 16000
}

func (d *speechDetector) ensureGroup(ctx context.Context, stream string) error {
	err := d.rdb.XGroupCreateMkStream(ctx, stream, kv.SpeechGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("session: create group on %s: %w", stream, err)
	}
	return nil
}

// AudioPersistenceHandler returns the queue handler for the audio persistence
// job. Each claimed job runs one [Persister] against the client's audio
// stream, writing rotating WAV files under dir.
func AudioPersistenceHandler(rdb *redis.Client, jobs *queue.Client, dir string) queue.Handler {
	return func(ctx context.Context, job *queue.Job) ([]byte, error) {
		clientID := job.ClientID()
		if clientID == "" {
			return nil, errors.New("session: audio persistence job has no client_id")
		}
		p := NewPersister(rdb, jobs, job.ID, clientID, dir)
		if err := p.Run(ctx); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"client_id": clientID})
	}
}
