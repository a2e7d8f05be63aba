package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chroniclehq/chronicle/internal/kv"
	"github.com/chroniclehq/chronicle/internal/queue"
	"github.com/chroniclehq/chronicle/pkg/audio"
)

const (
	// persistReadBlock bounds each consumer-group read.
	persistReadBlock = 1 * time.Second

	// persistReadCount bounds entries per read.
	persistReadCount = 32

	// finalizingGrace is the drain window after the session enters the
	// finalizing state.
	finalizingGrace = 500 * time.Millisecond

	// emptyReadsAfterEnd is how many consecutive empty reads confirm the
	// stream is drained once the end marker arrived.
	emptyReadsAfterEnd = 3

	// maxSessionRuntime exits the job gracefully before the 24 h hard job
	// timeout would kill it.
	maxSessionRuntime = 23*time.Hour + 59*time.Minute

	// livenessCheckEvery spaces out the zombie self-checks against the queue
	// registries.
	livenessCheckEvery = 30 * time.Second
)

// Persister is the long-running audio persistence job: it consumes a client's
// audio stream under the audio_persistence group and writes 16 kHz mono WAV
// files, rotating the output file whenever the session's current conversation
// changes.
type Persister struct {
	rdb      *redis.Client
	jobs     *queue.Client
	jobID    string
	clientID string
	dir      string

	writer       *audio.WAVWriter
	conversation string
	sampleRate   int
}

// NewPersister creates the persistence job for one client. dir is where WAV
// files are written. jobs and jobID feed the zombie self-check; jobs may be
// nil to disable it (tests).
func NewPersister(rdb *redis.Client, jobs *queue.Client, jobID, clientID, dir string) *Persister {
	return &Persister{
		rdb:        rdb,
		jobs:       jobs,
		jobID:      jobID,
		clientID:   clientID,
		dir:        dir,
		sampleRate: 16000,
	}
}

// Run consumes the stream until one of the termination conditions holds:
// end marker plus a drained stream, session finalizing/complete plus drain,
// failed liveness check, or the runtime ceiling. The current file is always
// closed before returning.
func (p *Persister) Run(ctx context.Context) error {
	stream := kv.AudioStream(p.clientID)
	sessionID := p.clientID

	if err := p.ensureGroup(ctx, stream); err != nil {
		return err
	}
	defer p.closeFile()

	start := time.Now()
	lastLiveness := start
	endSeen := false
	emptyReads := 0

	slog.Info("audio persistence running", "client_id", p.clientID, "dir", p.dir)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > maxSessionRuntime {
			slog.Warn("audio persistence hit runtime ceiling, exiting", "client_id", p.clientID)
			return nil
		}
		if p.jobs != nil && time.Since(lastLiveness) > livenessCheckEvery {
			lastLiveness = time.Now()
			live, err := p.jobs.IsJobLive(ctx, p.jobID)
			if err == nil && !live {
				slog.Warn("audio persistence job no longer live, exiting", "client_id", p.clientID, "job", p.jobID)
				return nil
			}
		}

		if err := p.rotateIfNeeded(ctx, sessionID); err != nil {
			return err
		}

		status, _ := p.rdb.HGet(ctx, kv.AudioSession(sessionID), kv.FieldStatus).Result()
		if status == kv.StatusFinalizing || status == kv.StatusComplete {
			p.drain(ctx, stream)
			return nil
		}

		n, err := p.readOnce(ctx, stream, persistReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		switch {
		case n < 0:
			endSeen = true
			emptyReads = 0
		case n == 0 && endSeen:
			emptyReads++
			if emptyReads >= emptyReadsAfterEnd {
				return nil
			}
		case n > 0:
			emptyReads = 0
		}
	}
}

// readOnce performs one group read, writing audio entries to the current file
// and acking everything. It returns the number of audio entries processed, or
// -1 when the end marker was seen.
func (p *Persister) readOnce(ctx context.Context, stream string, block time.Duration) (int, error) {
	res, err := p.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    kv.PersistenceGroup,
		Consumer: "persist-" + p.clientID,
		Streams:  []string{stream, ">"},
		Count:    persistReadCount,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("session: read %s: %w", stream, err)
	}

	processed := 0
	ended := false
	for _, s := range res {
		for _, msg := range s.Messages {
			if _, ok := msg.Values[kv.EndMarkerField]; ok {
				ended = true
			} else if data, ok := msg.Values["audio_data"].(string); ok && p.writer != nil {
				if _, err := p.writer.Write([]byte(data)); err != nil {
					slog.Error("write audio frame", "client_id", p.clientID, "err", err)
				}
				processed++
			}
			if err := p.rdb.XAck(ctx, stream, kv.PersistenceGroup, msg.ID).Err(); err != nil {
				slog.Warn("ack failed", "stream", stream, "id", msg.ID, "err", err)
			}
		}
	}
	if ended {
		return -1, nil
	}
	return processed, nil
}

// drain performs the finalizing drain: keep reading with the grace window
// until a read comes back empty.
func (p *Persister) drain(ctx context.Context, stream string) {
	for {
		n, err := p.readOnce(ctx, stream, finalizingGrace)
		if err != nil || n <= 0 {
			return
		}
	}
}

// rotateIfNeeded compares the session's current conversation with the one
// being written and rotates the output file on change. A deleted key closes
// the current file without opening a new one.
func (p *Persister) rotateIfNeeded(ctx context.Context, sessionID string) error {
	current, err := p.rdb.Get(ctx, kv.CurrentConversation(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		current = ""
	} else if err != nil {
		return fmt.Errorf("session: current conversation for %s: %w", sessionID, err)
	}

	if current == p.conversation {
		return nil
	}
	p.closeFile()
	p.conversation = current
	if current == "" {
		return nil
	}

	name := fmt.Sprintf("%s_%s_%s.wav", time.Now().UTC().Format("20060102_150405"), p.clientID, current)
	path := filepath.Join(p.dir, name)
	w, err := audio.NewWAVWriter(path, p.sampleRate, 1)
	if err != nil {
		return fmt.Errorf("session: open %s: %w", path, err)
	}
	p.writer = w

	if err := p.rdb.Set(ctx, kv.AudioFile(current), path, kv.AudioFileTTL).Err(); err != nil {
		slog.Warn("record audio file path", "conversation_id", current, "err", err)
	}
	slog.Info("audio file opened", "client_id", p.clientID, "conversation_id", current, "path", path)
	return nil
}

func (p *Persister) closeFile() {
	if p.writer == nil {
		return
	}
	dur := p.writer.Duration()
	if err := p.writer.Close(); err != nil {
		slog.Error("close audio file", "client_id", p.clientID, "err", err)
	}
	slog.Info("audio file closed", "client_id", p.clientID, "conversation_id", p.conversation, "duration_s", dur)
	p.writer = nil
}

func (p *Persister) ensureGroup(ctx context.Context, stream string) error {
	err := p.rdb.XGroupCreateMkStream(ctx, stream, kv.PersistenceGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("session: create group on %s: %w", stream, err)
	}
	return nil
}
