// Package kv owns the connection to the key–value store and the key namespace
// used by every Chronicle component. All cross-process coordination — audio
// streams, session hashes, completion markers, job records, worker heartbeats —
// lives under the keys defined here, so this package is the single place the
// namespace is spelled out.
package kv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds connection settings for the key–value store.
type Config struct {
	// URL is a redis:// connection URL. Takes precedence over Addr when set.
	URL string

	// Addr is the server address (host:port) used when URL is empty.
	Addr string

	// Password is the optional server password.
	Password string

	// DB is the database number.
	DB int
}

// Connect creates a client and verifies the connection with a ping.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("kv: parse url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("kv: connect: %w", err)
	}

	slog.Info("connected to key-value store", "addr", opts.Addr, "db", opts.DB)
	return client, nil
}

// Key construction for the authoritative namespace. Session state keys are
// owned by the session plane and cleaned on session end; queue keys are owned
// by the queue primitive and expire via TTL.

// AudioStream is the per-client stream of PCM frames terminated by an end marker.
func AudioStream(clientID string) string { return "audio:stream:" + clientID }

// AudioSession is the per-session hash: status, audio_format, transcription_error.
func AudioSession(sessionID string) string { return "audio:session:" + sessionID }

// CurrentConversation points at the conversation the session is writing into.
func CurrentConversation(sessionID string) string { return "conversation:current:" + sessionID }

// TranscriptionResults is the stream of final transcription records.
func TranscriptionResults(sessionID string) string { return "transcription:results:" + sessionID }

// TranscriptionInterim is the pub/sub channel for interim and final results.
func TranscriptionInterim(sessionID string) string { return "transcription:interim:" + sessionID }

// TranscriptionComplete marks a finished session: "1" or "error", 5 minute TTL.
func TranscriptionComplete(sessionID string) string { return "transcription:complete:" + sessionID }

// SpeechDetectionJob records the session-level speech-detection job id.
func SpeechDetectionJob(clientID string) string { return "speech_detection_job:" + clientID }

// AudioFile records the path of the conversation's persisted WAV file.
func AudioFile(conversationID string) string { return "audio:file:" + conversationID }

// ClientUser maps a client device to its owning user.
func ClientUser(clientID string) string { return "client:user:" + clientID }

// UserPrimarySpeakers holds the user's primary speaker names as a JSON list.
func UserPrimarySpeakers(userID string) string { return "user:primary_speakers:" + userID }

const (
	// AudioStreamPattern enumerates all live audio streams.
	AudioStreamPattern = "audio:stream:*"

	// StreamingGroup is the consumer group used by the streaming ASR consumer.
	StreamingGroup = "streaming-transcription"

	// PersistenceGroup is the consumer group used by the audio persistence job.
	PersistenceGroup = "audio_persistence"

	// SpeechGroup is the consumer group used by the speech-detection job.
	SpeechGroup = "speech-detection"

	// CleanupConsumer is the consumer name used when reaping stuck consumers.
	CleanupConsumer = "cleanup-worker"
)

// Session hash fields.
const (
	FieldStatus             = "status"
	FieldAudioFormat        = "audio_format"
	FieldTranscriptionError = "transcription_error"

	// FieldLastSpeechAt is the unix timestamp of the most recent frame the
	// speech-detection job classified as speech.
	FieldLastSpeechAt = "last_speech_at"

	// FieldSpeechSegments counts completed speech segments in the session.
	FieldSpeechSegments = "speech_segments"
)

// Session status values.
const (
	StatusActive     = "active"
	StatusFinalizing = "finalizing"
	StatusComplete   = "complete"
)

// EndMarkerField is the stream entry field that terminates a session. Any
// entry carrying this field (regardless of value) is treated as the end of
// the client's audio.
const EndMarkerField = "end_marker"

// ButtonPressField carries a device button press ("single" or "double")
// through the audio stream. Entries with this field hold no audio.
const ButtonPressField = "button_press"

// TTLs for session state keys.
const (
	CompleteTTL       = 5 * time.Minute
	SpeechDetectionTTL = 24 * time.Hour
	AudioFileTTL       = 24 * time.Hour
)
