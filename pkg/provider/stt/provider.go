// Package stt defines the Provider interfaces for Speech-to-Text backends.
//
// Chronicle uses STT in two modes. Streaming providers (e.g. Deepgram) wrap a
// real-time transcription service behind SessionHandle: once opened, a session
// accepts raw PCM audio frames and emits two streams of Transcript values —
// low-latency partials for responsiveness and authoritative finals for the
// conversation record. Batch providers (e.g. a local whisper server) accept a
// complete WAV recording and return one result; the post-conversation pipeline
// uses them to re-transcribe full audio.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"
	"slices"

	"github.com/chroniclehq/chronicle/pkg/types"
)

// Capability names advertised by providers. The pipeline inspects these to
// decide, for example, whether a provider's word output carries speaker labels
// or whether a separate diarization pass is needed.
const (
	CapStreaming      = "streaming"
	CapBatch          = "batch"
	CapInterim        = "interim_results"
	CapDiarization    = "diarization"
	CapWordTimestamps = "word_timestamps"
	CapKeywordBoost   = "keyword_boost"
)

// Capabilities is the set of capability names a provider supports.
type Capabilities []string

// Has reports whether the named capability is present.
func (c Capabilities) Has(name string) bool {
	return slices.Contains(c, name)
}

// ErrNotSupported is returned for operations a provider cannot perform, such
// as mid-session keyword updates or diarization on a non-diarizing backend.
var ErrNotSupported = errors.New("stt: operation not supported by provider")

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Wearable capture uses 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most STT
	// providers). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// Diarize requests per-word speaker labels. Providers without the
	// diarization capability ignore it.
	Diarize bool

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as enrolled speaker names. See
	// types.KeywordBoost for the boost intensity semantics.
	Keywords []types.KeywordBoost
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk should match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. Calling SendAudio after Close returns
	// an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. These are
	// suitable for live display but must not be written to the conversation
	// record. The channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result. These
	// are the values that reach the conversation record and the plugin router.
	// The channel is closed when the session ends.
	Finals() <-chan types.Transcript

	// SetKeywords replaces the active keyword boost list without restarting
	// the session. Providers that do not support mid-session keyword updates
	// return ErrNotSupported. Changes take effect on a best-effort basis;
	// already-buffered audio frames may still use the previous keyword set.
	SetKeywords(keywords []types.KeywordBoost) error

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials and Finals
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per active client stream).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)

	// Capabilities reports what this provider supports.
	Capabilities() Capabilities
}

// BatchOptions configures a one-shot transcription of a complete recording.
type BatchOptions struct {
	Language string
	Diarize  bool
	Model    string
}

// BatchResult is the outcome of a batch transcription.
type BatchResult struct {
	Text     string
	Words    []types.Word
	Segments []types.Segment
	// Duration is the audio length in seconds, when the provider reports it.
	Duration float64
	Provider string
	Model    string
}

// BatchProvider transcribes a complete WAV recording in one request.
type BatchProvider interface {
	// Transcribe submits a full WAV file and blocks until the provider
	// returns a result or ctx is done.
	Transcribe(ctx context.Context, wav []byte, opts BatchOptions) (*BatchResult, error)

	// Capabilities reports what this provider supports.
	Capabilities() Capabilities
}
