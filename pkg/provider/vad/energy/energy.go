// Package energy implements a dependency-free VAD backend based on RMS frame
// energy. It is not a speech model: anything loud counts as speech. For
// wearable capture that tradeoff is acceptable for session liveness tracking,
// and the engine needs no model files or cgo.
//
// The per-frame energy is normalised against full-scale 16-bit PCM and mapped
// through the configured thresholds; a hangover counter bridges the short
// pauses inside an utterance so a sentence is one segment, not ten.
package energy

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/chroniclehq/chronicle/pkg/provider/vad"
)

// hangoverFrames is how many consecutive sub-threshold frames end a segment.
// At 30 ms frames this is roughly 300 ms of silence.
const hangoverFrames = 10

// referenceRMS is the normalised RMS treated as probability 1.0. Speech on a
// wearable mic rarely exceeds a tenth of full scale.
const referenceRMS = 0.1

// Engine is the RMS-energy VAD backend.
type Engine struct{}

// New creates the engine. It holds no state; sessions are independent.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a fresh detection session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %d ms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %v out of range", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %v out of range", cfg.SilenceThreshold)
	}
	return &session{
		cfg:        cfg,
		frameBytes: cfg.SampleRate / 1000 * cfg.FrameSizeMs * 2,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

type session struct {
	cfg        vad.Config
	frameBytes int

	mu       sync.Mutex
	closed   bool
	inSpeech bool
	silent   int
}

// ProcessFrame classifies one 16-bit little-endian mono PCM frame.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, fmt.Errorf("energy: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	prob := probability(frame)
	ev := vad.VADEvent{Probability: prob}

	switch {
	case !s.inSpeech && prob >= s.cfg.SpeechThreshold:
		s.inSpeech = true
		s.silent = 0
		ev.Type = vad.VADSpeechStart

	case s.inSpeech && prob > s.cfg.SilenceThreshold:
		s.silent = 0
		ev.Type = vad.VADSpeechContinue

	case s.inSpeech:
		s.silent++
		if s.silent >= hangoverFrames {
			s.inSpeech = false
			s.silent = 0
			ev.Type = vad.VADSpeechEnd
		} else {
			// Inside the hangover window a quiet frame still counts as speech.
			ev.Type = vad.VADSpeechContinue
		}

	default:
		ev.Type = vad.VADSilence
	}
	return ev, nil
}

// Reset clears segment state without closing the session.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
	s.silent = 0
}

// Close marks the session closed. Safe to call more than once.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// probability maps frame RMS onto [0, 1].
func probability(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(frame[i*2:]))
		v := float64(sample) / math.MaxInt16
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	p := rms / referenceRMS
	if p > 1 {
		p = 1
	}
	return p
}
