package streaming

import (
	"context"
	"log/slog"

	"github.com/chroniclehq/chronicle/pkg/audio"
	"github.com/chroniclehq/chronicle/pkg/provider/speaker"
)

// Identifier is the slice of the speaker-recognition client the streaming
// consumer uses for per-window identification.
type Identifier interface {
	Identify(ctx context.Context, wav []byte) (*speaker.Identification, error)
}

// speakerWindow buffers raw PCM between finals so that providers without
// native diarization still get a speaker label: once at least
// speaker.MinIdentifyWindow of audio has accumulated, the next final triggers
// one identification call against the buffered window. The buffer is cleared
// after every attempt, successful or not.
type speakerWindow struct {
	identifier Identifier
	sampleRate int
	buf        []byte
	minBytes   int
}

func newSpeakerWindow(identifier Identifier, sampleRate int) *speakerWindow {
	return &speakerWindow{
		identifier: identifier,
		sampleRate: sampleRate,
		minBytes:   speaker.WindowSamples(speaker.MinIdentifyWindow, sampleRate) * 2,
	}
}

// add appends mono 16-bit PCM to the window.
func (w *speakerWindow) add(pcm []byte) {
	w.buf = append(w.buf, pcm...)
}

// identify runs one identification attempt if enough audio accumulated.
// It returns empty values when the window is too short or the service fails;
// identification is best effort and never blocks the result path.
func (w *speakerWindow) identify(ctx context.Context) (name string, confidence float64) {
	if w.identifier == nil || len(w.buf) < w.minBytes {
		return "", 0
	}
	wav := audio.BuildWAV(w.buf, w.sampleRate, 1)
	w.buf = w.buf[:0]

	id, err := w.identifier.Identify(ctx, wav)
	if err != nil {
		slog.Debug("speaker window identification failed", "err", err)
		return "", 0
	}
	return id.Speaker, id.Confidence
}
