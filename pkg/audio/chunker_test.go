package audio_test

import (
	"errors"
	"math"
	"testing"

	"github.com/chroniclehq/chronicle/pkg/audio"
)

// sineWAV builds a mono 16-bit WAV containing a 440 Hz tone.
func sineWAV(seconds float64, rate int) []byte {
	n := int(seconds * float64(rate))
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return audio.BuildWAV(samplesToBytes(samples), rate, 1)
}

func TestConvertToChunks(t *testing.T) {
	wav := sineWAV(25, 16000)
	chunks, err := audio.ConvertToChunks(wav)
	if err != nil {
		t.Fatalf("ConvertToChunks: %v", err)
	}
	// 25s at 10s per chunk: two full chunks and one 5s tail.
	if len(chunks) != 3 {
		t.Fatalf("chunk count = %d, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		if c.SampleRate != audio.ChunkSampleRate || c.Channels != 1 {
			t.Errorf("chunk %d format = %dHz %dch", i, c.SampleRate, c.Channels)
		}
		if c.CompressedSize >= c.OriginalSize {
			t.Errorf("chunk %d not compressed: %d >= %d", i, c.CompressedSize, c.OriginalSize)
		}
	}
	if d := chunks[0].Duration; d != 10 {
		t.Errorf("chunk 0 duration = %v, want 10", d)
	}
	if d := chunks[2].Duration; d != 5 {
		t.Errorf("chunk 2 duration = %v, want 5", d)
	}
	if got := audio.TotalDuration(chunks); got != 25 {
		t.Errorf("TotalDuration = %v, want 25", got)
	}
	if r := audio.CompressionRatio(chunks); r <= 1 {
		t.Errorf("CompressionRatio = %v, want > 1", r)
	}
}

func TestConvertToChunks_ResamplesAndDownmixes(t *testing.T) {
	// 48 kHz stereo input must land in the 16 kHz mono chunk format.
	n := 48000 * 2 // one second, interleaved stereo
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(4000 * math.Sin(2*math.Pi*440*float64(i/2)/48000))
	}
	wav := audio.BuildWAV(samplesToBytes(samples), 48000, 2)

	chunks, err := audio.ConvertToChunks(wav)
	if err != nil {
		t.Fatalf("ConvertToChunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunk count = %d, want 1", len(chunks))
	}
	if chunks[0].SampleRate != 16000 || chunks[0].Channels != 1 {
		t.Errorf("format = %dHz %dch, want 16000Hz 1ch", chunks[0].SampleRate, chunks[0].Channels)
	}
	if d := chunks[0].Duration; math.Abs(d-1) > 0.01 {
		t.Errorf("duration = %v, want ~1", d)
	}
}

func TestConvertToChunks_RejectsOverlongAudio(t *testing.T) {
	// 31 minutes exceeds the cap. Build the WAV without allocating real
	// samples for speed: silence is fine.
	pcm := make([]byte, 31*60*16000*2)
	wav := audio.BuildWAV(pcm, 16000, 1)

	_, err := audio.ConvertToChunks(wav)
	if !errors.Is(err, audio.ErrAudioTooLong) {
		t.Fatalf("err = %v, want ErrAudioTooLong", err)
	}
}

func TestChunkRoundTrip(t *testing.T) {
	wav := sineWAV(12.5, 16000)
	chunks, err := audio.ConvertToChunks(wav)
	if err != nil {
		t.Fatalf("ConvertToChunks: %v", err)
	}

	rebuilt, err := audio.ReconstructWAV(chunks)
	if err != nil {
		t.Fatalf("ReconstructWAV: %v", err)
	}
	pcm, rate, channels, err := audio.ParseWAV(rebuilt)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if rate != 16000 || channels != 1 {
		t.Errorf("format = %dHz %dch, want 16000Hz 1ch", rate, channels)
	}

	// The tail chunk is zero-padded to a whole opus frame, so the rebuilt
	// audio may run up to 20 ms longer than the input.
	origSamples := int(12.5 * 16000)
	gotSamples := len(pcm) / 2
	if gotSamples < origSamples || gotSamples > origSamples+320 {
		t.Errorf("sample count = %d, want within [%d, %d]", gotSamples, origSamples, origSamples+320)
	}
}

func TestReconstructWAV_Empty(t *testing.T) {
	rebuilt, err := audio.ReconstructWAV(nil)
	if err != nil {
		t.Fatalf("ReconstructWAV: %v", err)
	}
	pcm, _, _, err := audio.ParseWAV(rebuilt)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if len(pcm) != 0 {
		t.Errorf("data length = %d, want 0", len(pcm))
	}
}
