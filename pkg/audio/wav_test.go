package audio_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chroniclehq/chronicle/pkg/audio"
)

func TestBuildAndParseWAV(t *testing.T) {
	pcm := samplesToBytes([]int16{1, -1, 32767, -32768, 0, 100})
	wav := audio.BuildWAV(pcm, 16000, 1)

	got, rate, channels, err := audio.ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if rate != 16000 || channels != 1 {
		t.Errorf("format = %dHz %dch, want 16000Hz 1ch", rate, channels)
	}
	if len(got) != len(pcm) {
		t.Fatalf("pcm length = %d, want %d", len(got), len(pcm))
	}
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Fatalf("byte %d: got %d, want %d", i, got[i], pcm[i])
		}
	}
}

func TestParseWAV_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte("RIFF")},
		{"not riff", make([]byte, 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, _, err := audio.ParseWAV(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWAVWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	w, err := audio.NewWAVWriter(path, 16000, 1)
	if err != nil {
		t.Fatalf("NewWAVWriter: %v", err)
	}

	// One second of audio written in two parts.
	half := make([]byte, 16000)
	if _, err := w.Write(half); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.Write(half); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if d := w.Duration(); d != 1.0 {
		t.Errorf("Duration = %v, want 1.0", d)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	pcm, rate, channels, err := audio.ParseWAV(data)
	if err != nil {
		t.Fatalf("ParseWAV on written file: %v", err)
	}
	if rate != 16000 || channels != 1 {
		t.Errorf("format = %dHz %dch, want 16000Hz 1ch", rate, channels)
	}
	if len(pcm) != 32000 {
		t.Errorf("data length = %d, want 32000", len(pcm))
	}
}

func TestWAVWriter_EmptyFileStillParses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")
	w, err := audio.NewWAVWriter(path, 16000, 1)
	if err != nil {
		t.Fatalf("NewWAVWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	pcm, _, _, err := audio.ParseWAV(data)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if len(pcm) != 0 {
		t.Errorf("data length = %d, want 0", len(pcm))
	}
}
