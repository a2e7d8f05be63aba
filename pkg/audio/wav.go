package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const wavHeaderSize = 44

// BuildWAV wraps raw little-endian int16 PCM in a RIFF/WAVE container.
func BuildWAV(pcm []byte, sampleRate, channels int) []byte {
	out := make([]byte, wavHeaderSize+len(pcm))
	writeWAVHeader(out, len(pcm), sampleRate, channels)
	copy(out[wavHeaderSize:], pcm)
	return out
}

func writeWAVHeader(dst []byte, dataLen, sampleRate, channels int) {
	byteRate := sampleRate * channels * 2
	copy(dst[0:4], "RIFF")
	binary.LittleEndian.PutUint32(dst[4:8], uint32(36+dataLen))
	copy(dst[8:12], "WAVE")
	copy(dst[12:16], "fmt ")
	binary.LittleEndian.PutUint32(dst[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(dst[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(dst[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(dst[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(dst[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(dst[32:34], uint16(channels*2)) // block align
	binary.LittleEndian.PutUint16(dst[34:36], 16)                 // bits per sample
	copy(dst[36:40], "data")
	binary.LittleEndian.PutUint32(dst[40:44], uint32(dataLen))
}

// ParseWAV extracts PCM and format from a RIFF/WAVE container. Only 16-bit
// PCM is supported; that is the only format Chronicle writes.
func ParseWAV(wav []byte) (pcm []byte, sampleRate, channels int, err error) {
	if len(wav) < wavHeaderSize || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("audio: not a RIFF/WAVE file")
	}
	if format := binary.LittleEndian.Uint16(wav[20:22]); format != 1 {
		return nil, 0, 0, fmt.Errorf("audio: unsupported WAV format %d (want PCM)", format)
	}
	if bits := binary.LittleEndian.Uint16(wav[34:36]); bits != 16 {
		return nil, 0, 0, fmt.Errorf("audio: unsupported bit depth %d (want 16)", bits)
	}
	channels = int(binary.LittleEndian.Uint16(wav[22:24]))
	sampleRate = int(binary.LittleEndian.Uint32(wav[24:28]))
	dataLen := int(binary.LittleEndian.Uint32(wav[40:44]))
	if dataLen > len(wav)-wavHeaderSize {
		dataLen = len(wav) - wavHeaderSize
	}
	return wav[wavHeaderSize : wavHeaderSize+dataLen], sampleRate, channels, nil
}

// WAVWriter appends PCM to a file incrementally and fixes up the RIFF sizes on
// Close. The persistence job uses it so a crash mid-conversation still leaves
// a parseable file up to the last flushed frame.
type WAVWriter struct {
	f          *os.File
	sampleRate int
	channels   int
	dataLen    int
}

// NewWAVWriter creates path (truncating any existing file) and writes a
// provisional header with zero data length.
func NewWAVWriter(path string, sampleRate, channels int) (*WAVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("audio: create wav %s: %w", path, err)
	}
	var header [wavHeaderSize]byte
	writeWAVHeader(header[:], 0, sampleRate, channels)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("audio: write wav header: %w", err)
	}
	return &WAVWriter{f: f, sampleRate: sampleRate, channels: channels}, nil
}

// Write appends raw PCM bytes.
func (w *WAVWriter) Write(pcm []byte) (int, error) {
	n, err := w.f.Write(pcm)
	w.dataLen += n
	if err != nil {
		return n, fmt.Errorf("audio: write wav data: %w", err)
	}
	return n, nil
}

// Duration returns the seconds of audio written so far.
func (w *WAVWriter) Duration() float64 {
	return float64(w.dataLen) / float64(w.sampleRate*w.channels*2)
}

// BytesWritten returns the PCM byte count written so far.
func (w *WAVWriter) BytesWritten() int {
	return w.dataLen
}

// Close rewrites the header with the final sizes and closes the file.
func (w *WAVWriter) Close() error {
	var header [wavHeaderSize]byte
	writeWAVHeader(header[:], w.dataLen, w.sampleRate, w.channels)
	if _, err := w.f.WriteAt(header[:], 0); err != nil {
		w.f.Close()
		return fmt.Errorf("audio: finalize wav header: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("audio: close wav: %w", err)
	}
	return nil
}

// ReadWAVFile reads an entire WAV file from disk.
func ReadWAVFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open wav %s: %w", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("audio: read wav %s: %w", path, err)
	}
	return data, nil
}
