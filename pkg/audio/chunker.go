package audio

import (
	"errors"
	"fmt"
)

// Chunks split conversation audio into fixed spans so playback can seek and
// deletion can drop ranges without rewriting a monolithic blob.
const (
	ChunkDurationSeconds = 10
	// MaxConversationSeconds caps chunking input at 30 minutes. Longer files
	// indicate a rotation failure upstream and are rejected rather than
	// silently stored.
	MaxConversationSeconds = 1800
)

// ErrAudioTooLong is returned when a WAV exceeds MaxConversationSeconds.
var ErrAudioTooLong = errors.New("audio: recording exceeds maximum conversation duration")

// Chunk is one opus-compressed span of a conversation recording.
type Chunk struct {
	Index          int
	StartTime      float64
	EndTime        float64
	Duration       float64
	SampleRate     int
	Channels       int
	CompressedSize int
	OriginalSize   int
	Data           []byte
}

// ConvertToChunks splits a 16-bit PCM WAV into sequential 10-second opus
// chunks. Input at other sample rates or in stereo is converted to the 16 kHz
// mono chunk format first. The final chunk may be shorter than 10 seconds.
func ConvertToChunks(wav []byte) ([]Chunk, error) {
	pcm, rate, channels, err := ParseWAV(wav)
	if err != nil {
		return nil, err
	}
	if channels == 2 {
		pcm = StereoToMono(pcm)
		channels = 1
	}
	if rate != ChunkSampleRate {
		pcm = ResampleMono16(pcm, rate, ChunkSampleRate)
		rate = ChunkSampleRate
	}

	totalSeconds := float64(len(pcm)) / float64(rate*2)
	if totalSeconds > MaxConversationSeconds {
		return nil, fmt.Errorf("%w: %.1fs > %ds", ErrAudioTooLong, totalSeconds, MaxConversationSeconds)
	}

	enc, err := NewOpusEncoder()
	if err != nil {
		return nil, err
	}

	chunkBytes := ChunkDurationSeconds * rate * 2
	var chunks []Chunk
	for off := 0; off < len(pcm); off += chunkBytes {
		end := off + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		span := pcm[off:end]
		compressed, err := enc.Encode(span)
		if err != nil {
			return nil, fmt.Errorf("audio: encode chunk %d: %w", len(chunks), err)
		}
		start := float64(off) / float64(rate*2)
		chunks = append(chunks, Chunk{
			Index:          len(chunks),
			StartTime:      start,
			EndTime:        start + float64(len(span))/float64(rate*2),
			Duration:       float64(len(span)) / float64(rate*2),
			SampleRate:     rate,
			Channels:       1,
			CompressedSize: len(compressed),
			OriginalSize:   len(span),
			Data:           compressed,
		})
	}
	return chunks, nil
}

// ReconstructWAV decodes chunks back into a single WAV. Chunks must be passed
// in index order; gaps are allowed (deleted ranges simply shorten the output).
func ReconstructWAV(chunks []Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return BuildWAV(nil, ChunkSampleRate, ChunkChannels), nil
	}
	dec, err := NewOpusDecoder()
	if err != nil {
		return nil, err
	}
	var pcm []byte
	for _, c := range chunks {
		decoded, err := dec.Decode(c.Data)
		if err != nil {
			return nil, fmt.Errorf("audio: decode chunk %d: %w", c.Index, err)
		}
		pcm = append(pcm, decoded...)
	}
	return BuildWAV(pcm, chunks[0].SampleRate, chunks[0].Channels), nil
}

// CompressionRatio reports original/compressed across all chunks, or 0 when
// nothing was stored.
func CompressionRatio(chunks []Chunk) float64 {
	var orig, comp int
	for _, c := range chunks {
		orig += c.OriginalSize
		comp += c.CompressedSize
	}
	if comp == 0 {
		return 0
	}
	return float64(orig) / float64(comp)
}

// TotalDuration sums chunk durations in seconds.
func TotalDuration(chunks []Chunk) float64 {
	var d float64
	for _, c := range chunks {
		d += c.Duration
	}
	return d
}
