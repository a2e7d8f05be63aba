package audio

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

// Chronicle persists conversation audio as 16 kHz mono opus at 20 ms frame size.
const (
	ChunkSampleRate  = 16000
	ChunkChannels    = 1
	opusFrameSizeMs  = 20
	// opusFrameSamples is the number of samples per channel per 20 ms frame.
	opusFrameSamples = ChunkSampleRate * opusFrameSizeMs / 1000 // 320
	// maxOpusPacket bounds the encoder output buffer per frame.
	maxOpusPacket = 4000
)

// OpusEncoder encodes PCM into Chronicle's chunk payload format: a sequence of
// length-prefixed opus packets (uint16 big-endian length, then the packet).
// Opus packets vary in size, so the framing is required to split payloads back
// into decodable packets. One encoder per stream; not safe for concurrent use.
type OpusEncoder struct {
	enc *gopus.Encoder
}

// NewOpusEncoder creates an encoder for the chunk format.
func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(ChunkSampleRate, ChunkChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc}, nil
}

// Encode compresses little-endian int16 mono PCM into the length-prefixed
// packet sequence. Trailing samples shorter than one 20 ms frame are
// zero-padded so no audio is dropped at chunk boundaries.
func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	samples := bytesToInt16s(pcm)
	var out []byte
	frame := make([]int16, opusFrameSamples)

	for off := 0; off < len(samples); off += opusFrameSamples {
		n := copy(frame, samples[off:])
		for i := n; i < opusFrameSamples; i++ {
			frame[i] = 0
		}
		packet, err := e.enc.Encode(frame, opusFrameSamples, maxOpusPacket)
		if err != nil {
			return nil, fmt.Errorf("audio: opus encode: %w", err)
		}
		var prefix [2]byte
		binary.BigEndian.PutUint16(prefix[:], uint16(len(packet)))
		out = append(out, prefix[:]...)
		out = append(out, packet...)
	}
	return out, nil
}

// OpusDecoder decodes Chronicle chunk payloads back into PCM.
// One decoder per stream to keep codec state correct across packets.
type OpusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder creates a decoder for the chunk format.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(ChunkSampleRate, ChunkChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode expands a length-prefixed packet sequence into little-endian int16
// mono PCM.
func (d *OpusDecoder) Decode(payload []byte) ([]byte, error) {
	var out []byte
	for off := 0; off < len(payload); {
		if off+2 > len(payload) {
			return nil, fmt.Errorf("audio: truncated packet prefix at offset %d", off)
		}
		n := int(binary.BigEndian.Uint16(payload[off:]))
		off += 2
		if off+n > len(payload) {
			return nil, fmt.Errorf("audio: truncated packet at offset %d (want %d bytes)", off, n)
		}
		pcm, err := d.dec.Decode(payload[off:off+n], opusFrameSamples, false)
		if err != nil {
			return nil, fmt.Errorf("audio: opus decode: %w", err)
		}
		out = append(out, int16sToBytes(pcm)...)
		off += n
	}
	return out, nil
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
