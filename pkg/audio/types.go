package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — decoded from device uploads,
// carried over per-client streams, and consumed by the persistence job and the
// streaming ASR consumer.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are determined by the session's
	// audio format.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for wearable capture, 48000 for opus-native input).
	SampleRate int

	// Channels: 1 for mono (the capture default), 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
