package resilience

import (
	"context"

	"github.com/chroniclehq/chronicle/pkg/provider/stt"
)

// BatchSTTFallback implements [stt.BatchProvider] with automatic failover
// across multiple batch transcription backends. Each backend has its own
// circuit breaker. The post-conversation transcribe job uses this to fall back
// from a remote API to local whisper when the API is down.
type BatchSTTFallback struct {
	group *FallbackGroup[stt.BatchProvider]
}

// Compile-time interface assertion.
var _ stt.BatchProvider = (*BatchSTTFallback)(nil)

// NewBatchSTTFallback creates a [BatchSTTFallback] with primary as the
// preferred backend.
func NewBatchSTTFallback(primary stt.BatchProvider, primaryName string, cfg FallbackConfig) *BatchSTTFallback {
	return &BatchSTTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional batch provider as a fallback.
func (f *BatchSTTFallback) AddFallback(name string, provider stt.BatchProvider) {
	f.group.AddFallback(name, provider)
}

// Transcribe runs the recording through the first healthy provider.
func (f *BatchSTTFallback) Transcribe(ctx context.Context, wav []byte, opts stt.BatchOptions) (*stt.BatchResult, error) {
	return ExecuteWithResult(f.group, func(p stt.BatchProvider) (*stt.BatchResult, error) {
		return p.Transcribe(ctx, wav, opts)
	})
}

// Capabilities returns the capabilities of the first entry (the primary).
// This does not participate in failover because capabilities are static metadata.
func (f *BatchSTTFallback) Capabilities() stt.Capabilities {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Capabilities()
	}
	return nil
}
