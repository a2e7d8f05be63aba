package mock

import (
	"context"
	"sync"

	"github.com/chroniclehq/chronicle/pkg/provider/stt"
)

// TranscribeCall records a single invocation of BatchProvider.Transcribe.
type TranscribeCall struct {
	// WAV is the audio payload passed to Transcribe.
	WAV []byte
	// Opts is the BatchOptions passed to Transcribe.
	Opts stt.BatchOptions
}

// BatchProvider is a mock implementation of stt.BatchProvider.
type BatchProvider struct {
	mu sync.Mutex

	// Result is returned by Transcribe when TranscribeErr is nil.
	Result *stt.BatchResult

	// TranscribeErr, if non-nil, is returned as the error from Transcribe.
	TranscribeErr error

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall

	// Caps is returned by Capabilities. Defaults to batch-only when empty.
	Caps stt.Capabilities
}

// Transcribe records the call and returns Result, TranscribeErr.
func (p *BatchProvider) Transcribe(_ context.Context, wav []byte, opts stt.BatchOptions) (*stt.BatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{WAV: wav, Opts: opts})
	if p.TranscribeErr != nil {
		return nil, p.TranscribeErr
	}
	if p.Result != nil {
		return p.Result, nil
	}
	return &stt.BatchResult{}, nil
}

// Capabilities returns Caps, or a batch default when unset.
func (p *BatchProvider) Capabilities() stt.Capabilities {
	if len(p.Caps) > 0 {
		return p.Caps
	}
	return stt.Capabilities{stt.CapBatch}
}

// Ensure BatchProvider implements stt.BatchProvider at compile time.
var _ stt.BatchProvider = (*BatchProvider)(nil)
