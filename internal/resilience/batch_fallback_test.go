package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/chroniclehq/chronicle/pkg/provider/stt"
	sttmock "github.com/chroniclehq/chronicle/pkg/provider/stt/mock"
)

func TestBatchSTTFallback_Transcribe_PrimarySuccess(t *testing.T) {
	primary := &sttmock.BatchProvider{
		Result: &stt.BatchResult{Text: "from primary", Provider: "deepgram"},
	}
	secondary := &sttmock.BatchProvider{
		Result: &stt.BatchResult{Text: "from secondary", Provider: "whisper"},
	}

	fb := NewBatchSTTFallback(primary, "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("whisper", secondary)

	res, err := fb.Transcribe(context.Background(), []byte("RIFF"), stt.BatchOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "from primary" {
		t.Fatalf("text = %q, want 'from primary'", res.Text)
	}
	if len(secondary.TranscribeCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.TranscribeCalls))
	}
}

func TestBatchSTTFallback_Transcribe_Failover(t *testing.T) {
	primary := &sttmock.BatchProvider{TranscribeErr: errors.New("api down")}
	secondary := &sttmock.BatchProvider{
		Result: &stt.BatchResult{Text: "from secondary", Provider: "whisper"},
	}

	fb := NewBatchSTTFallback(primary, "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("whisper", secondary)

	res, err := fb.Transcribe(context.Background(), []byte("RIFF"), stt.BatchOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "from secondary" {
		t.Fatalf("text = %q, want 'from secondary'", res.Text)
	}
	if len(primary.TranscribeCalls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.TranscribeCalls))
	}
}

func TestBatchSTTFallback_Transcribe_AllFail(t *testing.T) {
	primary := &sttmock.BatchProvider{TranscribeErr: errors.New("api down")}
	secondary := &sttmock.BatchProvider{TranscribeErr: errors.New("model missing")}

	fb := NewBatchSTTFallback(primary, "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("whisper", secondary)

	_, err := fb.Transcribe(context.Background(), nil, stt.BatchOptions{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestBatchSTTFallback_CircuitOpenSkipsPrimary(t *testing.T) {
	primary := &sttmock.BatchProvider{TranscribeErr: errors.New("api down")}
	secondary := &sttmock.BatchProvider{
		Result: &stt.BatchResult{Text: "ok"},
	}

	fb := NewBatchSTTFallback(primary, "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("whisper", secondary)

	// First call trips the primary's breaker; second call should skip it.
	for i := 0; i < 2; i++ {
		if _, err := fb.Transcribe(context.Background(), nil, stt.BatchOptions{}); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	if len(primary.TranscribeCalls) != 1 {
		t.Fatalf("primary called %d times, want 1 (breaker should skip after trip)", len(primary.TranscribeCalls))
	}
	if len(secondary.TranscribeCalls) != 2 {
		t.Fatalf("secondary called %d times, want 2", len(secondary.TranscribeCalls))
	}
}
