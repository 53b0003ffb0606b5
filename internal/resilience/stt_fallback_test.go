package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/callyx/pkg/speech/stt"
	sttmock "github.com/MrWong99/callyx/pkg/speech/stt/mock"
)

func TestRecognizerFallbackPrimarySuccess(t *testing.T) {
	sess := sttmock.NewSession()
	primary := &sttmock.Provider{Sessions: []*sttmock.Session{sess}}
	secondary := &sttmock.Provider{}

	fb := NewRecognizerFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	got, err := fb.StartStream(context.Background(), stt.StreamConfig{Language: "en-US"})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if got != stt.Session(sess) {
		t.Error("StartStream did not return the primary's session")
	}
	if secondary.StartCount() != 0 {
		t.Errorf("secondary was tried %d times, want 0", secondary.StartCount())
	}
}

func TestRecognizerFallbackFailsOver(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errBackend}
	secondary := &sttmock.Provider{}

	fb := NewRecognizerFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	sess, err := fb.StartStream(context.Background(), stt.StreamConfig{Language: "de-DE"})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if sess == nil {
		t.Fatal("StartStream returned nil session")
	}
	if primary.StartCount() != 1 || secondary.StartCount() != 1 {
		t.Errorf("calls = primary %d, secondary %d, want 1 each",
			primary.StartCount(), secondary.StartCount())
	}
	if got := secondary.StartStreamCalls[0].Cfg.Language; got != "de-DE" {
		t.Errorf("fallback language = %q, want de-DE", got)
	}
}

func TestRecognizerFallbackAllFailed(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errBackend}
	secondary := &sttmock.Provider{StartStreamErr: errBackend}

	fb := NewRecognizerFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.StartStream(context.Background(), stt.StreamConfig{Language: "en-US"})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestRecognizerFallbackOpenBreakerSkipsPrimary(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errBackend}
	secondary := &sttmock.Provider{}

	fb := NewRecognizerFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2},
	})
	fb.AddFallback("secondary", secondary)

	cfg := stt.StreamConfig{Language: "en-US"}
	for i := 0; i < 3; i++ {
		if _, err := fb.StartStream(context.Background(), cfg); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	// Two failures opened the primary's breaker; the third call skipped it.
	if got := primary.StartCount(); got != 2 {
		t.Errorf("primary tried %d times, want 2", got)
	}
	if got := secondary.StartCount(); got != 3 {
		t.Errorf("secondary tried %d times, want 3", got)
	}
}
