package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/callyx/pkg/speech/tts"
	ttsmock "github.com/MrWong99/callyx/pkg/speech/tts/mock"
)

func TestSynthesizerFallbackPrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{}
	secondary := &ttsmock.Provider{}

	fb := NewSynthesizerFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	text := make(chan string, 1)
	text <- "hello"
	close(text)

	audio, err := fb.SynthesizeStream(context.Background(), text, tts.VoiceProfile{Name: "ava"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var frames int
	for range audio {
		frames++
	}
	if frames != 1 {
		t.Errorf("frames = %d, want 1", frames)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 0 {
		t.Errorf("calls = primary %d, secondary %d, want 1 and 0",
			primary.CallCount(), secondary.CallCount())
	}
}

func TestSynthesizerFallbackFailsOver(t *testing.T) {
	primary := &ttsmock.Provider{StartErr: errBackend}
	secondary := &ttsmock.Provider{}

	fb := NewSynthesizerFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	text := make(chan string, 1)
	text <- "still here"
	close(text)

	audio, err := fb.SynthesizeStream(context.Background(), text, tts.VoiceProfile{Name: "ava"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	for range audio {
	}
	if got := secondary.SpokenTexts(); len(got) != 1 || got[0] != "still here" {
		t.Errorf("fallback spoke %v, want [still here]", got)
	}
	if got := secondary.Calls[0].Voice.Name; got != "ava" {
		t.Errorf("fallback voice = %q, want ava", got)
	}
}

func TestSynthesizerFallbackAllFailed(t *testing.T) {
	primary := &ttsmock.Provider{StartErr: errBackend}
	secondary := &ttsmock.Provider{StartErr: errBackend}

	fb := NewSynthesizerFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	text := make(chan string)
	close(text)

	_, err := fb.SynthesizeStream(context.Background(), text, tts.VoiceProfile{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestSynthesizerFallbackListVoices(t *testing.T) {
	primary := &ttsmock.Provider{Voices: []tts.VoiceProfile{{Name: "ava"}, {Name: "guy"}}}

	fb := NewSynthesizerFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 || voices[0].Name != "ava" {
		t.Errorf("voices = %v, want [ava guy]", voices)
	}
}
