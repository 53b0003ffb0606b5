package resilience

import (
	"context"

	"github.com/MrWong99/callyx/pkg/speech/tts"
)

// SynthesizerFallback implements [tts.Provider] with failover across multiple
// synthesis backends, each behind its own circuit breaker. Only stream setup
// participates in failover; mid-stream errors belong to the caller.
type SynthesizerFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*SynthesizerFallback)(nil)

// NewSynthesizerFallback creates a fallback synthesizer with primary as the
// preferred backend.
func NewSynthesizerFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *SynthesizerFallback {
	return &SynthesizerFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional synthesis backend.
func (f *SynthesizerFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// SynthesizeStream starts synthesis against the first healthy backend.
func (f *SynthesizerFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// ListVoices returns the voices of the first healthy backend.
func (f *SynthesizerFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
