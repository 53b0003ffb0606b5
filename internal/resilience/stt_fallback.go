package resilience

import (
	"context"

	"github.com/MrWong99/callyx/pkg/speech/stt"
)

// RecognizerFallback implements [stt.Provider] with failover across multiple
// recognition backends, each behind its own circuit breaker. Only stream
// setup participates in failover; a session that dies mid-stream is handled
// by the pool's reconnect logic.
type RecognizerFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*RecognizerFallback)(nil)

// NewRecognizerFallback creates a fallback recognizer with primary as the
// preferred backend.
func NewRecognizerFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *RecognizerFallback {
	return &RecognizerFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional recognition backend.
func (f *RecognizerFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a session against the first healthy backend.
func (f *RecognizerFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Session, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.Session, error) {
		return p.StartStream(ctx, cfg)
	})
}
