package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrAcquireTimeout indicates every pool slot stayed busy for the whole
// acquire window.
var ErrAcquireTimeout = errors.New("tts: synthesizer pool acquire timeout")

const (
	startAttempts    = 3
	startBaseBackoff = 100 * time.Millisecond
	startMultiplier  = 4

	defaultAcquireTimeout = 5 * time.Second
)

// Pool bounds the number of concurrent synthesis streams against a provider.
// Each acquired Synthesizer is single-tenant and carries its own cancel
// handle, so stopping one caller's speech can never clip another's.
type Pool struct {
	provider Provider
	slots    chan struct{}
	timeout  time.Duration
	log      *slog.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithAcquireTimeout bounds how long Acquire waits for a free slot.
func WithAcquireTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.timeout = d }
}

// WithLogger sets the pool's logger.
func WithLogger(log *slog.Logger) PoolOption {
	return func(p *Pool) { p.log = log }
}

// NewPool creates a pool of size concurrent synthesis streams.
func NewPool(provider Provider, size int, opts ...PoolOption) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		provider: provider,
		slots:    make(chan struct{}, size),
		timeout:  defaultAcquireTimeout,
		log:      slog.Default(),
	}
	for i := 0; i < size; i++ {
		p.slots <- struct{}{}
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Size returns the pool capacity.
func (p *Pool) Size() int { return cap(p.slots) }

// Free returns the number of currently idle slots.
func (p *Pool) Free() int { return len(p.slots) }

// Acquire takes a slot. The returned Synthesizer must be Released exactly
// when the caller is done with it; Release also cancels any in-flight stream.
func (p *Pool) Acquire(ctx context.Context) (*Synthesizer, error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-p.slots:
	case <-timer.C:
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &Synthesizer{
		provider: p.provider,
		log:      p.log,
		release:  func() { p.slots <- struct{}{} },
	}, nil
}

// Synthesizer is one leased synthesis slot. At most one stream is in flight
// at a time; starting a new stream implicitly cancels the previous one.
//
// Safe for concurrent use: Speak runs on the turn lane while Stop is called
// from the barge-in path.
type Synthesizer struct {
	provider Provider
	log      *slog.Logger
	release  func()

	mu       sync.Mutex
	cancel   context.CancelFunc
	released bool
}

// Speak starts a synthesis stream for the given text. Transient start
// failures are retried with bounded backoff; exhaustion surfaces the last
// provider error.
func (s *Synthesizer) Speak(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil, errors.New("tts: synthesizer already released")
	}
	if s.cancel != nil {
		s.cancel()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	backoff := startBaseBackoff
	var err error
	for attempt := 1; attempt <= startAttempts; attempt++ {
		var audio <-chan []byte
		audio, err = s.provider.SynthesizeStream(streamCtx, text, voice)
		if err == nil {
			return audio, nil
		}
		if streamCtx.Err() != nil {
			return nil, streamCtx.Err()
		}
		if attempt == startAttempts {
			break
		}
		s.log.Warn("synthesis start failed, retrying",
			"voice", voice.Name, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-streamCtx.Done():
			return nil, streamCtx.Err()
		}
		backoff *= startMultiplier
	}
	return nil, fmt.Errorf("tts: start synthesis: %w", err)
}

// Stop cancels the in-flight stream, if any. The audio channel closes once
// the producer observes the cancellation.
func (s *Synthesizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Release stops any in-flight stream and returns the slot to the pool.
// Idempotent.
func (s *Synthesizer) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.release()
}
