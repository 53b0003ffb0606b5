package stt

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
var ErrAcquireTimeout = errors.New("stt: recognizer pool acquire timeout")

// Retry schedule for transient StartStream failures.
const (
	startAttempts    = 3
	startBaseBackoff = 100 * time.Millisecond
	startMultiplier  = 4

	defaultAcquireTimeout = 5 * time.Second
)

// Pool bounds the number of concurrent recognition streams against a
// provider. Each Acquire opens a fresh single-tenant session, so no state
// survives between tenants of the same slot.
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

// NewPool creates a pool of size concurrent recognition streams.
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

// Acquire takes a slot and opens a recognition session on it. The returned
// session self-heals mid-stream provider failures by reconnecting and
// emitting a synthetic final from the pending partial. Stop returns the slot.
func (p *Pool) Acquire(ctx context.Context, cfg StreamConfig) (Session, error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-p.slots:
	case <-timer.C:
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	inner, err := p.startWithRetry(ctx, cfg)
	if err != nil {
		p.slots <- struct{}{}
		return nil, err
	}

	return &pooledSession{
		Session: newReconnecting(ctx, inner, p.provider, cfg, p.log),
		release: func() { p.slots <- struct{}{} },
	}, nil
}

// Release stops the session and frees its slot. Equivalent to calling Stop on
// the session directly.
func (p *Pool) Release(s Session) {
	if s == nil {
		return
	}
	if err := s.Stop(); err != nil {
		p.log.Warn("recognizer stop failed on release", "error", err)
	}
}

func (p *Pool) startWithRetry(ctx context.Context, cfg StreamConfig) (Session, error) {
	backoff := startBaseBackoff
	var err error
	for attempt := 1; attempt <= startAttempts; attempt++ {
		var s Session
		s, err = p.provider.StartStream(ctx, cfg)
		if err == nil {
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == startAttempts {
			break
		}
		p.log.Warn("recognizer start failed, retrying",
			"attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= startMultiplier
	}
	return nil, fmt.Errorf("stt: start stream: %w", err)
}

// pooledSession returns its slot exactly once, when stopped.
type pooledSession struct {
	Session
	once    sync.Once
	release func()
}

func (s *pooledSession) Stop() error {
	err := s.Session.Stop()
	s.once.Do(s.release)
	return err
}
