package stt

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// reconnectingSession wraps a provider session and survives mid-stream
// failures: on a provider error it emits a synthetic final built from the
// pending partial, redials, and carries on. Consumers see one uninterrupted
// pair of transcript channels for the lifetime of the call.
type reconnectingSession struct {
	ctx      context.Context
	provider Provider
	cfg      StreamConfig
	log      *slog.Logger

	partials chan Transcript
	finals   chan Transcript
	errCh    chan error

	mu      sync.Mutex
	inner   Session
	stopped bool
}

var _ Session = (*reconnectingSession)(nil)

func newReconnecting(ctx context.Context, inner Session, provider Provider, cfg StreamConfig, log *slog.Logger) *reconnectingSession {
	r := &reconnectingSession{
		ctx:      ctx,
		provider: provider,
		cfg:      cfg,
		log:      log,
		partials: make(chan Transcript, 16),
		finals:   make(chan Transcript, 16),
		errCh:    make(chan error, 1),
		inner:    inner,
	}
	go r.supervise(inner)
	return r
}

// Feed implements Session.
func (r *reconnectingSession) Feed(frame []byte) error {
	r.mu.Lock()
	inner := r.inner
	r.mu.Unlock()
	return inner.Feed(frame)
}

// Partials implements Session.
func (r *reconnectingSession) Partials() <-chan Transcript { return r.partials }

// Finals implements Session.
func (r *reconnectingSession) Finals() <-chan Transcript { return r.finals }

// Err implements Session.
func (r *reconnectingSession) Err() <-chan error { return r.errCh }

// Stop implements Session. Idempotent.
func (r *reconnectingSession) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	inner := r.inner
	r.mu.Unlock()
	return inner.Stop()
}

func (r *reconnectingSession) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *reconnectingSession) supervise(inner Session) {
	defer close(r.partials)
	defer close(r.finals)
	defer close(r.errCh)

	for {
		failed := r.pump(inner)
		if !failed || r.isStopped() || r.ctx.Err() != nil {
			return
		}

		next, err := r.redial()
		if err != nil {
			select {
			case r.errCh <- err:
			default:
			}
			return
		}
		r.mu.Lock()
		r.inner = next
		r.mu.Unlock()
		inner = next
	}
}

// pump forwards transcripts from inner until its channels close. Returns true
// when the session ended with a provider failure rather than a clean stop.
// On failure, the pending partial (if any) is promoted to a synthetic final
// so the turn it belongs to is not lost; a real final that already landed
// clears the pending partial, so no duplicate final can be emitted.
func (r *reconnectingSession) pump(inner Session) bool {
	parts, fins, errs := inner.Partials(), inner.Finals(), inner.Err()
	var pending Transcript
	failed := false

	for parts != nil || fins != nil || errs != nil {
		select {
		case t, ok := <-parts:
			if !ok {
				parts = nil
				continue
			}
			pending = t
			r.forward(r.partials, t)
		case t, ok := <-fins:
			if !ok {
				fins = nil
				continue
			}
			pending = Transcript{}
			r.forward(r.finals, t)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			failed = true
			r.log.Warn("recognizer stream failed mid-call", "error", err)
		case <-r.ctx.Done():
			return false
		}
	}

	if failed && pending.Text != "" {
		synthetic := pending
		synthetic.IsFinal = true
		r.forward(r.finals, synthetic)
	}
	return failed
}

func (r *reconnectingSession) forward(ch chan Transcript, t Transcript) {
	select {
	case ch <- t:
	case <-r.ctx.Done():
	}
}

func (r *reconnectingSession) redial() (Session, error) {
	backoff := startBaseBackoff
	var err error
	for attempt := 1; attempt <= startAttempts; attempt++ {
		var s Session
		s, err = r.provider.StartStream(r.ctx, r.cfg)
		if err == nil {
			r.log.Info("recognizer stream reconnected", "attempt", attempt)
			return s, nil
		}
		if r.ctx.Err() != nil || attempt == startAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-r.ctx.Done():
			return nil, r.ctx.Err()
		}
		backoff *= startMultiplier
	}
	return nil, err
}
