// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify stream configuration and to hand out scripted
// Sessions. A Session's transcript channels are owned by the test: send the
// partials and finals you want the media handler to observe, inject a
// mid-stream failure through ErrCh, then close the channels.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callyx/pkg/speech/stt"
)

// StartStreamCall records one invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Sessions is the queue of sessions handed out by StartStream, one per
	// call. When exhausted (or empty), StartStream returns a fresh default
	// Session.
	Sessions []*Session

	// StartStreamErr, if non-nil, is returned by every StartStream call.
	StartStreamErr error

	// StartStreamCalls records every call in order.
	StartStreamCalls []StartStreamCall
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns the next scripted session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if len(p.Sessions) > 0 {
		s := p.Sessions[0]
		p.Sessions = p.Sessions[1:]
		return s, nil
	}
	return NewSession(), nil
}

// StartCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Session is a mock implementation of stt.Session.
type Session struct {
	mu sync.Mutex

	// PartialsCh, FinalsCh and ErrCh are the channels returned by the
	// corresponding methods. The test owns them.
	PartialsCh chan stt.Transcript
	FinalsCh   chan stt.Transcript
	ErrCh      chan error

	// FeedErr, if non-nil, is returned by every Feed call.
	FeedErr error

	// StopErr, if non-nil, is returned by Stop.
	StopErr error

	// CloseOnStop closes the three channels when Stop is first called.
	CloseOnStop bool

	// FeedCalls records a copy of every frame passed to Feed.
	FeedCalls [][]byte

	// StopCount is the number of Stop calls.
	StopCount int
}

var _ stt.Session = (*Session)(nil)

// NewSession returns a Session with buffered channels that close on Stop.
func NewSession() *Session {
	return &Session{
		PartialsCh:  make(chan stt.Transcript, 16),
		FinalsCh:    make(chan stt.Transcript, 16),
		ErrCh:       make(chan error, 1),
		CloseOnStop: true,
	}
}

// Feed records the frame and returns FeedErr.
func (s *Session) Feed(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.FeedCalls = append(s.FeedCalls, cp)
	return s.FeedErr
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

// Err returns ErrCh.
func (s *Session) Err() <-chan error { return s.ErrCh }

// Stop records the call and optionally closes the channels.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCount++
	if s.StopCount == 1 && s.CloseOnStop {
		close(s.PartialsCh)
		close(s.FinalsCh)
		close(s.ErrCh)
	}
	return s.StopErr
}

// Fail injects a mid-stream failure and closes the channels, simulating a
// broken provider connection.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StopCount > 0 {
		return
	}
	s.StopCount++ // further Stop calls must not double-close
	s.ErrCh <- err
	close(s.PartialsCh)
	close(s.FinalsCh)
	close(s.ErrCh)
}

// FeedCount returns the number of Feed calls. Thread-safe.
func (s *Session) FeedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.FeedCalls)
}
