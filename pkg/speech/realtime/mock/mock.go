// Package mock provides test doubles for the realtime package interfaces.
//
// A Session's outbound channels are owned by the test: push audio and
// transcript events to script the external service's behaviour, then Close
// the session (or call Finish) to end the stream.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callyx/pkg/speech/realtime"
)

// ConnectCall records one invocation of Provider.Connect.
type ConnectCall struct {
	Ctx context.Context
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is handed out by Connect. If nil, a fresh default Session is
	// returned per call.
	Session *Session

	// ConnectErr, if non-nil, is returned by every Connect call.
	ConnectErr error

	// Rate is returned by SampleRate. Defaults to 24000.
	Rate int

	// ConnectCalls records every call in order.
	ConnectCalls []ConnectCall
}

var _ realtime.Provider = (*Provider)(nil)

// Connect records the call and returns Session (or a fresh default).
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// SampleRate implements realtime.Provider.
func (p *Provider) SampleRate() int {
	if p.Rate > 0 {
		return p.Rate
	}
	return 24000
}

// Session is a mock implementation of realtime.Session.
type Session struct {
	mu sync.Mutex

	// AudioCh and TranscriptsCh are the channels returned by Audio and
	// Transcripts. The test owns them.
	AudioCh       chan []byte
	TranscriptsCh chan realtime.TranscriptEvent

	// SendAudioErr and InterruptErr force the matching method to fail.
	SendAudioErr error
	InterruptErr error

	// ErrVal is returned by Err.
	ErrVal error

	// SentAudio records a copy of every chunk passed to SendAudio.
	SentAudio [][]byte

	// Instructions records every UpdateInstructions value in order.
	Instructions []string

	// InterruptCount and CloseCount count the respective calls.
	InterruptCount int
	CloseCount     int

	toolHandler realtime.ToolCallHandler
	closed      bool
}

var _ realtime.Session = (*Session)(nil)

// NewSession returns a Session with buffered channels that close on Close.
func NewSession() *Session {
	return &Session{
		AudioCh:       make(chan []byte, 64),
		TranscriptsCh: make(chan realtime.TranscriptEvent, 16),
	}
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SentAudio = append(s.SentAudio, cp)
	return s.SendAudioErr
}

// Audio returns AudioCh.
func (s *Session) Audio() <-chan []byte { return s.AudioCh }

// Transcripts returns TranscriptsCh.
func (s *Session) Transcripts() <-chan realtime.TranscriptEvent { return s.TranscriptsCh }

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// OnToolCall stores the handler for use with InvokeTool.
func (s *Session) OnToolCall(handler realtime.ToolCallHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolHandler = handler
}

// InvokeTool calls the registered tool handler, simulating a model tool call.
func (s *Session) InvokeTool(name, args string) (string, error) {
	s.mu.Lock()
	handler := s.toolHandler
	s.mu.Unlock()
	if handler == nil {
		return "", nil
	}
	return handler(name, args)
}

// UpdateInstructions records the new instructions.
func (s *Session) UpdateInstructions(instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Instructions = append(s.Instructions, instructions)
	return nil
}

// Interrupt records the call and returns InterruptErr.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCount++
	return s.InterruptErr
}

// Close closes both channels. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	if !s.closed {
		s.closed = true
		close(s.AudioCh)
		close(s.TranscriptsCh)
	}
	return nil
}

// Interrupts returns the number of Interrupt calls. Thread-safe.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InterruptCount
}

// SentAudioCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SentAudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SentAudio)
}
