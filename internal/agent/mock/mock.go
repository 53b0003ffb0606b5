// Package mock provides scripted agent.Agent and agent.Sink implementations
// for orchestrator and media tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callyx/internal/agent"
	"github.com/MrWong99/callyx/pkg/session"
	"github.com/MrWong99/callyx/pkg/speech/tts"
)

// RespondCall records one Respond invocation.
type RespondCall struct {
	Utterance    string
	ProviderCall bool
	ActiveAgent  string
}

// Agent is a scripted agent.Agent. Envelopes are consumed in order; when the
// script is exhausted, a plain successful envelope is returned.
type Agent struct {
	mu sync.Mutex

	// NameVal is the registry name. Required.
	NameVal string

	// VoiceVal is returned from Voice.
	VoiceVal tts.VoiceProfile

	// GreetingVal and ReentryGreetingVal are returned from Greeting.
	GreetingVal        string
	ReentryGreetingVal string

	// Envelopes is the script, one entry per Respond call.
	Envelopes []agent.ToolEnvelope

	// RespondErr, when set, is returned from every Respond call.
	RespondErr error

	// SpeakTexts, when non-empty, are spoken through the sink on each
	// Respond call before the envelope is returned.
	SpeakTexts []string

	// Calls records every Respond invocation.
	Calls []RespondCall
}

var _ agent.Agent = (*Agent)(nil)

// Name implements agent.Agent.
func (a *Agent) Name() string { return a.NameVal }

// Voice implements agent.Agent.
func (a *Agent) Voice() tts.VoiceProfile { return a.VoiceVal }

// Greeting implements agent.Agent.
func (a *Agent) Greeting(reentry bool) string {
	if reentry && a.ReentryGreetingVal != "" {
		return a.ReentryGreetingVal
	}
	return a.GreetingVal
}

// Respond implements agent.Agent.
func (a *Agent) Respond(ctx context.Context, mem *session.CoreMemory, utterance string, sink agent.Sink, providerCall bool) (agent.ToolEnvelope, error) {
	a.mu.Lock()
	a.Calls = append(a.Calls, RespondCall{
		Utterance:    utterance,
		ProviderCall: providerCall,
		ActiveAgent:  mem.ActiveAgent,
	})
	var env agent.ToolEnvelope
	if len(a.Envelopes) == 0 {
		env = agent.ToolEnvelope{Success: true}
	} else {
		env = a.Envelopes[0]
		a.Envelopes = a.Envelopes[1:]
	}
	texts := a.SpeakTexts
	err := a.RespondErr
	a.mu.Unlock()

	if err != nil {
		return agent.ToolEnvelope{}, err
	}
	for _, text := range texts {
		if err := sink.SpeakText(ctx, text); err != nil {
			return agent.ToolEnvelope{}, err
		}
	}
	return env, nil
}

// CallCount returns the number of Respond invocations. Thread-safe.
func (a *Agent) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Calls)
}

// LastCall returns the most recent Respond invocation, or a zero value.
func (a *Agent) LastCall() RespondCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.Calls) == 0 {
		return RespondCall{}
	}
	return a.Calls[len(a.Calls)-1]
}

// Sink is a recording agent.Sink.
type Sink struct {
	mu sync.Mutex

	// SpeakErr, when set, is returned from Speak and SpeakText.
	SpeakErr error

	// Spoken records every phrase, streamed fragments included.
	Spoken []string
}

var _ agent.Sink = (*Sink)(nil)

// Speak implements agent.Sink by draining and recording the stream.
func (s *Sink) Speak(ctx context.Context, text <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fragment, ok := <-text:
			if !ok {
				s.mu.Lock()
				err := s.SpeakErr
				s.mu.Unlock()
				return err
			}
			s.mu.Lock()
			s.Spoken = append(s.Spoken, fragment)
			s.mu.Unlock()
		}
	}
}

// SpeakText implements agent.Sink.
func (s *Sink) SpeakText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SpeakErr != nil {
		return s.SpeakErr
	}
	s.Spoken = append(s.Spoken, text)
	return nil
}

// SpokenTexts returns a copy of everything spoken so far. Thread-safe.
func (s *Sink) SpokenTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Spoken...)
}
