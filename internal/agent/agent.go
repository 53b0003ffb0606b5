// Package agent defines the conversation specialists that answer caller
// turns, the registry that routes between them, and the YAML specs they are
// loaded from.
//
// The two primary abstractions are:
//
//   - [Agent] — one specialist persona. Owns a voice profile and a greeting,
//     and produces a [ToolEnvelope] per caller utterance.
//   - [Registry] — name → Agent mapping with an entry agent and tolerant
//     name resolution, used by the orchestrator to dispatch turns.
//
// This package lives under internal/ because it encapsulates
// application-private orchestration logic and is not intended to be imported
// by external code.
package agent

import (
	"context"

	"github.com/MrWong99/callyx/pkg/session"
	"github.com/MrWong99/callyx/pkg/speech/tts"
)

// Sink receives the audio-bearing text an agent produces during a turn.
// The media layer implements it on top of the synthesizer pool and the
// egress lane; tests implement it as a recorder.
type Sink interface {
	// Speak streams sentence fragments into synthesis as they arrive.
	// It returns once every fragment has been enqueued for playback, or
	// earlier when ctx is cancelled.
	Speak(ctx context.Context, text <-chan string) error

	// SpeakText synthesizes a single fixed phrase. Used for greetings and
	// apologies, which are eligible for the phrase cache.
	SpeakText(ctx context.Context, text string) error
}

// Agent is one conversation specialist.
//
// Implementations must be safe for concurrent use across sessions; within a
// session the orchestrator serialises calls, so Respond may treat mem as
// single-threaded for the duration of one invocation. All audio must be
// enqueued on the sink before Respond returns.
type Agent interface {
	// Name returns the stable registry name of this specialist.
	Name() string

	// Voice returns the TTS profile this specialist speaks with.
	Voice() tts.VoiceProfile

	// Greeting returns the phrase spoken when the conversation is handed to
	// this specialist. reentry selects the shorter welcome-back variant used
	// when the caller has met this specialist before in the same session.
	Greeting(reentry bool) string

	// Respond processes one caller utterance. providerCall distinguishes
	// telephony calls from browser conversations, which some prompts adapt
	// to. The returned envelope carries the control outcome; conversational
	// audio goes through sink.
	Respond(ctx context.Context, mem *session.CoreMemory, utterance string, sink Sink, providerCall bool) (ToolEnvelope, error)
}
