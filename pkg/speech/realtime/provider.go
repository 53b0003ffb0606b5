// Package realtime defines the provider abstraction for external realtime
// voice services: a single stateful session that takes caller audio in and
// produces spoken replies, replacing the separate STT, agent and TTS stages
// when a call runs in passthrough mode.
//
// The central abstraction is Session: a bidirectional multiplexed stream
// carrying audio, transcripts and tool calls. Sessions are long-lived and
// support mid-session reconfiguration.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"time"

	"github.com/MrWong99/callyx/pkg/speech/tts"
)

// ToolCallHandler is invoked when the model requests a tool call. It receives
// the tool name and JSON-encoded arguments and returns a result string that
// is injected back into the session. The handler may run on the session's
// receive goroutine and must not call blocking session methods.
type ToolCallHandler func(name string, args string) (string, error)

// TranscriptEvent is one recognised or generated utterance surfaced by the
// external service. These feed the session history so passthrough calls keep
// the same transcript record as pipelined ones.
type TranscriptEvent struct {
	// Role is "user" for recognised caller speech, "assistant" for the
	// model's spoken reply.
	Role string

	// Text is the utterance text.
	Text string

	// At is when the event was received.
	At time.Time
}

// SessionConfig is the initial configuration for a realtime session.
type SessionConfig struct {
	// Voice is the reply voice.
	Voice tts.VoiceProfile

	// Instructions is the system-level prompt driving the model's behaviour.
	Instructions string

	// SampleRate is the PCM sample rate in Hz for both directions. Providers
	// that fix their rate (OpenAI Realtime: 24000) ignore it.
	SampleRate int
}

// Session is one open realtime voice session. Every method must return
// quickly; audio I/O is channel-based so the media lanes never block on the
// provider. Callers must Close the session when done.
type Session interface {
	// SendAudio delivers one raw PCM16 chunk of caller audio.
	SendAudio(chunk []byte) error

	// Audio emits the model's synthesised reply audio. Closed when the
	// session ends; check Err afterwards for the cause.
	Audio() <-chan []byte

	// Transcripts emits utterance events for both directions. Closed when the
	// session ends.
	Transcripts() <-chan TranscriptEvent

	// Err returns the error that terminated the session, or nil after a clean
	// close.
	Err() error

	// OnToolCall registers the tool handler. Replaces any previous handler;
	// nil clears it.
	OnToolCall(handler ToolCallHandler)

	// UpdateInstructions replaces the system instructions mid-session,
	// effective for the next model turn.
	UpdateInstructions(instructions string) error

	// Interrupt stops the current model response and discards buffered audio.
	// This is the passthrough half of barge-in.
	Interrupt() error

	// Close terminates the session and closes both channels. Idempotent.
	Close() error
}

// Provider opens realtime sessions.
type Provider interface {
	// Connect establishes a session ready to accept audio immediately.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)

	// SampleRate is the PCM rate the provider speaks, in Hz.
	SampleRate() int
}
