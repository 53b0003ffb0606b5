// Package stt defines the streaming speech-to-text abstraction used by the
// media handlers, plus the recognizer pool that bounds concurrent streams.
//
// A Provider opens recognition sessions against a remote STT service. Each
// Session is single-tenant: it serves exactly one call and is never shared or
// reused across calls, so transcripts cannot bleed between sessions.
//
// Partials and finals arrive on separate channels. Partials are volatile and
// exist for barge-in detection; finals are stable and drive turns. Both
// channels are closed when the session ends.
package stt

import "context"

// Provider opens recognition sessions. Implementations must be safe for
// concurrent use; the Sessions they return are not.
type Provider interface {
	// StartStream opens a recognition session. The session stays open until
	// Stop is called or ctx is cancelled.
	StartStream(ctx context.Context, cfg StreamConfig) (Session, error)
}

// Session is one live recognition stream.
//
// A Session is owned by a single goroutine pipeline: Feed is called from the
// ingress lane only. The transcript channels may be consumed from other
// goroutines.
type Session interface {
	// Feed submits one PCM frame. Returns an error when the stream is broken;
	// the caller may then wait on Err for the terminal failure.
	Feed(frame []byte) error

	// Partials emits volatile hypotheses. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits stable transcripts. Closed when the session ends.
	Finals() <-chan Transcript

	// Err yields at most one mid-stream failure, then is closed. A clean Stop
	// closes it without a value.
	Err() <-chan error

	// Stop flushes and closes the stream. Idempotent; buffered finals are
	// still delivered before the channels close.
	Stop() error
}
