// Package media terminates one call's websocket and runs its real-time
// audio machinery: three concurrency lanes (ingress, turn, egress), the
// recognizer bridge, sub-50ms barge-in, and session persistence at turn
// boundaries.
//
// One [Handler] serves exactly one socket. The handler owns the session's
// CoreMemory for its lifetime; exclusivity across processes is enforced by
// the store lease, which the newest handler for a session always wins.
package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Mode selects the per-call processing variant at accept time.
type Mode string

const (
	// ModeSTTTTS is the default conversational path: recognizer, turn lane,
	// synthesis.
	ModeSTTTTS Mode = "STT_TTS"

	// ModeTranscriptionOnly runs the recognizer and emits transcript frames;
	// no turn lane, no synthesis, no barge-in.
	ModeTranscriptionOnly Mode = "TRANSCRIPTION_ONLY"

	// ModePassthrough bridges raw audio to an external realtime voice
	// service. The egress lane and the StopAudio protocol are retained.
	ModePassthrough Mode = "PASSTHROUGH"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeSTTTTS, ModeTranscriptionOnly, ModePassthrough:
		return true
	}
	return false
}

// Error classes of the media layer. Classes below ErrFatalTransport are
// handled locally; cancellation is never wrapped into any of them.
var (
	// ErrTransientTransport marks a momentary socket or provider failure
	// recovered via retry.
	ErrTransientTransport = errors.New("media: transient transport error")

	// ErrFatalTransport marks an unrecoverable session failure: socket
	// closed by peer mid-stream, lease lost, unrecoverable provider error.
	ErrFatalTransport = errors.New("media: fatal transport error")

	// ErrTimeout marks an exceeded deadline: socket idle, stop-audio ack.
	ErrTimeout = errors.New("media: timeout")

	// ErrStateUnavailable marks an unreachable session store. At session
	// start the call is refused; mid-session the handler degrades to
	// memory-only operation.
	ErrStateUnavailable = errors.New("media: session state unavailable")

	// ErrServiceUnavailable marks recognizer or synthesizer exhaustion
	// after bounded retry.
	ErrServiceUnavailable = errors.New("media: speech service unavailable")
)

// Defaults for the handler's tunables.
const (
	// DefaultBargeInStopTimeout bounds the wait for the StopAudio frame
	// write after barge-in detection.
	DefaultBargeInStopTimeout = 50 * time.Millisecond

	// DefaultIdleTimeout closes sockets with no inbound traffic.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultSampleRate is the PCM16 sample rate of the default mode.
	DefaultSampleRate = 16000

	// finalsQueueDepth bounds the final-transcript queue between the
	// recognizer bridge and the turn lane.
	finalsQueueDepth = 8

	// egressQueueDepth bounds queued outbound frames. Stale frames are
	// discarded without socket writes, so the queue drains in microseconds
	// after barge-in.
	egressQueueDepth = 256

	// egressFrameBytes chunks cached phrase audio into 20ms frames at the
	// default sample rate.
	egressFrameBytes = 640

	// writeTimeout bounds one socket write.
	writeTimeout = 5 * time.Second
)

// errClientClosed signals a clean close initiated by the peer.
var errClientClosed = errors.New("media: client closed connection")

// errEscalated signals a deliberate close after human escalation.
var errEscalated = errors.New("media: session escalated")

// egressItem is one queued outbound frame. Control items (StopAudio,
// transcripts) bypass the epoch staleness filter.
type egressItem struct {
	epoch   uint64
	payload []byte
	control bool
}

// Conn is the frame transport a handler runs on. Implementations must
// serialise concurrent writes; reads have a single caller.
type Conn interface {
	// Read returns the next text frame. A clean close by the peer is
	// returned as io.EOF.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one text frame. Safe for concurrent use.
	Write(ctx context.Context, data []byte) error

	// Close performs the websocket close handshake.
	Close(code websocket.StatusCode, reason string) error
}

// wsConn adapts *websocket.Conn to Conn. The write mutex keeps the barge-in
// fast path safe next to the egress lane.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

var _ Conn = (*wsConn)(nil)

// NewConn wraps an accepted websocket connection.
func NewConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}
