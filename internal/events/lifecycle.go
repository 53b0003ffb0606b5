package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/callyx/pkg/session"
)

// SessionLifecycle applies lifecycle events to the hot session store. Attach
// pre-seeds or updates the session record so that call context (custom SIP
// headers, DTMF input, participant counts) is already present when the media
// socket arrives. Detach archives the final state.
type SessionLifecycle struct {
	store session.Store
	ttl   time.Duration
	log   *slog.Logger
}

var _ Lifecycle = (*SessionLifecycle)(nil)

// NewSessionLifecycle wraps store. ttl <= 0 falls back to the default session
// TTL; a nil logger falls back to the default logger.
func NewSessionLifecycle(store session.Store, ttl time.Duration, log *slog.Logger) *SessionLifecycle {
	if ttl <= 0 {
		ttl = session.DefaultSessionTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &SessionLifecycle{store: store, ttl: ttl, log: log}
}

// Attach creates the session record if absent and merges callCtx into its
// context. The media handler rehydrates this record at socket accept, so
// event-delivered context survives even when the event beats the socket.
func (l *SessionLifecycle) Attach(ctx context.Context, sessionID string, callCtx map[string]string) error {
	mem, err := l.store.Load(ctx, sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		mem = session.New(sessionID)
	case err != nil:
		return fmt.Errorf("load session %q: %w", sessionID, err)
	}

	for k, v := range callCtx {
		mem.SetContext(k, v)
	}

	if err := l.store.Save(ctx, sessionID, mem, l.ttl); err != nil {
		return fmt.Errorf("save session %q: %w", sessionID, err)
	}
	return nil
}

// Detach archives the session's final state. The media handler archives on
// clean close itself, so an already-archived session is not an error. A
// failed cold-store write keeps the hot record; it expires via TTL or is
// archived on a later retry.
func (l *SessionLifecycle) Detach(ctx context.Context, sessionID, reason string) error {
	err := l.store.Archive(ctx, sessionID)
	switch {
	case err == nil:
		l.log.Info("session archived", "session_id", sessionID, "reason", reason)
		return nil
	case errors.Is(err, session.ErrNotFound):
		return nil
	case errors.Is(err, session.ErrArchiveFailed):
		l.log.Warn("archive failed, hot record retained", "session_id", sessionID, "error", err)
		return nil
	default:
		return fmt.Errorf("archive session %q: %w", sessionID, err)
	}
}
