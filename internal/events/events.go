// Package events translates call-lifecycle webhooks from the telephony
// provider's event broker into session lifecycle calls.
//
// The broker POSTs either a single event or a batch. Each event carries a
// kind string ("type" or "eventType", optionally prefixed with
// "Microsoft.Communication.") and a data object with at least a
// callConnectionId. Events for unknown kinds or with a missing call id are
// logged and dropped so a misbehaving broker cannot wedge the endpoint.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrWong99/callyx/pkg/session"
)

// Recognised event kinds, after stripping the provider namespace prefix.
const (
	KindIncomingCall        = "IncomingCall"
	KindCallConnected       = "CallConnected"
	KindCallDisconnected    = "CallDisconnected"
	KindParticipantsUpdated = "ParticipantsUpdated"
	KindRecognizeCompleted  = "RecognizeCompleted"

	kindPrefix = "Microsoft.Communication."
)

// maxBodyBytes bounds the accepted request body. Event batches are small;
// anything beyond this is not a broker delivery.
const maxBodyBytes = 1 << 20

// Lifecycle receives the translated lifecycle calls. Attach is idempotent:
// repeated calls for the same session merge callCtx into the session context.
// Detach finalises the session; detaching an unknown session is a no-op.
type Lifecycle interface {
	Attach(ctx context.Context, sessionID string, callCtx map[string]string) error
	Detach(ctx context.Context, sessionID, reason string) error
}

// envelope is the broker's per-event wrapper. Event Grid uses "eventType",
// CloudEvents deliveries use "type"; both are accepted.
type envelope struct {
	Type      string          `json:"type"`
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

func (e envelope) kind() string {
	k := e.Type
	if k == "" {
		k = e.EventType
	}
	return strings.TrimPrefix(k, kindPrefix)
}

// eventData is the union of the data fields the adapter reads. Fields that do
// not apply to a given kind are simply absent.
type eventData struct {
	CallConnectionID string            `json:"callConnectionId"`
	CustomHeaders    map[string]string `json:"customHeaders"`
	Participants     []json.RawMessage `json:"participants"`
	DTMFResult       *dtmfResult       `json:"dtmfResult"`
}

type dtmfResult struct {
	Tones []string `json:"tones"`
}

// toneDigits maps the provider's spoken-word DTMF tones to dial characters.
var toneDigits = map[string]string{
	"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
	"asterisk": "*", "pound": "#",
	"a": "A", "b": "B", "c": "C", "d": "D",
}

// Handler serves the call-lifecycle event endpoint.
type Handler struct {
	lc  Lifecycle
	log *slog.Logger
}

// NewHandler creates an event adapter delivering into lc. A nil logger
// discards.
func NewHandler(lc Lifecycle, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{lc: lc, log: log}
}

// Register adds the event route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/events", h.ServeEvents)
}

// ServeEvents decodes one event or a batch and applies each in order. A
// malformed body yields 400. Individual events that cannot be applied because
// the lifecycle failed yield 500 so the broker redelivers; unknown kinds and
// malformed single events are dropped with a 200 to stop pointless retries.
func (h *Handler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	batch, err := decodeBatch(body)
	if err != nil {
		h.log.Warn("rejecting malformed event delivery", "error", err)
		http.Error(w, "malformed event payload", http.StatusBadRequest)
		return
	}

	var failed bool
	for _, ev := range batch {
		if err := h.apply(r.Context(), ev); err != nil {
			h.log.Error("event not applied", "kind", ev.kind(), "error", err)
			failed = true
		}
	}

	if failed {
		writeStatus(w, http.StatusInternalServerError, "retry")
		return
	}
	writeStatus(w, http.StatusOK, "ok")
}

// decodeBatch accepts either a JSON array of envelopes or a single envelope.
func decodeBatch(body []byte) ([]envelope, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var batch []envelope
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}
	var one envelope
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, err
	}
	return []envelope{one}, nil
}

// apply translates one event into a lifecycle call. Only lifecycle errors are
// returned; undeliverable events are logged and swallowed.
func (h *Handler) apply(ctx context.Context, ev envelope) error {
	var data eventData
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			h.log.Warn("dropping event with malformed data", "kind", ev.kind(), "error", err)
			return nil
		}
	}
	if data.CallConnectionID == "" {
		h.log.Warn("dropping event without callConnectionId", "kind", ev.kind())
		return nil
	}

	id := data.CallConnectionID
	switch ev.kind() {
	case KindIncomingCall:
		h.log.Info("incoming call", "session_id", id, "custom_headers", len(data.CustomHeaders))
		return h.lc.Attach(ctx, id, data.CustomHeaders)

	case KindCallConnected:
		h.log.Info("call connected", "session_id", id)
		return h.lc.Attach(ctx, id, nil)

	case KindCallDisconnected:
		h.log.Info("call disconnected", "session_id", id)
		return h.lc.Detach(ctx, id, "call disconnected")

	case KindParticipantsUpdated:
		return h.lc.Attach(ctx, id, map[string]string{
			session.CtxParticipants: strconv.Itoa(len(data.Participants)),
		})

	case KindRecognizeCompleted:
		if data.DTMFResult == nil || len(data.DTMFResult.Tones) == 0 {
			h.log.Warn("dropping recognize event without dtmf tones", "session_id", id)
			return nil
		}
		digits := tonesToDigits(data.DTMFResult.Tones)
		h.log.Info("dtmf recognized", "session_id", id, "digits", len(digits))
		return h.lc.Attach(ctx, id, map[string]string{session.CtxDTMF: digits})

	default:
		h.log.Warn("dropping event of unknown kind", "kind", ev.kind())
		return nil
	}
}

// tonesToDigits joins spoken-word tones into a dial string. Tones outside the
// known set are carried through verbatim.
func tonesToDigits(tones []string) string {
	var b strings.Builder
	for _, t := range tones {
		if d, ok := toneDigits[strings.ToLower(t)]; ok {
			b.WriteString(d)
			continue
		}
		b.WriteString(t)
	}
	return b.String()
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status}) //nolint:errcheck
}
