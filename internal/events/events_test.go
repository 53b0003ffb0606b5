package events

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/callyx/pkg/session"
	sessionmock "github.com/MrWong99/callyx/pkg/session/mock"
)

type lifecycleCall struct {
	op      string
	id      string
	callCtx map[string]string
	reason  string
}

type fakeLifecycle struct {
	mu        sync.Mutex
	calls     []lifecycleCall
	attachErr error
	detachErr error
}

func (f *fakeLifecycle) Attach(_ context.Context, id string, callCtx map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, lifecycleCall{op: "attach", id: id, callCtx: callCtx})
	return f.attachErr
}

func (f *fakeLifecycle) Detach(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, lifecycleCall{op: "detach", id: id, reason: reason})
	return f.detachErr
}

func post(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequest("POST", "/api/v1/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestIncomingCallAttachesWithHeaders(t *testing.T) {
	lc := &fakeLifecycle{}
	h := NewHandler(lc, nil)

	rec := post(t, h, `[{
		"eventType": "Microsoft.Communication.IncomingCall",
		"data": {"callConnectionId": "call-42", "customHeaders": {"X-Caller": "Ada"}}
	}]`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if len(lc.calls) != 1 {
		t.Fatalf("calls = %+v", lc.calls)
	}
	c := lc.calls[0]
	if c.op != "attach" || c.id != "call-42" || c.callCtx["X-Caller"] != "Ada" {
		t.Errorf("call = %+v", c)
	}
}

func TestSingleObjectAndCloudEventsType(t *testing.T) {
	lc := &fakeLifecycle{}
	h := NewHandler(lc, nil)

	rec := post(t, h, `{"type": "Microsoft.Communication.CallConnected", "data": {"callConnectionId": "call-7"}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(lc.calls) != 1 || lc.calls[0].op != "attach" || lc.calls[0].id != "call-7" {
		t.Errorf("calls = %+v", lc.calls)
	}
}

func TestDisconnectDetaches(t *testing.T) {
	lc := &fakeLifecycle{}
	h := NewHandler(lc, nil)

	post(t, h, `[{"eventType": "CallDisconnected", "data": {"callConnectionId": "call-9"}}]`)

	if len(lc.calls) != 1 {
		t.Fatalf("calls = %+v", lc.calls)
	}
	c := lc.calls[0]
	if c.op != "detach" || c.id != "call-9" || c.reason != "call disconnected" {
		t.Errorf("call = %+v", c)
	}
}

func TestParticipantsUpdatedMergesCount(t *testing.T) {
	lc := &fakeLifecycle{}
	h := NewHandler(lc, nil)

	post(t, h, `[{
		"eventType": "Microsoft.Communication.ParticipantsUpdated",
		"data": {"callConnectionId": "call-3", "participants": [{}, {}, {}]}
	}]`)

	if len(lc.calls) != 1 {
		t.Fatalf("calls = %+v", lc.calls)
	}
	if got := lc.calls[0].callCtx[session.CtxParticipants]; got != "3" {
		t.Errorf("participant count = %q, want 3", got)
	}
}

func TestRecognizeCompletedMapsDTMF(t *testing.T) {
	lc := &fakeLifecycle{}
	h := NewHandler(lc, nil)

	post(t, h, `[{
		"eventType": "Microsoft.Communication.RecognizeCompleted",
		"data": {"callConnectionId": "call-5", "dtmfResult": {"tones": ["one", "two", "pound"]}}
	}]`)

	if len(lc.calls) != 1 {
		t.Fatalf("calls = %+v", lc.calls)
	}
	if got := lc.calls[0].callCtx[session.CtxDTMF]; got != "12#" {
		t.Errorf("dtmf = %q, want 12#", got)
	}
}

func TestUnknownKindAndMissingCallIDAreDropped(t *testing.T) {
	lc := &fakeLifecycle{}
	h := NewHandler(lc, nil)

	rec := post(t, h, `[
		{"eventType": "Microsoft.Communication.CallTransferAccepted", "data": {"callConnectionId": "call-1"}},
		{"eventType": "CallConnected", "data": {}}
	]`)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, dropped events must not trigger redelivery", rec.Code)
	}
	if len(lc.calls) != 0 {
		t.Errorf("calls = %+v, want none", lc.calls)
	}
}

func TestMalformedBodyIsRejected(t *testing.T) {
	h := NewHandler(&fakeLifecycle{}, nil)

	for _, body := range []string{"", "not json", `[{"eventType": 7}]`} {
		if rec := post(t, h, body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestLifecycleFailureTriggersRedelivery(t *testing.T) {
	lc := &fakeLifecycle{attachErr: errors.New("store down")}
	h := NewHandler(lc, nil)

	rec := post(t, h, `[{"eventType": "CallConnected", "data": {"callConnectionId": "call-2"}}]`)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 so the broker retries", rec.Code)
	}
}

func TestSessionLifecycleAttachSeedsContext(t *testing.T) {
	store := sessionmock.New()
	lc := NewSessionLifecycle(store, 0, nil)
	ctx := context.Background()

	if err := lc.Attach(ctx, "call-1", map[string]string{"X-Caller": "Ada"}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := lc.Attach(ctx, "call-1", map[string]string{session.CtxDTMF: "12#"}); err != nil {
		t.Fatalf("second Attach: %v", err)
	}

	mem, err := store.Load(ctx, "call-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if mem.ContextString("X-Caller") != "Ada" {
		t.Errorf("first attach context lost: %v", mem.Context)
	}
	if mem.ContextString(session.CtxDTMF) != "12#" {
		t.Errorf("second attach context missing: %v", mem.Context)
	}
}

func TestSessionLifecycleDetachArchives(t *testing.T) {
	store := sessionmock.New()
	lc := NewSessionLifecycle(store, 0, nil)
	ctx := context.Background()

	if err := lc.Attach(ctx, "call-1", nil); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := lc.Detach(ctx, "call-1", "call disconnected"); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if len(store.Archived) != 1 {
		t.Fatalf("archived = %d, want 1", len(store.Archived))
	}

	if err := lc.Detach(ctx, "call-never-seen", "call disconnected"); err != nil {
		t.Errorf("Detach of unknown session: %v", err)
	}
}

func TestSessionLifecycleAttachStoreOutage(t *testing.T) {
	store := sessionmock.New()
	store.LoadErr = session.ErrUnavailable
	lc := NewSessionLifecycle(store, 0, nil)

	if err := lc.Attach(context.Background(), "call-1", nil); !errors.Is(err, session.ErrUnavailable) {
		t.Errorf("Attach = %v, want ErrUnavailable", err)
	}
}
