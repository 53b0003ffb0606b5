package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callyx/internal/agent"
	agentmock "github.com/MrWong99/callyx/internal/agent/mock"
	"github.com/MrWong99/callyx/internal/config"
	"github.com/MrWong99/callyx/internal/health"
	"github.com/MrWong99/callyx/internal/orchestrate"
	sessionmock "github.com/MrWong99/callyx/pkg/session/mock"
	"github.com/MrWong99/callyx/pkg/speech/stt"
	sttmock "github.com/MrWong99/callyx/pkg/speech/stt/mock"
	"github.com/MrWong99/callyx/pkg/speech/tts"
	ttsmock "github.com/MrWong99/callyx/pkg/speech/tts/mock"
)

func testDeps(t *testing.T) (Deps, *sessionmock.Store) {
	t.Helper()

	reg := agent.NewRegistry()
	reg.Register(&agentmock.Agent{
		NameVal:     "reception",
		VoiceVal:    tts.VoiceProfile{Provider: "mock", Name: "en-US-AvaNeural"},
		GreetingVal: "Welcome to Acme Insurance.",
	})
	if err := reg.Configure("reception", []string{"reception"}); err != nil {
		t.Fatalf("configure registry: %v", err)
	}
	reg.Freeze()

	store := sessionmock.New()
	cfg := &config.Config{}
	cfg.Server.ListenAddr = ":0"
	cfg.Media.Mode = "STT_TTS"
	cfg.Media.SampleRate = 16000
	cfg.Session.TTLSeconds = 60

	return Deps{
		Config:       cfg,
		Store:        store,
		Phrases:      store,
		Agents:       reg,
		Orchestrator: orchestrate.New(reg),
		Recognizers:  stt.NewPool(&sttmock.Provider{}, 2),
		Synthesizers: tts.NewPool(&ttsmock.Provider{}, 2),
		Checkers: []health.Checker{
			{Name: "always", Check: func(context.Context) error { return nil }},
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, store
}

func TestRoutesServeProbesAndMetrics(t *testing.T) {
	deps, _ := testDeps(t)
	srv := httptest.NewServer(New(deps).Routes())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestEventsEndpointSeedsSession(t *testing.T) {
	deps, store := testDeps(t)
	srv := httptest.NewServer(New(deps).Routes())
	defer srv.Close()

	body := `[{
		"eventType": "Microsoft.Communication.IncomingCall",
		"data": {"callConnectionId": "call-11", "customHeaders": {"X-Caller": "Ada"}}
	}]`
	resp, err := http.Post(srv.URL+"/api/v1/events", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST events: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST events = %d", resp.StatusCode)
	}

	mem, err := store.Load(context.Background(), "call-11")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if mem.ContextString("X-Caller") != "Ada" {
		t.Errorf("context = %v", mem.Context)
	}
}

func TestMediaStreamRequiresSessionID(t *testing.T) {
	deps, _ := testDeps(t)
	srv := httptest.NewServer(New(deps).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/media/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMediaStreamSpeaksGreetingOverWebsocket(t *testing.T) {
	deps, store := testDeps(t)
	srv := httptest.NewServer(New(deps).Routes())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/media/stream?call_connection_id=call-ws-1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read greeting frame: %v", err)
	}
	var frame struct {
		Kind string `json:"Kind"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	if frame.Kind != "AudioData" {
		t.Errorf("first frame kind = %q, want AudioData", frame.Kind)
	}

	conn.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mem, err := store.Load(context.Background(), "call-ws-1")
		if err == nil && mem.ActiveAgent == "reception" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session record was not persisted with the active agent")
}

func TestMediaConfigDerivation(t *testing.T) {
	deps, _ := testDeps(t)
	deps.Config.Speech.STT.Languages = []string{"de-DE", "en-US"}
	deps.Config.Media.BargeInStopTimeoutMS = 40
	s := New(deps)

	mc := s.mediaConfig("sess-1", "call-1", true)
	if mc.Language != "de-DE" {
		t.Errorf("language = %q", mc.Language)
	}
	if mc.BargeInStopTimeout != 40*time.Millisecond {
		t.Errorf("barge-in stop timeout = %s", mc.BargeInStopTimeout)
	}
	if !mc.ProviderCall {
		t.Error("provider call flag lost")
	}
	if mc.SessionTTL != 60*time.Second {
		t.Errorf("session ttl = %s", mc.SessionTTL)
	}
}
