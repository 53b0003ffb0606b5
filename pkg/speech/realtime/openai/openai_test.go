package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callyx/pkg/speech/realtime"
	"github.com/MrWong99/callyx/pkg/speech/realtime/openai"
	"github.com/MrWong99/callyx/pkg/speech/tts"
)

// ─── Helpers ────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server, handing the accepted conn to
// handler. Closed automatically when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// ─── Tests ──────────────────────────────────────────────────────────────────

func TestConnectSendsSessionUpdate(t *testing.T) {
	t.Parallel()

	updates := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		updates <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{
		Voice:        tts.VoiceProfile{Name: "alloy"},
		Instructions: "You are a billing specialist.",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case raw := <-updates:
		if raw["type"] != "session.update" {
			t.Errorf("first message type = %v, want session.update", raw["type"])
		}
		cfg, _ := raw["session"].(map[string]any)
		if cfg["voice"] != "alloy" {
			t.Errorf("voice = %v, want alloy", cfg["voice"])
		}
		if cfg["instructions"] != "You are a billing specialist." {
			t.Errorf("instructions = %v", cfg["instructions"])
		}
		if cfg["input_audio_format"] != "pcm16" || cfg["output_audio_format"] != "pcm16" {
			t.Errorf("audio formats = %v / %v", cfg["input_audio_format"], cfg["output_audio_format"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received session.update")
	}
}

func TestAudioDeltaDecodedToPCM(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update
		writeJSON(t, conn, map[string]string{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString(pcm),
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case got := <-sess.Audio():
		if string(got) != string(pcm) {
			t.Errorf("audio = %v, want %v", got, pcm)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no audio received")
	}
}

func TestTranscriptsBothDirections(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]string{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "what is my balance",
		})
		writeJSON(t, conn, map[string]string{
			"type":  "response.audio_transcript.delta",
			"delta": "Your balance is ",
		})
		writeJSON(t, conn, map[string]string{
			"type":  "response.audio_transcript.delta",
			"delta": "forty dollars.",
		})
		writeJSON(t, conn, map[string]string{"type": "response.audio_transcript.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	want := []realtime.TranscriptEvent{
		{Role: "user", Text: "what is my balance"},
		{Role: "assistant", Text: "Your balance is forty dollars."},
	}
	for _, w := range want {
		select {
		case got := <-sess.Transcripts():
			if got.Role != w.Role || got.Text != w.Text {
				t.Errorf("transcript = %q/%q, want %q/%q", got.Role, got.Text, w.Role, w.Text)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("missing transcript %q", w.Text)
		}
	}
}

func TestInterruptSendsResponseCancel(t *testing.T) {
	t.Parallel()

	messages := make(chan map[string]any, 4)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				return
			}
			var raw map[string]any
			if json.Unmarshal(data, &raw) == nil {
				messages <- raw
			}
		}
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	<-messages // session.update
	if err := sess.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	select {
	case raw := <-messages:
		if raw["type"] != "response.cancel" {
			t.Errorf("message type = %v, want response.cancel", raw["type"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received response.cancel")
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	t.Parallel()

	outputs := make(chan map[string]any, 4)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update
		writeJSON(t, conn, map[string]string{
			"type":      "response.function_call_arguments.done",
			"name":      "lookup_caller",
			"arguments": `{"phone":"+15550100"}`,
			"call_id":   "call-7",
		})
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				outputs <- msg
			}
		}
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	called := make(chan string, 1)
	sess.OnToolCall(func(name, args string) (string, error) {
		called <- name + "|" + args
		return `{"name":"Ada"}`, nil
	})

	select {
	case got := <-called:
		if got != `lookup_caller|{"phone":"+15550100"}` {
			t.Errorf("tool call = %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tool handler never invoked")
	}

	select {
	case raw := <-outputs:
		if raw["type"] != "conversation.item.create" {
			t.Fatalf("message type = %v, want conversation.item.create", raw["type"])
		}
		item, _ := raw["item"].(map[string]any)
		if item["call_id"] != "call-7" || item["output"] != `{"name":"Ada"}` {
			t.Errorf("tool output item = %v", item)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received tool output")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Errorf("first close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	// Channels must be closed after Close.
	select {
	case _, ok := <-sess.Audio():
		if ok {
			t.Error("audio channel still open after close")
		}
	case <-time.After(3 * time.Second):
		t.Error("audio channel not closed")
	}
}
