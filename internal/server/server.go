// Package server assembles the HTTP surface: the per-call media websocket,
// the call-lifecycle event adapter, health probes and the metrics scrape.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/callyx/internal/agent"
	"github.com/MrWong99/callyx/internal/config"
	"github.com/MrWong99/callyx/internal/events"
	"github.com/MrWong99/callyx/internal/health"
	"github.com/MrWong99/callyx/internal/media"
	"github.com/MrWong99/callyx/internal/observe"
	"github.com/MrWong99/callyx/internal/orchestrate"
	"github.com/MrWong99/callyx/pkg/session"
	"github.com/MrWong99/callyx/pkg/speech/realtime"
	"github.com/MrWong99/callyx/pkg/speech/stt"
	"github.com/MrWong99/callyx/pkg/speech/tts"
	"github.com/MrWong99/callyx/pkg/speech/vad"
)

// maxFrameBytes bounds one inbound websocket frame. 20ms of 24kHz PCM16
// base64-encodes to well under 4KiB; a megabyte is a misbehaving client.
const maxFrameBytes = 1 << 20

// shutdownGrace bounds the drain of in-flight requests at shutdown. Media
// sockets observe their request context and tear down on their own.
const shutdownGrace = 10 * time.Second

// Deps carries everything the HTTP surface needs. Config, Store and Logger
// are required; the speech dependencies follow the configured mode.
type Deps struct {
	Config *config.Config

	Store   session.Store
	Phrases session.PhraseCache

	Agents       *agent.Registry
	Orchestrator *orchestrate.Orchestrator

	Recognizers  *stt.Pool
	Synthesizers *tts.Pool
	Realtime     realtime.Provider

	// PassthroughInstructions is the system prompt for the external realtime
	// service in PASSTHROUGH mode.
	PassthroughInstructions string

	// Checkers back the /readyz probe.
	Checkers []health.Checker

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Server is the assembled HTTP surface. Build with New, run with Run.
type Server struct {
	deps    Deps
	log     *slog.Logger
	metrics *observe.Metrics
}

// New validates nothing beyond defaults; configuration has already been
// validated by the config loader.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Server{deps: deps, log: deps.Logger, metrics: deps.Metrics}
}

// Routes builds the full handler chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/media/stream", s.handleMediaStream)

	lc := events.NewSessionLifecycle(s.deps.Store, s.deps.Config.Session.TTL(), s.log)
	events.NewHandler(lc, s.log).Register(mux)

	health.New(s.deps.Checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// Run serves until ctx is cancelled, then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.deps.Config.Server.ListenAddr,
		Handler: s.Routes(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", srv.Addr)
		if tls := s.deps.Config.Server.TLS; tls != nil {
			errCh <- srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	err := <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// handleMediaStream accepts one call's websocket and runs the media handler
// on it until the call ends.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_connection_id")
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = callID
	}
	if sessionID == "" {
		http.Error(w, "call_connection_id or session_id required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Error("websocket accept failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameBytes)

	// A telephony call always carries its provider call id; browser sessions
	// only bring a client-chosen session_id.
	providerCall := callID != ""

	h := media.NewHandler(media.NewConn(conn), s.mediaConfig(sessionID, callID, providerCall))
	if err := h.Serve(r.Context()); err != nil {
		s.log.Error("media session ended with error",
			"session_id", sessionID,
			"call_connection_id", callID,
			"error", err,
		)
	}
}

// mediaConfig assembles one handler's wiring from the process configuration.
func (s *Server) mediaConfig(sessionID, callID string, providerCall bool) media.Config {
	cfg := s.deps.Config

	var language string
	if langs := cfg.Speech.STT.Languages; len(langs) > 0 {
		language = langs[0]
	}

	return media.Config{
		SessionID:        sessionID,
		CallConnectionID: callID,
		ProviderCall:     providerCall,
		Mode:             media.Mode(cfg.Media.Mode),
		Language:         language,
		SampleRate:       cfg.Media.SampleRate,

		Store:   s.deps.Store,
		Phrases: s.deps.Phrases,

		Agents:       s.deps.Agents,
		Orchestrator: s.deps.Orchestrator,

		Recognizers:  s.deps.Recognizers,
		Synthesizers: s.deps.Synthesizers,

		Realtime:                s.deps.Realtime,
		PassthroughInstructions: s.deps.PassthroughInstructions,

		VAD: vad.Config{
			SpeechThreshold:  cfg.Speech.VAD.SpeechThreshold,
			SilenceThreshold: cfg.Speech.VAD.SilenceThreshold,
			HangoverFrames:   cfg.Speech.VAD.HangoverFrames,
		},

		BargeInStopTimeout: cfg.Media.BargeInStopTimeout(),
		IdleTimeout:        cfg.Media.IdleTimeout(),
		SessionTTL:         cfg.Session.TTL(),

		Logger:  s.log,
		Metrics: s.metrics,
	}
}
