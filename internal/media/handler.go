package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callyx/internal/agent"
	"github.com/MrWong99/callyx/internal/media/wire"
	"github.com/MrWong99/callyx/internal/observe"
	"github.com/MrWong99/callyx/internal/orchestrate"
	"github.com/MrWong99/callyx/pkg/session"
	"github.com/MrWong99/callyx/pkg/speech/realtime"
	"github.com/MrWong99/callyx/pkg/speech/stt"
	"github.com/MrWong99/callyx/pkg/speech/tts"
	"github.com/MrWong99/callyx/pkg/speech/vad"
)

// Config wires one Handler. SessionID, Store and the pools for the selected
// mode are required; zero durations fall back to package defaults.
type Config struct {
	// SessionID identifies the conversation across reconnects.
	SessionID string

	// CallConnectionID identifies this socket's call leg at the telephony
	// provider. Diagnostic only.
	CallConnectionID string

	// ProviderCall is true for telephony-originated calls, false for browser
	// sessions. Forwarded to the agents, which adapt their register.
	ProviderCall bool

	// Mode selects the processing variant.
	Mode Mode

	// Language is the BCP-47 recognition language. Empty means provider
	// default.
	Language string

	// SampleRate is the inbound PCM rate. Zero means DefaultSampleRate.
	SampleRate int

	Store   session.Store
	Phrases session.PhraseCache

	Agents       *agent.Registry
	Orchestrator *orchestrate.Orchestrator

	Recognizers  *stt.Pool
	Synthesizers *tts.Pool

	// Realtime backs ModePassthrough.
	Realtime realtime.Provider

	// PassthroughInstructions is the system prompt handed to the realtime
	// service in ModePassthrough.
	PassthroughInstructions string

	VAD vad.Config

	BargeInStopTimeout time.Duration
	IdleTimeout        time.Duration
	SessionTTL         time.Duration
	LeaseTTL           time.Duration

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Handler runs one call's media machinery on one socket. Create with
// NewHandler, run with Serve; a Handler is single-use.
type Handler struct {
	cfg     Config
	conn    Conn
	holder  string
	log     *slog.Logger
	metrics *observe.Metrics

	mem   *session.CoreMemory
	state stateVar

	// epoch stamps outbound frames with the turn that produced them; barred
	// is the newest epoch invalidated by barge-in. Egress drops any
	// non-control frame with epoch <= barred.
	epoch  atomic.Uint64
	barred atomic.Uint64

	egress chan egressItem
	bridge *bridge
	path   *voicePath
	vad    *vad.Detector

	// synthActive counts in-flight synthesis streams, so a momentary empty
	// egress queue between frames does not end the Speaking state.
	synthActive atomic.Int32

	turnMu     sync.Mutex
	turnCancel context.CancelFunc

	// writeMu orders socket writes against the barge-in StopAudio frame. The
	// barred epoch is re-checked under this lock, so a frame that passed the
	// queue-side check can never land on the wire after the stop.
	writeMu sync.Mutex

	degraded  atomic.Bool
	persisted atomic.Bool
}

// NewHandler builds a handler for one accepted connection.
func NewHandler(conn Conn, cfg Config) *Handler {
	if cfg.Mode == "" {
		cfg.Mode = ModeSTTTTS
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.BargeInStopTimeout <= 0 {
		cfg.BargeInStopTimeout = DefaultBargeInStopTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = session.DefaultSessionTTL
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = session.DefaultLeaseTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	h := &Handler{
		cfg:    cfg,
		conn:   conn,
		holder: uuid.NewString(),
		log: cfg.Logger.With(
			"session_id", cfg.SessionID,
			"call_connection_id", cfg.CallConnectionID,
			"mode", string(cfg.Mode)),
		metrics: cfg.Metrics,
		egress:  make(chan egressItem, egressQueueDepth),
		vad:     vad.New(cfg.VAD),
	}
	h.bridge = newBridge(h.log)
	h.path = newVoicePath(h)
	// The pre-turn epoch is 1 so that greeting audio is barrable too.
	h.epoch.Store(1)
	return h
}

// Serve runs the handler until the peer disconnects, the session escalates,
// or an unrecoverable error occurs. Clean closes return nil.
func (h *Handler) Serve(ctx context.Context) error {
	if !h.cfg.Mode.IsValid() {
		return fmt.Errorf("media: invalid mode %q", h.cfg.Mode)
	}

	h.metrics.ActiveSessions.Add(ctx, 1)
	defer h.metrics.ActiveSessions.Add(ctx, -1)

	if err := h.attach(ctx); err != nil {
		h.conn.Close(websocket.StatusInternalError, "session state unavailable")
		return err
	}
	h.log.Info("media session attached",
		"holder", h.holder, "turns_in_history", len(h.mem.History))

	var err error
	switch h.cfg.Mode {
	case ModeTranscriptionOnly:
		err = h.serveTranscription(ctx)
	case ModePassthrough:
		err = h.servePassthrough(ctx)
	default:
		err = h.serveConversation(ctx)
	}
	return h.detach(ctx, err)
}

// attach loads or creates the session record and takes its lease. A store
// outage here refuses the call: accepting a caller whose history cannot be
// loaded would silently restart their conversation.
func (h *Handler) attach(ctx context.Context) error {
	mem, err := h.cfg.Store.Load(ctx, h.cfg.SessionID)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotFound):
		mem = session.New(h.cfg.SessionID)
	case errors.Is(err, session.ErrUnavailable):
		return fmt.Errorf("%w: load session: %v", ErrStateUnavailable, err)
	default:
		return fmt.Errorf("media: load session: %w", err)
	}

	if err := h.cfg.Store.TakeLease(ctx, h.cfg.SessionID, h.holder, h.cfg.LeaseTTL); err != nil {
		if errors.Is(err, session.ErrUnavailable) {
			return fmt.Errorf("%w: take lease: %v", ErrStateUnavailable, err)
		}
		return fmt.Errorf("media: take lease: %w", err)
	}

	h.mem = mem
	return nil
}

// detach finalises the session after the lanes stop. A clean peer close ends
// the call, so the record is archived; shutdown and idle timeout keep the hot
// record for a possible reconnect. Escalation has already archived.
func (h *Handler) detach(ctx context.Context, cause error) error {
	h.state.Store(StateClosing)

	// Persist with a fresh context: the serve context is usually already
	// cancelled or errored at this point.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if !errors.Is(cause, errEscalated) {
		h.finalizeSession(saveCtx, cause)
	}

	switch {
	case cause == nil:
		return nil
	case errors.Is(cause, errEscalated):
		h.log.Info("media session closed after escalation")
		return nil
	case errors.Is(cause, errClientClosed), errors.Is(cause, io.EOF):
		h.log.Info("media session closed by peer")
		return nil
	case errors.Is(cause, context.Canceled):
		h.conn.Close(websocket.StatusGoingAway, "server shutting down")
		return nil
	case errors.Is(cause, ErrTimeout):
		h.log.Info("media session idle timeout")
		h.conn.Close(websocket.StatusNormalClosure, "idle timeout")
		return nil
	default:
		h.log.Error("media session failed", "error", cause)
		h.conn.Close(websocket.StatusInternalError, "internal error")
		return cause
	}
}

// isPeerClose reports whether the lanes stopped because the caller hung up.
func isPeerClose(cause error) bool {
	return cause == nil || errors.Is(cause, errClientClosed) || errors.Is(cause, io.EOF)
}

// finalizeSession persists the record, archives it when the call has ended,
// and releases the lease. A record this handler once persisted that is now
// gone was finalised elsewhere (a disconnect event can beat the socket
// teardown); writing it again would resurrect an archived session.
func (h *Handler) finalizeSession(ctx context.Context, cause error) {
	if h.mem == nil {
		return
	}

	if h.persisted.Load() {
		if _, err := h.cfg.Store.Load(ctx, h.cfg.SessionID); errors.Is(err, session.ErrNotFound) {
			h.log.Info("session already finalised, skipping final save")
			if err := h.cfg.Store.ReleaseLease(ctx, h.cfg.SessionID, h.holder); err != nil {
				h.log.Warn("lease release failed", "error", err)
			}
			return
		}
	}

	if err := h.cfg.Store.Save(ctx, h.cfg.SessionID, h.mem, h.cfg.SessionTTL); err != nil {
		h.log.Warn("final session save failed", "error", err)
	} else if isPeerClose(cause) {
		if err := h.cfg.Store.Archive(ctx, h.cfg.SessionID); err != nil {
			h.log.Warn("session archive failed, hot record retained", "error", err)
		}
	}
	if err := h.cfg.Store.ReleaseLease(ctx, h.cfg.SessionID, h.holder); err != nil {
		h.log.Warn("lease release failed", "error", err)
	}
}

// serveConversation runs the default STT_TTS lanes: ingress, recognizer
// pump, barge-in watcher, turn lane, egress.
func (h *Handler) serveConversation(ctx context.Context) error {
	rec, err := h.cfg.Recognizers.Acquire(ctx, stt.StreamConfig{
		Language:       h.cfg.Language,
		SampleRate:     h.cfg.SampleRate,
		Channels:       1,
		InterimResults: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.metrics.RecordProviderError(ctx, "stt", "acquire")
		return fmt.Errorf("%w: recognizer: %v", ErrServiceUnavailable, err)
	}
	defer h.cfg.Recognizers.Release(rec)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.ingress(gctx, rec) })
	g.Go(func() error { return h.pumpRecognizer(gctx, rec) })
	g.Go(func() error { return h.watchBargeIn(gctx) })
	g.Go(func() error { return h.runTurns(gctx) })
	g.Go(func() error { return h.runEgress(gctx) })
	return g.Wait()
}

// ingress reads inbound frames, enforces the idle timeout, gates audio
// through VAD and feeds the recognizer. Protocol violations are logged and
// dropped, never fatal.
func (h *Handler) ingress(ctx context.Context, rec stt.Session) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, h.cfg.IdleTimeout)
		data, err := h.conn.Read(readCtx)
		cancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, context.DeadlineExceeded):
				return fmt.Errorf("%w: no inbound traffic for %s", ErrTimeout, h.cfg.IdleTimeout)
			case errors.Is(err, io.EOF):
				return errClientClosed
			default:
				return fmt.Errorf("%w: read: %v", ErrFatalTransport, err)
			}
		}

		frame, err := wire.DecodeInbound(data)
		if err != nil {
			h.dropProtocol(ctx, err)
			continue
		}

		switch frame.Kind {
		case wire.KindAudioMetadata:
			h.log.Info("inbound stream metadata",
				"sample_rate", frame.AudioMetadata.SampleRate,
				"channels", frame.AudioMetadata.Channels,
				"encoding", frame.AudioMetadata.Encoding)

		case wire.KindAudioData:
			if frame.AudioData.Silent {
				continue
			}
			pcm, err := frame.PCM()
			if err != nil {
				h.dropProtocol(ctx, err)
				continue
			}
			if h.vad.ProcessFrame(pcm) == vad.Silence {
				continue
			}
			if err := rec.Feed(pcm); err != nil {
				// The session reconnects itself; the terminal failure, if
				// any, arrives on its Err channel.
				h.log.Warn("recognizer feed failed", "error", err)
			}

		case wire.KindStopAudio:
			h.bridge.scheduleBargeIn("")
		}
	}
}

// pumpRecognizer routes recognizer events into the lanes: partials trigger
// barge-in while agent audio plays, finals queue for the turn lane.
func (h *Handler) pumpRecognizer(ctx context.Context, rec stt.Session) error {
	partials, finals, errs := rec.Partials(), rec.Finals(), rec.Err()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case p, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if strings.TrimSpace(p.Text) == "" {
				continue
			}
			switch h.state.Load() {
			case StateSpeaking, StateTurning:
				h.bridge.scheduleBargeIn(p.Text)
			case StateIdle:
				h.state.Transition(StateListening, StateIdle)
			}

		case f, ok := <-finals:
			if !ok {
				return nil
			}
			h.bridge.enqueueFinal(f)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			h.metrics.RecordProviderError(ctx, "stt", "stream")
			return fmt.Errorf("%w: recognizer stream: %v", ErrFatalTransport, err)
		}
	}
}

// watchBargeIn consumes barge-in signals. The StopAudio control frame is
// written directly on the socket, ahead of everything queued, under the
// stop-timeout budget; only then is the synthesis torn down.
func (h *Handler) watchBargeIn(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case partial := <-h.bridge.barge:
			if !h.state.Transition(StateBargingIn, StateSpeaking, StateTurning) {
				// Nothing is playing or being produced; the caller simply
				// has the floor already.
				continue
			}
			if err := h.executeBargeIn(ctx, partial); err != nil {
				return err
			}
		}
	}
}

func (h *Handler) executeBargeIn(ctx context.Context, partial string) error {
	start := time.Now()
	h.barred.Store(h.epoch.Load())

	stopCtx, cancel := context.WithTimeout(ctx, h.cfg.BargeInStopTimeout)
	h.writeMu.Lock()
	err := h.conn.Write(stopCtx, wire.EncodeStopAudio())
	h.writeMu.Unlock()
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: stop-audio write exceeded %s", ErrTimeout, h.cfg.BargeInStopTimeout)
		}
		return fmt.Errorf("%w: stop-audio write: %v", ErrFatalTransport, err)
	}

	h.path.stopSynthesis()
	h.cancelTurn()
	h.state.Transition(StateListening, StateBargingIn)

	stop := time.Since(start)
	h.metrics.RecordBargeIn(ctx, stop.Seconds())
	h.log.Info("barge-in executed",
		"stop_latency", stop, "partial", partial, "barred_epoch", h.barred.Load())
	return nil
}

// runTurns is the turn lane: greet on attach, then orchestrate one final
// transcript at a time and persist at each turn boundary.
func (h *Handler) runTurns(ctx context.Context) error {
	if err := h.greet(ctx); err != nil {
		return err
	}

	var seenDrops uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case final := <-h.bridge.finals:
			if d := h.bridge.droppedFinals.Load(); d > seenDrops {
				h.metrics.DroppedFinals.Add(ctx, int64(d-seenDrops))
				seenDrops = d
			}
			utterance := strings.TrimSpace(final.Text)
			if utterance == "" {
				continue
			}
			if err := h.runTurn(ctx, utterance); err != nil {
				return err
			}
		}
	}
}

func (h *Handler) runTurn(ctx context.Context, utterance string) error {
	h.epoch.Add(1)
	h.state.Store(StateTurning)

	turnCtx, cancel := context.WithCancel(ctx)
	h.setTurnCancel(cancel)
	defer h.clearTurnCancel()

	start := time.Now()
	res, err := h.cfg.Orchestrator.HandleTurn(turnCtx, h.mem, utterance, h.path, h.cfg.ProviderCall)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if turnCtx.Err() != nil {
			// Barged in mid-turn; the next final supersedes this one.
			h.metrics.RecordTurn(ctx, res.ActiveAgent, "barged", time.Since(start).Seconds())
			return nil
		}
		h.metrics.RecordTurn(ctx, res.ActiveAgent, "error", time.Since(start).Seconds())
		h.log.Error("turn failed", "error", err, "agent", res.ActiveAgent)
	} else {
		h.metrics.RecordTurn(ctx, res.ActiveAgent, "ok", time.Since(start).Seconds())
	}

	h.state.Transition(StateSpeaking, StateTurning)

	if err := h.persistTurn(ctx); err != nil {
		return err
	}

	if res.Escalated {
		h.metrics.Escalations.Add(ctx, 1)
		return h.closeEscalated(ctx)
	}
	return nil
}

// greet speaks the active agent's greeting on attach. Re-entry after a
// reconnect gets the shorter variant.
func (h *Handler) greet(ctx context.Context) error {
	name := h.mem.ActiveAgent
	var active agent.Agent
	if name != "" {
		active, _ = h.cfg.Agents.Lookup(name)
	}
	if active == nil {
		active = h.cfg.Agents.Entry()
	}
	if active == nil {
		return errors.New("media: no entry agent configured")
	}

	h.mem.ActiveAgent = active.Name()
	h.path.SetVoice(active.Voice())
	h.state.Store(StateSpeaking)

	reentry := h.mem.Greeted(active.Name())
	if err := h.path.SpeakText(ctx, active.Greeting(reentry)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A lost greeting is not worth the call.
		h.log.Warn("greeting synthesis failed", "error", err)
	}
	h.mem.SetGreeted(active.Name())
	return h.persistTurn(ctx)
}

// persistTurn saves the record and renews the lease. Store outages degrade
// to memory-only operation; a lost lease means another handler took the
// session over and this one must stand down.
func (h *Handler) persistTurn(ctx context.Context) error {
	if err := h.cfg.Store.Save(ctx, h.cfg.SessionID, h.mem, h.cfg.SessionTTL); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if h.degraded.CompareAndSwap(false, true) {
			h.log.Warn("session store unavailable, degrading to memory-only", "error", err)
		}
		return nil
	}

	h.persisted.Store(true)

	granted, err := h.cfg.Store.AcquireLease(ctx, h.cfg.SessionID, h.holder, h.cfg.LeaseTTL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.log.Warn("lease renewal errored", "error", err)
		return nil
	}
	if !granted {
		return fmt.Errorf("%w: session lease lost to a newer handler", ErrFatalTransport)
	}

	if h.degraded.CompareAndSwap(true, false) {
		h.log.Info("session store recovered")
	}
	return nil
}

// closeEscalated flushes queued audio so the closing phrase is heard, then
// archives the session and closes the socket.
func (h *Handler) closeEscalated(ctx context.Context) error {
	h.flushEgress(ctx)
	h.state.Store(StateClosing)

	if err := h.cfg.Store.Save(ctx, h.cfg.SessionID, h.mem, h.cfg.SessionTTL); err != nil {
		h.log.Warn("pre-archive save failed", "error", err)
	}
	if err := h.cfg.Store.Archive(ctx, h.cfg.SessionID); err != nil {
		h.log.Warn("session archive failed, hot record retained", "error", err)
	}
	h.conn.Close(websocket.StatusNormalClosure, "escalated to human agent")
	return errEscalated
}

// flushEgress waits for the egress queue to drain, bounded so a stuck socket
// cannot hold the close hostage.
func (h *Handler) flushEgress(ctx context.Context) {
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for len(h.egress) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			h.log.Warn("egress flush timed out", "queued", len(h.egress))
			return
		case <-tick.C:
		}
	}
}

// runEgress writes queued frames to the socket. Frames from barred epochs
// are discarded without a write, which is what makes post-barge-in teardown
// fast regardless of queue depth.
func (h *Handler) runEgress(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-h.egress:
			if !item.control && item.epoch <= h.barred.Load() {
				h.metrics.DroppedFrames.Add(ctx, 1)
				continue
			}

			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			h.writeMu.Lock()
			// Re-check under the lock: barge-in stores the barred epoch
			// before it takes the lock for the StopAudio write.
			if !item.control && item.epoch <= h.barred.Load() {
				h.writeMu.Unlock()
				cancel()
				h.metrics.DroppedFrames.Add(ctx, 1)
				continue
			}
			err := h.conn.Write(writeCtx, item.payload)
			h.writeMu.Unlock()
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: write: %v", ErrFatalTransport, err)
			}

			if len(h.egress) == 0 && h.synthActive.Load() == 0 {
				h.state.Transition(StateIdle, StateSpeaking)
			}
		}
	}
}

// enqueueAudio queues one PCM frame for egress under the given epoch. Blocks
// when the queue is full, backpressuring the synthesis stream.
func (h *Handler) enqueueAudio(ctx context.Context, epoch uint64, pcm []byte) error {
	select {
	case h.egress <- egressItem{epoch: epoch, payload: wire.EncodeAudio(pcm)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueChunked splits a full phrase into transport-sized frames and queues
// them, so cached audio stays barrable mid-phrase.
func (h *Handler) enqueueChunked(ctx context.Context, epoch uint64, audio []byte) error {
	for len(audio) > 0 {
		n := egressFrameBytes
		if n > len(audio) {
			n = len(audio)
		}
		if err := h.enqueueAudio(ctx, epoch, audio[:n]); err != nil {
			return err
		}
		audio = audio[n:]
	}
	return nil
}

// enqueueControl queues a frame that must survive barge-in (transcripts).
func (h *Handler) enqueueControl(ctx context.Context, payload []byte) error {
	select {
	case h.egress <- egressItem{payload: payload, control: true}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) dropProtocol(ctx context.Context, err error) {
	h.metrics.ProtocolViolations.Add(ctx, 1)
	h.log.Warn("protocol violation, frame dropped", "error", err)
}

func (h *Handler) setTurnCancel(cancel context.CancelFunc) {
	h.turnMu.Lock()
	h.turnCancel = cancel
	h.turnMu.Unlock()
}

func (h *Handler) clearTurnCancel() {
	h.turnMu.Lock()
	h.turnCancel = nil
	h.turnMu.Unlock()
}

func (h *Handler) cancelTurn() {
	h.turnMu.Lock()
	cancel := h.turnCancel
	h.turnMu.Unlock()
	if cancel != nil {
		cancel()
	}
}
