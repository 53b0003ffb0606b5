package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callyx/pkg/session"
	"github.com/MrWong99/callyx/pkg/speech/realtime"
	"github.com/MrWong99/callyx/pkg/speech/tts"
	"github.com/MrWong99/callyx/pkg/speech/vad"

	"github.com/MrWong99/callyx/internal/media/wire"
)

// servePassthrough runs the PASSTHROUGH variant: caller audio is bridged to
// an external realtime voice service and the reply audio bridged back. The
// egress epoch filter and the StopAudio protocol are kept, with barge-in
// detected locally by VAD since no recognizer runs in this mode.
func (h *Handler) servePassthrough(ctx context.Context) error {
	if h.cfg.Realtime == nil {
		return errors.New("media: passthrough mode without a realtime provider")
	}

	rt, err := h.cfg.Realtime.Connect(ctx, realtime.SessionConfig{
		Voice:        h.passthroughVoice(),
		Instructions: h.cfg.PassthroughInstructions,
		SampleRate:   h.cfg.SampleRate,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.metrics.RecordProviderError(ctx, "realtime", "connect")
		return fmt.Errorf("%w: realtime connect: %v", ErrServiceUnavailable, err)
	}
	defer rt.Close()

	h.state.Store(StateListening)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.passthroughIngress(gctx, rt) })
	g.Go(func() error { return h.pumpRealtimeAudio(gctx, rt) })
	g.Go(func() error { return h.pumpRealtimeTranscripts(gctx, rt) })
	g.Go(func() error { return h.watchBargeIn(gctx) })
	g.Go(func() error { return h.runEgress(gctx) })
	return g.Wait()
}

// passthroughVoice prefers the voice synced into session context by an
// earlier pipelined leg of the same session, falling back to the entry
// agent's profile.
func (h *Handler) passthroughVoice() tts.VoiceProfile {
	if name := h.mem.ContextString(session.CtxVoiceName); name != "" {
		return tts.VoiceProfile{
			Name:  name,
			Style: h.mem.ContextString(session.CtxVoiceStyle),
		}
	}
	if h.cfg.Agents != nil {
		if entry := h.cfg.Agents.Entry(); entry != nil {
			return entry.Voice()
		}
	}
	return tts.VoiceProfile{}
}

// passthroughIngress forwards caller audio to the realtime session. Speech
// onset while reply audio is playing schedules a barge-in; the service's own
// response cancellation runs from the barge path via Interrupt.
func (h *Handler) passthroughIngress(ctx context.Context, rt realtime.Session) error {
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
		case wire.KindStopAudio:
			h.bridge.scheduleBargeIn("")
			h.interruptRealtime(ctx, rt)

		case wire.KindAudioData:
			if frame.AudioData.Silent {
				continue
			}
			pcm, err := frame.PCM()
			if err != nil {
				h.dropProtocol(ctx, err)
				continue
			}
			if h.vad.ProcessFrame(pcm) == vad.Speech {
				switch h.state.Load() {
				case StateSpeaking:
					h.bridge.scheduleBargeIn("")
					h.interruptRealtime(ctx, rt)
				case StateIdle:
					h.state.Transition(StateListening, StateIdle)
				}
			}
			if err := rt.SendAudio(pcm); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: realtime send: %v", ErrFatalTransport, err)
			}
		}
	}
}

func (h *Handler) interruptRealtime(ctx context.Context, rt realtime.Session) {
	if err := rt.Interrupt(); err != nil {
		h.metrics.RecordProviderError(ctx, "realtime", "interrupt")
		h.log.Warn("realtime interrupt failed", "error", err)
	}
}

// pumpRealtimeAudio forwards reply audio to egress. Each burst of reply
// audio after a quiet gap counts as a new response epoch so that barge-in
// bars exactly the in-flight response.
func (h *Handler) pumpRealtimeAudio(ctx context.Context, rt realtime.Session) error {
	const responseGap = 250 * time.Millisecond
	var lastChunk time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-rt.Audio():
			if !ok {
				if err := rt.Err(); err != nil {
					h.metrics.RecordProviderError(ctx, "realtime", "stream")
					return fmt.Errorf("%w: realtime stream: %v", ErrFatalTransport, err)
				}
				return errClientClosed
			}
			now := time.Now()
			if lastChunk.IsZero() || now.Sub(lastChunk) > responseGap {
				h.epoch.Add(1)
			}
			lastChunk = now

			h.state.Transition(StateSpeaking, StateIdle, StateListening)
			if err := h.enqueueAudio(ctx, h.epoch.Load(), chunk); err != nil {
				return err
			}
		}
	}
}

// pumpRealtimeTranscripts records both directions into the session history
// and mirrors them to the peer, persisting after each assistant utterance so
// passthrough turns have the same durability as pipelined ones.
func (h *Handler) pumpRealtimeTranscripts(ctx context.Context, rt realtime.Session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-rt.Transcripts():
			if !ok {
				return nil
			}
			text := strings.TrimSpace(ev.Text)
			if text == "" {
				continue
			}
			h.mem.AppendHistory(h.mem.ActiveAgent, ev.Role, text, 0)
			if err := h.enqueueControl(ctx, wire.EncodeTranscript(text, true)); err != nil {
				return err
			}
			if ev.Role == "assistant" {
				if err := h.persistTurn(ctx); err != nil {
					return err
				}
			}
		}
	}
}
