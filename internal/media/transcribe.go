package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callyx/internal/media/wire"
	"github.com/MrWong99/callyx/pkg/speech/stt"
)

// serveTranscription runs the TRANSCRIPTION_ONLY variant: the recognizer
// feeds transcript frames back to the peer and the session history, with no
// turn lane, no synthesis and no barge-in.
func (h *Handler) serveTranscription(ctx context.Context) error {
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

	h.state.Store(StateListening)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.transcriptionIngress(gctx, rec) })
	g.Go(func() error { return h.pumpTranscripts(gctx, rec) })
	return g.Wait()
}

// transcriptionIngress is the ingress lane without barge-in semantics:
// inbound StopAudio frames are valid protocol but have nothing to stop.
func (h *Handler) transcriptionIngress(ctx context.Context, rec stt.Session) error {
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
		if frame.Kind != wire.KindAudioData || frame.AudioData.Silent {
			continue
		}
		pcm, err := frame.PCM()
		if err != nil {
			h.dropProtocol(ctx, err)
			continue
		}
		if err := rec.Feed(pcm); err != nil {
			h.log.Warn("recognizer feed failed", "error", err)
		}
	}
}

// pumpTranscripts forwards partials and finals as Transcript frames. Finals
// also land in the session history and trigger a persist, so a transcription
// session leaves the same durable record as a conversational one.
func (h *Handler) pumpTranscripts(ctx context.Context, rec stt.Session) error {
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
			if err := h.writeTranscript(ctx, p.Text, false); err != nil {
				return err
			}

		case f, ok := <-finals:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(f.Text)
			if text == "" {
				continue
			}
			h.mem.AppendHistory("", "user", text, 0)
			if err := h.writeTranscript(ctx, text, true); err != nil {
				return err
			}
			if err := h.persistTurn(ctx); err != nil {
				return err
			}

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

func (h *Handler) writeTranscript(ctx context.Context, text string, final bool) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := h.conn.Write(writeCtx, wire.EncodeTranscript(text, final)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: transcript write: %v", ErrFatalTransport, err)
	}
	return nil
}
