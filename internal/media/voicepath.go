package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callyx/internal/orchestrate"
	"github.com/MrWong99/callyx/pkg/session"
	"github.com/MrWong99/callyx/pkg/speech/tts"
)

// voicePath implements orchestrate.Path for one handler: it synthesizes
// through the shared pool and enqueues frames onto the handler's egress
// lane, tagged with the turn epoch current at synthesis time.
//
// The in-flight synthesizer is tracked so barge-in can cancel it from
// another goroutine.
type voicePath struct {
	h *Handler

	mu    sync.Mutex
	voice tts.VoiceProfile
	synth *tts.Synthesizer

	// stopped records a barge-in during the current synthesis. A truncated
	// phrase must not land in the phrase cache.
	stopped atomic.Bool
}

var _ orchestrate.Path = (*voicePath)(nil)

func newVoicePath(h *Handler) *voicePath {
	return &voicePath{h: h}
}

// SetVoice implements orchestrate.Path.
func (p *voicePath) SetVoice(voice tts.VoiceProfile) {
	p.mu.Lock()
	p.voice = voice
	p.mu.Unlock()
}

// Voice returns the active voice profile.
func (p *voicePath) Voice() tts.VoiceProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.voice
}

// Speak implements agent.Sink: it streams sentence fragments into one
// synthesis and forwards the resulting frames to egress as they arrive.
func (p *voicePath) Speak(ctx context.Context, text <-chan string) error {
	synth, err := p.h.cfg.Synthesizers.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: synthesizer acquire: %v", ErrServiceUnavailable, err)
	}
	defer synth.Release()

	p.h.synthActive.Add(1)
	defer p.h.synthActive.Add(-1)
	p.setSynth(synth)
	defer p.setSynth(nil)

	start := time.Now()
	frames, err := synth.Speak(ctx, text, p.Voice())
	if err != nil {
		return fmt.Errorf("media: synthesis start: %w", err)
	}

	epoch := p.h.epoch.Load()
	for frame := range frames {
		if err := p.h.enqueueAudio(ctx, epoch, frame); err != nil {
			return err
		}
	}
	if p.h.metrics != nil {
		p.h.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds())
	}
	return ctx.Err()
}

// SpeakText implements agent.Sink for fixed phrases. The phrase cache is
// consulted first so greetings and apologies survive synthesizer outages;
// a fresh synthesis refills the cache.
func (p *voicePath) SpeakText(ctx context.Context, text string) error {
	voice := p.Voice()
	epoch := p.h.epoch.Load()

	if cache := p.h.cfg.Phrases; cache != nil {
		audio, err := cache.GetPhrase(ctx, voice.CacheKey(), text)
		if err == nil {
			return p.h.enqueueChunked(ctx, epoch, audio)
		}
		if !errors.Is(err, session.ErrNotFound) {
			p.h.log.Warn("phrase cache read failed", "error", err)
		}
	}

	synth, err := p.h.cfg.Synthesizers.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: synthesizer acquire: %v", ErrServiceUnavailable, err)
	}
	defer synth.Release()

	p.h.synthActive.Add(1)
	defer p.h.synthActive.Add(-1)
	p.setSynth(synth)
	defer p.setSynth(nil)

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	frames, err := synth.Speak(ctx, textCh, voice)
	if err != nil {
		return fmt.Errorf("media: synthesis start: %w", err)
	}

	var audio []byte
	for frame := range frames {
		audio = append(audio, frame...)
		if err := p.h.enqueueAudio(ctx, epoch, frame); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if cache := p.h.cfg.Phrases; cache != nil && len(audio) > 0 && !p.stopped.Load() {
		if err := cache.PutPhrase(ctx, voice.CacheKey(), text, audio, session.DefaultPhraseTTL); err != nil {
			p.h.log.Warn("phrase cache write failed", "error", err)
		}
	}
	return nil
}

// stopSynthesis cancels the in-flight synthesis stream, if any. Called from
// the barge-in path; the producing Speak call unwinds via its context.
func (p *voicePath) stopSynthesis() {
	p.mu.Lock()
	synth := p.synth
	p.mu.Unlock()
	p.stopped.Store(true)
	if synth != nil {
		synth.Stop()
	}
}

func (p *voicePath) setSynth(s *tts.Synthesizer) {
	p.mu.Lock()
	p.synth = s
	p.mu.Unlock()
	if s != nil {
		p.stopped.Store(false)
	}
}
