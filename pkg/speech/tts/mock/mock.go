// Package mock provides test doubles for the tts package interfaces.
//
// Provider synthesises deterministic audio: each text fragment becomes one or
// more fixed-size PCM frames, emitted with an optional per-frame delay so
// tests can catch a stream mid-flight and cancel it.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/callyx/pkg/speech/tts"
)

// SynthesizeCall records one invocation of Provider.SynthesizeStream.
type SynthesizeCall struct {
	Voice tts.VoiceProfile
	// Texts is filled in as fragments are consumed from the text channel.
	Texts []string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// FrameSize is the size of each emitted PCM frame. Defaults to 320 bytes
	// (10ms of 16kHz mono PCM16).
	FrameSize int

	// FramesPerFragment is how many frames each text fragment produces.
	// Defaults to 1.
	FramesPerFragment int

	// FrameDelay is slept before each frame, giving tests a window to cancel.
	FrameDelay time.Duration

	// StartErr, if non-nil, is returned by every SynthesizeStream call.
	StartErr error

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// Calls records every SynthesizeStream invocation.
	Calls []*SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	if p.StartErr != nil {
		err := p.StartErr
		p.mu.Unlock()
		return nil, err
	}
	call := &SynthesizeCall{Voice: voice}
	p.Calls = append(p.Calls, call)
	frameSize := p.FrameSize
	if frameSize <= 0 {
		frameSize = 320
	}
	perFragment := p.FramesPerFragment
	if perFragment <= 0 {
		perFragment = 1
	}
	delay := p.FrameDelay
	p.mu.Unlock()

	audio := make(chan []byte)
	go func() {
		defer close(audio)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				call.Texts = append(call.Texts, fragment)
				p.mu.Unlock()
				for i := 0; i < perFragment; i++ {
					if delay > 0 {
						select {
						case <-time.After(delay):
						case <-ctx.Done():
							return
						}
					}
					frame := make([]byte, frameSize)
					select {
					case audio <- frame:
					case <-ctx.Done():
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audio, nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, nil
}

// CallCount returns the number of SynthesizeStream calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// SpokenTexts returns all fragments consumed so far, across all calls.
func (p *Provider) SpokenTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.Calls {
		out = append(out, c.Texts...)
	}
	return out
}
