// Package tts defines the streaming text-to-speech abstraction and the
// synthesizer pool that bounds concurrent synthesis jobs.
//
// The entry point is SynthesizeStream: text fragments go in on a channel, raw
// PCM frames come out on another. Frames are produced lazily so that
// cancelling the context between frames tears the stream down quickly, which
// is what makes barge-in cheap.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from text and returns a channel
	// emitting raw PCM audio as it is synthesised. The audio channel is closed
	// when all text has been rendered or when ctx is cancelled; the producer
	// observes ctx between frames, so cancellation stops synthesis promptly
	// rather than after the full utterance.
	//
	// The caller must drain the audio channel. A non-nil error is returned
	// only when the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the provider's current voice catalogue.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// SynthesizeText is a convenience for fixed phrases (greetings, apologies):
// it streams a single fragment and collects the audio. Honours ctx like
// SynthesizeStream.
func SynthesizeText(ctx context.Context, p Provider, text string, voice VoiceProfile) ([]byte, error) {
	in := make(chan string, 1)
	in <- text
	close(in)

	audio, err := p.SynthesizeStream(ctx, in, voice)
	if err != nil {
		return nil, err
	}
	var out []byte
	for chunk := range audio {
		out = append(out, chunk...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
