package stt

import "time"

// StreamConfig holds the parameters for one recognition stream.
type StreamConfig struct {
	// Language is a BCP-47 tag such as "en-US". Empty means the provider
	// default.
	Language string

	// SampleRate is the PCM sample rate in Hz. Telephony audio is 16000.
	SampleRate int

	// Channels is the channel count. Callyx always streams mono.
	Channels int

	// InterimResults requests partial hypotheses in addition to finals.
	// Barge-in depends on partials, so media handlers always set this.
	InterimResults bool

	// Keywords biases recognition towards domain vocabulary (policy numbers,
	// product names). Providers without keyword boosting ignore it.
	Keywords []string
}

// Transcript is a single recognition hypothesis.
type Transcript struct {
	// Text is the recognised text. May be empty for silence-only segments.
	Text string

	// IsFinal distinguishes stable finals from volatile partials. A final is
	// never revised afterwards.
	IsFinal bool

	// Confidence is the provider's confidence in [0.0, 1.0], or 0 when the
	// provider does not report one.
	Confidence float64

	// Language is the detected language tag, when the provider reports one.
	Language string

	// Timestamp is the offset of the segment start within the stream.
	Timestamp time.Duration

	// Duration is the length of the recognised segment.
	Duration time.Duration
}
