// Package vad provides frame-level voice activity detection used to gate the
// recognizer feed. Frames classified as silence never reach the STT provider
// and never count as barge-in.
//
// Detection is synchronous: ProcessFrame returns immediately, making it
// suitable for the ingress lane's per-frame loop. A Detector is stateful
// (smoothing across frames) and serves a single stream; it is not safe for
// concurrent use.
package vad

import (
	"encoding/binary"
	"math"
)

// Decision is the classification of one audio frame.
type Decision int

const (
	// Silence means the frame carries no speech energy.
	Silence Decision = iota
	// Speech means the frame is part of an active speech segment.
	Speech
)

// Config holds detector parameters.
type Config struct {
	// SpeechThreshold is the RMS level (of full scale, [0.0, 1.0]) above which
	// a frame counts towards speech onset. Typical: 0.015.
	SpeechThreshold float64

	// SilenceThreshold is the RMS level below which an active segment decays
	// towards silence. Must be <= SpeechThreshold. Typical: 0.008.
	SilenceThreshold float64

	// HangoverFrames is how many sub-threshold frames are still classified as
	// Speech after a segment, bridging short intra-word pauses. Typical: 8
	// (160ms at 20ms frames).
	HangoverFrames int
}

// DefaultConfig returns thresholds tuned for 16kHz telephony PCM16.
func DefaultConfig() Config {
	return Config{
		SpeechThreshold:  0.015,
		SilenceThreshold: 0.008,
		HangoverFrames:   8,
	}
}

// Detector classifies PCM16 frames. Create one per audio stream.
type Detector struct {
	cfg      Config
	active   bool
	hangover int
}

// New creates a Detector. Zero thresholds fall back to DefaultConfig values.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = def.SpeechThreshold
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = def.SilenceThreshold
	}
	if cfg.HangoverFrames <= 0 {
		cfg.HangoverFrames = def.HangoverFrames
	}
	return &Detector{cfg: cfg}
}

// ProcessFrame classifies one little-endian PCM16 frame.
func (d *Detector) ProcessFrame(frame []byte) Decision {
	level := rms(frame)

	switch {
	case level >= d.cfg.SpeechThreshold:
		d.active = true
		d.hangover = d.cfg.HangoverFrames
		return Speech
	case d.active && level >= d.cfg.SilenceThreshold:
		// Mid-segment dip, still speech.
		return Speech
	case d.active && d.hangover > 0:
		d.hangover--
		return Speech
	default:
		d.active = false
		return Silence
	}
}

// Reset clears segment state. Use when the stream restarts so a previous
// segment cannot bleed into the next one.
func (d *Detector) Reset() {
	d.active = false
	d.hangover = 0
}

// rms computes the root-mean-square level of a PCM16 frame as a fraction of
// full scale. Odd trailing bytes are ignored.
func rms(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(frame[i*2:]))
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
