// Package wire encodes and decodes the JSON text frames exchanged on the
// media websocket.
//
// The framing is asymmetric by protocol: inbound frames (telephony provider
// or browser → server) use a lowercase "kind" discriminator with lowercase
// payload keys, while outbound frames use capitalised keys. Both directions
// carry 16-bit little-endian PCM as base64.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocol marks a malformed or unknown frame. Protocol violations are
// logged and dropped by the handler; they never terminate the session.
var ErrProtocol = errors.New("wire: protocol violation")

// Inbound frame kinds.
const (
	KindAudioMetadata = "AudioMetadata"
	KindAudioData     = "AudioData"
	KindStopAudio     = "StopAudio"
	KindTranscript    = "Transcript"
)

// AudioMetadata announces the inbound stream format.
type AudioMetadata struct {
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
}

// InboundAudio is one inbound audio frame.
type InboundAudio struct {
	Data             string `json:"data"`
	Timestamp        string `json:"timestamp"`
	ParticipantRawID string `json:"participantRawID"`
	Silent           bool   `json:"silent"`
}

// Inbound is a decoded inbound frame. Exactly one payload field is set,
// matching Kind.
type Inbound struct {
	Kind          string         `json:"kind"`
	AudioMetadata *AudioMetadata `json:"audioMetadata,omitempty"`
	AudioData     *InboundAudio  `json:"audioData,omitempty"`
	StopAudio     *struct{}      `json:"stopAudio,omitempty"`
}

// DecodeInbound parses one inbound text frame. Unknown kinds and payloads
// that do not match their kind return ErrProtocol.
func DecodeInbound(data []byte) (Inbound, error) {
	var f Inbound
	if err := json.Unmarshal(data, &f); err != nil {
		return Inbound{}, fmt.Errorf("%w: decode frame: %v", ErrProtocol, err)
	}
	switch f.Kind {
	case KindAudioMetadata:
		if f.AudioMetadata == nil {
			return Inbound{}, fmt.Errorf("%w: %s frame without audioMetadata", ErrProtocol, f.Kind)
		}
	case KindAudioData:
		if f.AudioData == nil {
			return Inbound{}, fmt.Errorf("%w: %s frame without audioData", ErrProtocol, f.Kind)
		}
	case KindStopAudio:
	default:
		return Inbound{}, fmt.Errorf("%w: unknown kind %q", ErrProtocol, f.Kind)
	}
	return f, nil
}

// PCM returns the decoded audio payload of an AudioData frame.
func (f Inbound) PCM() ([]byte, error) {
	if f.AudioData == nil {
		return nil, fmt.Errorf("%w: no audio payload", ErrProtocol)
	}
	pcm, err := base64.StdEncoding.DecodeString(f.AudioData.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: non-base64 audio: %v", ErrProtocol, err)
	}
	return pcm, nil
}

// outAudio is the outbound AudioData payload.
type outAudio struct {
	Data string `json:"Data"`
}

// outTranscript is the outbound Transcript payload.
type outTranscript struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// EncodeAudio builds an outbound AudioData frame from raw PCM.
func EncodeAudio(pcm []byte) []byte {
	frame := struct {
		Kind      string   `json:"Kind"`
		AudioData outAudio `json:"AudioData"`
	}{
		Kind:      KindAudioData,
		AudioData: outAudio{Data: base64.StdEncoding.EncodeToString(pcm)},
	}
	data, _ := json.Marshal(frame)
	return data
}

// EncodeStopAudio builds the outbound StopAudio control frame. The explicit
// null AudioData field matches what telephony providers expect.
func EncodeStopAudio() []byte {
	frame := struct {
		Kind      string    `json:"Kind"`
		AudioData *outAudio `json:"AudioData"`
		StopAudio struct{}  `json:"StopAudio"`
	}{Kind: KindStopAudio}
	data, _ := json.Marshal(frame)
	return data
}

// EncodeTranscript builds an outbound Transcript frame.
func EncodeTranscript(text string, final bool) []byte {
	frame := struct {
		Kind       string        `json:"Kind"`
		Transcript outTranscript `json:"Transcript"`
	}{
		Kind:       KindTranscript,
		Transcript: outTranscript{Text: text, Final: final},
	}
	data, _ := json.Marshal(frame)
	return data
}
