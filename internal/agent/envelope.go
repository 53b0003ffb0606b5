package agent

import (
	"encoding/json"
	"fmt"
)

// Handoff targets recognised by the orchestrator.
const (
	HandoffAIAgent    = "ai_agent"
	HandoffHumanAgent = "human_agent"
)

// ToolEnvelope is the structured result of one agent invocation. It carries
// the control signals the orchestrator acts on (handoff, escalation) next to
// the assistant's spoken reply.
//
// Envelopes frequently originate as tool-call JSON produced by the model.
// Fields this version does not know about are preserved in Extra and written
// back verbatim on marshal, so envelopes can round-trip through the session
// store without losing data added by newer agents.
type ToolEnvelope struct {
	// Success reports whether the agent completed its work. False signals
	// the orchestrator to apologise and keep the current agent.
	Success bool

	// Handoff is empty, HandoffAIAgent or HandoffHumanAgent.
	Handoff string

	// TargetAgent names the specialist to transfer to when Handoff is
	// HandoffAIAgent.
	TargetAgent string

	// Reason is the agent's explanation for a handoff or failure.
	Reason string

	// Topic is a short summary carried to the target agent.
	Topic string

	// AssistantText is the full text the agent spoke this turn.
	AssistantText string

	// Audio, when non-nil, is a lazy synthesized frame stream the caller may
	// forward instead of re-synthesizing AssistantText. Never serialised.
	Audio <-chan []byte

	// Extra holds fields present in the source JSON that have no struct
	// field here. Keys marshal back out unchanged.
	Extra map[string]json.RawMessage
}

// knownEnvelopeKeys are the JSON keys bound to struct fields; everything else
// lands in Extra.
var knownEnvelopeKeys = map[string]struct{}{
	"success":        {},
	"handoff":        {},
	"target_agent":   {},
	"reason":         {},
	"topic":          {},
	"assistant_text": {},
}

// envelopeWire mirrors the known fields for (un)marshalling.
type envelopeWire struct {
	Success       bool   `json:"success"`
	Handoff       string `json:"handoff,omitempty"`
	TargetAgent   string `json:"target_agent,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Topic         string `json:"topic,omitempty"`
	AssistantText string `json:"assistant_text,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler, keeping unknown keys in Extra.
func (e *ToolEnvelope) UnmarshalJSON(data []byte) error {
	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("agent: decode envelope: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("agent: decode envelope fields: %w", err)
	}

	*e = ToolEnvelope{
		Success:       wire.Success,
		Handoff:       wire.Handoff,
		TargetAgent:   wire.TargetAgent,
		Reason:        wire.Reason,
		Topic:         wire.Topic,
		AssistantText: wire.AssistantText,
	}
	for key, val := range raw {
		if _, known := knownEnvelopeKeys[key]; known {
			continue
		}
		if e.Extra == nil {
			e.Extra = map[string]json.RawMessage{}
		}
		e.Extra[key] = val
	}
	return nil
}

// MarshalJSON implements json.Marshaler, merging Extra back into the object.
// A known field always wins over an Extra entry with the same key.
func (e ToolEnvelope) MarshalJSON() ([]byte, error) {
	merged := make(map[string]json.RawMessage, len(e.Extra)+len(knownEnvelopeKeys))
	for key, val := range e.Extra {
		if _, known := knownEnvelopeKeys[key]; known {
			continue
		}
		merged[key] = val
	}

	base, err := json.Marshal(envelopeWire{
		Success:       e.Success,
		Handoff:       e.Handoff,
		TargetAgent:   e.TargetAgent,
		Reason:        e.Reason,
		Topic:         e.Topic,
		AssistantText: e.AssistantText,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: encode envelope: %w", err)
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(base, &known); err != nil {
		return nil, fmt.Errorf("agent: encode envelope: %w", err)
	}
	for key, val := range known {
		merged[key] = val
	}
	return json.Marshal(merged)
}

// ParseEnvelope attempts to interpret raw tool output as a ToolEnvelope.
// Output that is valid JSON but not an object (or carries none of the
// envelope's control keys) reports ok=false.
func ParseEnvelope(raw json.RawMessage) (ToolEnvelope, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ToolEnvelope{}, false
	}
	if _, hasSuccess := probe["success"]; !hasSuccess {
		if _, hasHandoff := probe["handoff"]; !hasHandoff {
			return ToolEnvelope{}, false
		}
	}
	var env ToolEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ToolEnvelope{}, false
	}
	return env, true
}
