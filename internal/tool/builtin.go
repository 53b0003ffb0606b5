package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// CallerLookup resolves caller metadata from an external system of record
// (CRM, policy database). Implementations are injected at startup.
type CallerLookup interface {
	LookupCaller(ctx context.Context, phone string) (map[string]any, error)
}

// RegisterBuiltins installs the tools every deployment carries: handoff,
// escalate and lookup_caller. The first two produce control envelopes the
// orchestrator interprets; they perform no side effects themselves.
func RegisterBuiltins(r *Registry, lookup CallerLookup) {
	r.Register(Definition{
		Name:        "handoff",
		Description: "Transfer the conversation to another specialist agent. Use when the caller's request belongs to a different specialty.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"target_agent": map[string]any{
					"type":        "string",
					"description": "Name of the specialist to transfer to.",
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "Why the transfer is needed.",
				},
				"topic": map[string]any{
					"type":        "string",
					"description": "Short topic summary carried to the target agent.",
				},
			},
			"required": []string{"target_agent"},
		},
		Run: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				TargetAgent string `json:"target_agent"`
				Reason      string `json:"reason"`
				Topic       string `json:"topic"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("handoff: decode args: %w", err)
			}
			if in.TargetAgent == "" {
				return json.RawMessage(`{"success":false,"error":"target_agent is required"}`), nil
			}
			out, _ := json.Marshal(map[string]any{
				"success":      true,
				"handoff":      "ai_agent",
				"target_agent": in.TargetAgent,
				"reason":       in.Reason,
				"topic":        in.Topic,
			})
			return out, nil
		},
	})

	r.Register(Definition{
		Name:        "escalate",
		Description: "Escalate the conversation to a human agent. Use when the caller asks for a person or the request is beyond all specialists.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Why escalation is needed.",
				},
			},
		},
		Run: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Reason string `json:"reason"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("escalate: decode args: %w", err)
				}
			}
			out, _ := json.Marshal(map[string]any{
				"success": true,
				"handoff": "human_agent",
				"reason":  in.Reason,
			})
			return out, nil
		},
	})

	r.Register(Definition{
		Name:        "lookup_caller",
		Description: "Look up the caller's record by phone number.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"phone": map[string]any{
					"type":        "string",
					"description": "Caller phone number in E.164 format.",
				},
			},
			"required": []string{"phone"},
		},
		Run: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Phone string `json:"phone"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("lookup_caller: decode args: %w", err)
			}
			if lookup == nil {
				return json.RawMessage(`{"error":"caller lookup is not configured"}`), nil
			}
			record, err := lookup.LookupCaller(ctx, in.Phone)
			if err != nil {
				return json.RawMessage(fmt.Sprintf(`{"error":%q}`, err.Error())), nil
			}
			return json.Marshal(record)
		},
	})
}
