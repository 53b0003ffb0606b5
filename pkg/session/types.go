// Package session defines the durable per-call conversation state (CoreMemory)
// and the Store interface used to persist it between turns.
//
// CoreMemory is the single unit of persistence: everything an agent needs to
// resume a conversation after a reconnect lives inside it. Handlers mutate
// their in-memory copy single-threaded during a turn and persist the whole
// record at turn boundaries; the store never merges partial updates.
package session

import (
	"encoding/json"
	"time"
)

// Well-known Context keys. Context is an open map so that tool outputs can
// stash arbitrary structured values, but these keys have defined meaning
// across agents.
const (
	CtxCallerName          = "caller_name"
	CtxPolicyID            = "policy_id"
	CtxVoiceName           = "voice_name"
	CtxVoiceStyle          = "voice_style"
	CtxVoiceRate           = "voice_rate"
	CtxEscalationRequested = "escalation_requested"
	CtxLastError           = "last_error"
	CtxDTMF                = "last_dtmf"
	CtxParticipants        = "participant_count"

	// greetedPrefix marks agents that have already introduced themselves in
	// this session. Key form: "greeted:<agent name>".
	greetedPrefix = "greeted:"
)

// DefaultHistoryCap is the maximum number of history entries retained per
// session before oldest-first eviction.
const DefaultHistoryCap = 200

// HistoryEntry is one utterance in the conversation transcript. Role is
// "user", "assistant" or "tool"; Agent names the specialist that was active
// when the entry was recorded.
type HistoryEntry struct {
	Agent   string    `json:"agent"`
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// CoreMemory is the complete per-session conversation state.
//
// SessionID is immutable after creation. Version is a monotonic write stamp
// bumped by Store.Save; callers never set it directly. Context round-trips
// unknown keys untouched so that fields written by newer deployments survive
// a load/save cycle through an older one.
type CoreMemory struct {
	SessionID    string           `json:"session_id"`
	ActiveAgent  string           `json:"active_agent"`
	History      []HistoryEntry   `json:"history"`
	Context      map[string]any   `json:"context"`
	LatencyMarks map[string]int64 `json:"latency_marks,omitempty"`
	Version      int64            `json:"version"`
	LastWrite    time.Time        `json:"last_write"`
}

// New returns an initialised CoreMemory for a fresh session.
func New(sessionID string) *CoreMemory {
	return &CoreMemory{
		SessionID:    sessionID,
		Context:      map[string]any{},
		LatencyMarks: map[string]int64{},
	}
}

// AppendHistory records one transcript entry, evicting the oldest entries when
// the history exceeds cap. A cap of zero or less applies DefaultHistoryCap.
func (m *CoreMemory) AppendHistory(agent, role, content string, cap int) {
	if cap <= 0 {
		cap = DefaultHistoryCap
	}
	m.History = append(m.History, HistoryEntry{
		Agent:   agent,
		Role:    role,
		Content: content,
		At:      time.Now().UTC(),
	})
	if overflow := len(m.History) - cap; overflow > 0 {
		m.History = append(m.History[:0], m.History[overflow:]...)
	}
}

// MarkLatency records a per-turn latency sample in milliseconds. Marks are
// overwritten each turn; they are a diagnostic snapshot, not a series.
func (m *CoreMemory) MarkLatency(name string, ms int64) {
	if m.LatencyMarks == nil {
		m.LatencyMarks = map[string]int64{}
	}
	m.LatencyMarks[name] = ms
}

// Greeted reports whether the named agent has already greeted the caller in
// this session.
func (m *CoreMemory) Greeted(agent string) bool {
	v, ok := m.Context[greetedPrefix+agent]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// SetGreeted marks the named agent as having greeted the caller.
func (m *CoreMemory) SetGreeted(agent string) {
	if m.Context == nil {
		m.Context = map[string]any{}
	}
	m.Context[greetedPrefix+agent] = true
}

// ContextString returns the string value stored under key, or "" when the key
// is absent or holds a non-string.
func (m *CoreMemory) ContextString(key string) string {
	s, _ := m.Context[key].(string)
	return s
}

// SetContext stores a value under key, allocating the map if needed.
func (m *CoreMemory) SetContext(key string, value any) {
	if m.Context == nil {
		m.Context = map[string]any{}
	}
	m.Context[key] = value
}

// Clone returns a deep copy via a JSON round-trip. Used by stores to hand out
// records the caller may mutate freely.
func (m *CoreMemory) Clone() (*CoreMemory, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out CoreMemory
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
