// Package orchestrate drives one conversation turn: it dispatches a final
// caller utterance to the active specialist, interprets the resulting
// control envelope, and performs agent handoffs and human escalation.
//
// The orchestrator owns no I/O of its own. Audio goes through the [Path] it
// is handed per turn, persistence is the media layer's concern, and the turn
// deadline is enforced with a derived context so cancellation stays
// cooperative.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/callyx/internal/agent"
	"github.com/MrWong99/callyx/pkg/session"
	"github.com/MrWong99/callyx/pkg/speech/tts"
)

// DefaultTurnDeadline bounds one full turn, tool rounds included. Past it
// the caller hears the timeout apology instead of silence.
const DefaultTurnDeadline = 30 * time.Second

// Phrases are the fixed utterances the orchestrator speaks itself, outside
// any specialist's reply. All are phrase-cache eligible.
type Phrases struct {
	// Apology is spoken when a specialist reports failure or errors out.
	Apology string

	// Timeout is spoken when the turn deadline expires.
	Timeout string

	// EscalationClosing is spoken before the call is handed to a human.
	EscalationClosing string
}

// DefaultPhrases returns the stock phrase set.
func DefaultPhrases() Phrases {
	return Phrases{
		Apology:           "I'm sorry, I ran into a problem with that. Could you say that again?",
		Timeout:           "I'm sorry, this is taking longer than expected. Could you repeat that?",
		EscalationClosing: "I'll connect you with one of my colleagues now. Please hold the line.",
	}
}

// Path is the per-call audio path a turn speaks through: an [agent.Sink]
// whose active voice can be switched when the conversation changes hands.
type Path interface {
	agent.Sink

	// SetVoice switches the synthesis voice for everything spoken after the
	// call returns.
	SetVoice(voice tts.VoiceProfile)
}

// Result reports what a turn did, so the media layer can act on it.
type Result struct {
	// ActiveAgent is the specialist that owns the conversation after the
	// turn. Empty when the turn was skipped.
	ActiveAgent string

	// Escalated is true when the caller was handed to a human. The media
	// layer closes the call after the audio flushes and archives the
	// session.
	Escalated bool
}

// Orchestrator dispatches caller turns across the specialist registry.
//
// All exported methods are safe for concurrent use; per-session serialism is
// the caller's responsibility (the media layer runs at most one turn per
// call).
type Orchestrator struct {
	registry     *agent.Registry
	turnDeadline time.Duration
	phrases      Phrases
	logger       *slog.Logger
}

// Option configures an [Orchestrator] during construction.
type Option func(*Orchestrator)

// WithTurnDeadline sets the per-turn soft deadline. The default is
// [DefaultTurnDeadline].
func WithTurnDeadline(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.turnDeadline = d
		}
	}
}

// WithPhrases overrides the stock phrase set.
func WithPhrases(p Phrases) Option {
	return func(o *Orchestrator) { o.phrases = p }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator over a configured, frozen registry.
func New(registry *agent.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:     registry,
		turnDeadline: DefaultTurnDeadline,
		phrases:      DefaultPhrases(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleTurn processes one final caller utterance against mem.
//
// Whitespace-only utterances are skipped entirely: no history entry, no
// model call, no audio. Otherwise exactly one user history entry is
// appended, the active specialist (entry agent when unset or unknown)
// responds, and the envelope is interpreted:
//
//   - ai_agent handoff: the target becomes active, its voice profile is
//     synced onto the path and into context, its greeting (first-time or
//     re-entry) is spoken, and it responds exactly once to the same
//     utterance. A second specialist handoff is ignored; only escalation is
//     honored from the target's envelope.
//   - human_agent: escalation context is set, the closing phrase is spoken
//     and Result.Escalated is returned.
//   - success=false: the apology phrase, agent unchanged.
//
// Context cancellation (barge-in, call teardown) is not an error: HandleTurn
// returns the current result with err == nil.
func (o *Orchestrator) HandleTurn(ctx context.Context, mem *session.CoreMemory, utterance string, path Path, providerCall bool) (Result, error) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return Result{ActiveAgent: mem.ActiveAgent}, nil
	}

	active, ok := o.registry.Lookup(mem.ActiveAgent)
	if !ok {
		active = o.registry.Entry()
		if active == nil {
			return Result{}, fmt.Errorf("orchestrate: no entry agent configured")
		}
		mem.ActiveAgent = active.Name()
	}
	o.syncVoice(mem, active, path)

	mem.AppendHistory(active.Name(), "user", utterance, session.DefaultHistoryCap)

	turnCtx, cancel := context.WithTimeout(ctx, o.turnDeadline)
	defer cancel()

	env, err := o.respond(turnCtx, mem, active, utterance, path, providerCall)
	if err != nil {
		return o.finishWithError(ctx, turnCtx, mem, active, path, err)
	}

	if env.Handoff == agent.HandoffHumanAgent {
		return o.escalate(ctx, mem, path)
	}

	if env.Handoff == agent.HandoffAIAgent {
		target, ok := o.registry.Resolve(env.TargetAgent)
		if !ok {
			o.logger.Warn("handoff to unknown agent ignored",
				"session_id", mem.SessionID, "target", env.TargetAgent, "from", active.Name())
			return Result{ActiveAgent: mem.ActiveAgent}, nil
		}
		return o.handoff(ctx, turnCtx, mem, target, env, utterance, path, providerCall)
	}

	if !env.Success {
		o.logger.Warn("agent reported failure",
			"session_id", mem.SessionID, "agent", active.Name(), "reason", env.Reason)
		mem.SetContext(session.CtxLastError, env.Reason)
		o.speak(ctx, path, o.phrases.Apology)
	}

	return Result{ActiveAgent: mem.ActiveAgent}, nil
}

// respond invokes one specialist, recording the latency mark and the
// assistant history entry.
func (o *Orchestrator) respond(ctx context.Context, mem *session.CoreMemory, a agent.Agent, utterance string, path Path, providerCall bool) (agent.ToolEnvelope, error) {
	start := time.Now()
	env, err := a.Respond(ctx, mem, utterance, path, providerCall)
	mem.MarkLatency("respond_"+a.Name(), time.Since(start).Milliseconds())
	if err != nil {
		return agent.ToolEnvelope{}, err
	}
	if env.AssistantText != "" {
		mem.AppendHistory(a.Name(), "assistant", env.AssistantText, session.DefaultHistoryCap)
	}
	return env, nil
}

// handoff hands the conversation to target: voice sync, greeting, then
// exactly one response to the triggering utterance. Only escalation is
// honored from the target's own envelope; a chained specialist handoff is
// logged and ignored.
func (o *Orchestrator) handoff(ctx, turnCtx context.Context, mem *session.CoreMemory, target agent.Agent, env agent.ToolEnvelope, utterance string, path Path, providerCall bool) (Result, error) {
	from := mem.ActiveAgent
	mem.ActiveAgent = target.Name()
	if env.Topic != "" {
		mem.SetContext("handoff_topic", env.Topic)
	}
	o.syncVoice(mem, target, path)

	o.logger.Info("agent handoff",
		"session_id", mem.SessionID, "from", from, "to", target.Name(), "reason", env.Reason)

	reentry := mem.Greeted(target.Name())
	o.speak(ctx, path, target.Greeting(reentry))
	mem.SetGreeted(target.Name())

	targetEnv, err := o.respond(turnCtx, mem, target, utterance, path, providerCall)
	if err != nil {
		return o.finishWithError(ctx, turnCtx, mem, target, path, err)
	}

	switch targetEnv.Handoff {
	case agent.HandoffHumanAgent:
		return o.escalate(ctx, mem, path)
	case agent.HandoffAIAgent:
		o.logger.Warn("chained handoff ignored",
			"session_id", mem.SessionID, "from", target.Name(), "target", targetEnv.TargetAgent)
	}
	if !targetEnv.Success {
		mem.SetContext(session.CtxLastError, targetEnv.Reason)
		o.speak(ctx, path, o.phrases.Apology)
	}
	return Result{ActiveAgent: mem.ActiveAgent}, nil
}

// escalate marks the session for human follow-up and says goodbye.
func (o *Orchestrator) escalate(ctx context.Context, mem *session.CoreMemory, path Path) (Result, error) {
	mem.SetContext(session.CtxEscalationRequested, "true")
	o.speak(ctx, path, o.phrases.EscalationClosing)
	o.logger.Info("escalating to human agent", "session_id", mem.SessionID)
	return Result{ActiveAgent: mem.ActiveAgent, Escalated: true}, nil
}

// finishWithError sorts a respond failure into its three cases: outer
// cancellation (barge-in or teardown, silent), turn deadline (timeout
// apology) and genuine failure (apology, error propagated).
func (o *Orchestrator) finishWithError(ctx, turnCtx context.Context, mem *session.CoreMemory, a agent.Agent, path Path, err error) (Result, error) {
	if ctx.Err() != nil {
		return Result{ActiveAgent: mem.ActiveAgent}, nil
	}
	if errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
		o.logger.Warn("turn deadline exceeded",
			"session_id", mem.SessionID, "agent", a.Name(), "deadline", o.turnDeadline)
		mem.SetContext(session.CtxLastError, "turn deadline exceeded")
		o.speak(ctx, path, o.phrases.Timeout)
		return Result{ActiveAgent: mem.ActiveAgent}, nil
	}

	o.logger.Error("agent respond failed",
		"session_id", mem.SessionID, "agent", a.Name(), "error", err)
	mem.SetContext(session.CtxLastError, err.Error())
	o.speak(ctx, path, o.phrases.Apology)
	return Result{ActiveAgent: mem.ActiveAgent}, fmt.Errorf("orchestrate: %s: %w", a.Name(), err)
}

// syncVoice pushes the agent's voice onto the path and mirrors it into
// context so a reconnecting handler restores the right voice.
func (o *Orchestrator) syncVoice(mem *session.CoreMemory, a agent.Agent, path Path) {
	voice := a.Voice()
	path.SetVoice(voice)
	mem.SetContext(session.CtxVoiceName, voice.Name)
	mem.SetContext(session.CtxVoiceStyle, voice.Style)
	if voice.Rate != 0 {
		mem.SetContext(session.CtxVoiceRate, fmt.Sprintf("%g", voice.Rate))
	}
}

// speak says a fixed phrase, tolerating failure: a lost apology must not
// take the turn down with it.
func (o *Orchestrator) speak(ctx context.Context, path Path, text string) {
	if text == "" {
		return
	}
	if err := path.SpeakText(ctx, text); err != nil && ctx.Err() == nil {
		o.logger.Error("phrase synthesis failed", "error", err)
	}
}
