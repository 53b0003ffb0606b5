package orchestrate_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callyx/internal/agent"
	agentmock "github.com/MrWong99/callyx/internal/agent/mock"
	"github.com/MrWong99/callyx/internal/orchestrate"
	"github.com/MrWong99/callyx/pkg/session"
	"github.com/MrWong99/callyx/pkg/speech/tts"
)

// recordingPath is an orchestrate.Path capturing spoken text and voice
// switches.
type recordingPath struct {
	agentmock.Sink
	voices []tts.VoiceProfile
}

func (p *recordingPath) SetVoice(v tts.VoiceProfile) {
	p.voices = append(p.voices, v)
}

// blockingAgent is an agent.Agent whose Respond waits for ctx cancellation.
type blockingAgent struct {
	name string
}

func (a *blockingAgent) Name() string                { return a.name }
func (a *blockingAgent) Voice() tts.VoiceProfile     { return tts.VoiceProfile{Name: "v-" + a.name} }
func (a *blockingAgent) Greeting(reentry bool) string { return "hello from " + a.name }

func (a *blockingAgent) Respond(ctx context.Context, _ *session.CoreMemory, _ string, _ agent.Sink, _ bool) (agent.ToolEnvelope, error) {
	<-ctx.Done()
	return agent.ToolEnvelope{}, ctx.Err()
}

func newOrchestrator(t *testing.T, agents []agent.Agent, opts ...orchestrate.Option) *orchestrate.Orchestrator {
	t.Helper()

	reg := agent.NewRegistry()
	names := make([]string, 0, len(agents))
	for _, a := range agents {
		reg.Register(a)
		names = append(names, a.Name())
	}
	if err := reg.Configure(names[0], names); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	reg.Freeze()
	return orchestrate.New(reg, opts...)
}

func TestEmptyUtteranceSkipsTurn(t *testing.T) {
	t.Parallel()

	entry := &agentmock.Agent{NameVal: "authentication", VoiceVal: tts.VoiceProfile{Name: "ava"}}
	o := newOrchestrator(t, []agent.Agent{entry})

	mem := session.New("s1")
	res, err := o.HandleTurn(context.Background(), mem, "   \t ", &recordingPath{}, true)
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.Escalated {
		t.Error("unexpected escalation")
	}
	if entry.CallCount() != 0 {
		t.Error("agent invoked for whitespace-only utterance")
	}
	if len(mem.History) != 0 {
		t.Errorf("history written for skipped turn: %v", mem.History)
	}
}

func TestEntryFallbackAndHistory(t *testing.T) {
	t.Parallel()

	entry := &agentmock.Agent{
		NameVal:  "authentication",
		VoiceVal: tts.VoiceProfile{Name: "ava"},
		Envelopes: []agent.ToolEnvelope{
			{Success: true, AssistantText: "Can I get your name?"},
		},
	}
	o := newOrchestrator(t, []agent.Agent{entry})

	mem := session.New("s1")
	mem.ActiveAgent = "no-such-agent"
	path := &recordingPath{}

	res, err := o.HandleTurn(context.Background(), mem, "hi there", path, true)
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.ActiveAgent != "authentication" || mem.ActiveAgent != "authentication" {
		t.Errorf("entry fallback failed: %+v", res)
	}
	if len(mem.History) != 2 {
		t.Fatalf("got %d history entries, want 2", len(mem.History))
	}
	if mem.History[0].Role != "user" || mem.History[0].Content != "hi there" {
		t.Errorf("user entry wrong: %+v", mem.History[0])
	}
	if mem.History[1].Role != "assistant" || mem.History[1].Agent != "authentication" {
		t.Errorf("assistant entry wrong: %+v", mem.History[1])
	}
	if len(path.voices) == 0 || path.voices[0].Name != "ava" {
		t.Errorf("voice not synced: %v", path.voices)
	}
	if _, ok := mem.LatencyMarks["respond_authentication"]; !ok {
		t.Error("latency mark missing")
	}
}

func TestHandoffGreetsAndRespondsOnce(t *testing.T) {
	t.Parallel()

	claims := &agentmock.Agent{
		NameVal:     "claims",
		VoiceVal:    tts.VoiceProfile{Name: "andrew"},
		GreetingVal: "This is the claims team.",
		Envelopes: []agent.ToolEnvelope{
			{Success: true, AssistantText: "Tell me about the incident."},
		},
	}
	entry := &agentmock.Agent{
		NameVal:  "authentication",
		VoiceVal: tts.VoiceProfile{Name: "ava"},
		Envelopes: []agent.ToolEnvelope{
			{Success: true, Handoff: agent.HandoffAIAgent, TargetAgent: "claims", Topic: "water damage"},
		},
	}
	o := newOrchestrator(t, []agent.Agent{entry, claims})

	mem := session.New("s1")
	path := &recordingPath{}
	res, err := o.HandleTurn(context.Background(), mem, "I want to file a claim", path, true)
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	if res.ActiveAgent != "claims" || mem.ActiveAgent != "claims" {
		t.Errorf("active agent = %q, want claims", res.ActiveAgent)
	}
	if claims.CallCount() != 1 {
		t.Errorf("target responded %d times, want exactly once", claims.CallCount())
	}
	if got := claims.LastCall().Utterance; got != "I want to file a claim" {
		t.Errorf("target got utterance %q", got)
	}
	if !mem.Greeted("claims") {
		t.Error("greeted flag not set")
	}
	if got := mem.ContextString("handoff_topic"); got != "water damage" {
		t.Errorf("handoff_topic = %q", got)
	}
	if got := mem.ContextString(session.CtxVoiceName); got != "andrew" {
		t.Errorf("voice context = %q", got)
	}

	spoken := path.SpokenTexts()
	var greeted bool
	for _, s := range spoken {
		if s == "This is the claims team." {
			greeted = true
		}
	}
	if !greeted {
		t.Errorf("greeting not spoken: %v", spoken)
	}
}

func TestHandoffReentryGreeting(t *testing.T) {
	t.Parallel()

	claims := &agentmock.Agent{
		NameVal:            "claims",
		GreetingVal:        "This is the claims team.",
		ReentryGreetingVal: "Welcome back to claims.",
	}
	entry := &agentmock.Agent{
		NameVal: "authentication",
		Envelopes: []agent.ToolEnvelope{
			{Success: true, Handoff: agent.HandoffAIAgent, TargetAgent: "claims"},
		},
	}
	o := newOrchestrator(t, []agent.Agent{entry, claims})

	mem := session.New("s1")
	mem.SetGreeted("claims")
	path := &recordingPath{}
	if _, err := o.HandleTurn(context.Background(), mem, "back to claims please", path, true); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	var reentered bool
	for _, s := range path.SpokenTexts() {
		if s == "Welcome back to claims." {
			reentered = true
		}
		if s == "This is the claims team." {
			t.Error("first-time greeting used on re-entry")
		}
	}
	if !reentered {
		t.Error("re-entry greeting not spoken")
	}
}

func TestEscalation(t *testing.T) {
	t.Parallel()

	entry := &agentmock.Agent{
		NameVal: "authentication",
		Envelopes: []agent.ToolEnvelope{
			{Success: true, Handoff: agent.HandoffHumanAgent, Reason: "caller asked"},
		},
	}
	o := newOrchestrator(t, []agent.Agent{entry})

	mem := session.New("s1")
	path := &recordingPath{}
	res, err := o.HandleTurn(context.Background(), mem, "give me a human", path, true)
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if !res.Escalated {
		t.Error("Result.Escalated = false")
	}
	if mem.ContextString(session.CtxEscalationRequested) != "true" {
		t.Error("escalation context not set")
	}
	closing := orchestrate.DefaultPhrases().EscalationClosing
	if spoken := path.SpokenTexts(); len(spoken) == 0 || spoken[len(spoken)-1] != closing {
		t.Errorf("closing phrase not spoken: %v", spoken)
	}
}

func TestChainedHandoffIgnored(t *testing.T) {
	t.Parallel()

	billing := &agentmock.Agent{NameVal: "billing"}
	claims := &agentmock.Agent{
		NameVal: "claims",
		Envelopes: []agent.ToolEnvelope{
			{Success: true, Handoff: agent.HandoffAIAgent, TargetAgent: "billing"},
		},
	}
	entry := &agentmock.Agent{
		NameVal: "authentication",
		Envelopes: []agent.ToolEnvelope{
			{Success: true, Handoff: agent.HandoffAIAgent, TargetAgent: "claims"},
		},
	}
	o := newOrchestrator(t, []agent.Agent{entry, claims, billing})

	mem := session.New("s1")
	res, err := o.HandleTurn(context.Background(), mem, "transfer me twice", &recordingPath{}, true)
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.ActiveAgent != "claims" {
		t.Errorf("active agent = %q, want claims", res.ActiveAgent)
	}
	if billing.CallCount() != 0 {
		t.Error("chained handoff target was invoked")
	}
}

func TestChainedEscalationHonored(t *testing.T) {
	t.Parallel()

	claims := &agentmock.Agent{
		NameVal: "claims",
		Envelopes: []agent.ToolEnvelope{
			{Success: true, Handoff: agent.HandoffHumanAgent},
		},
	}
	entry := &agentmock.Agent{
		NameVal: "authentication",
		Envelopes: []agent.ToolEnvelope{
			{Success: true, Handoff: agent.HandoffAIAgent, TargetAgent: "claims"},
		},
	}
	o := newOrchestrator(t, []agent.Agent{entry, claims})

	res, err := o.HandleTurn(context.Background(), session.New("s1"), "complicated", &recordingPath{}, true)
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if !res.Escalated {
		t.Error("escalation from handoff target not honored")
	}
}

func TestUnknownHandoffTargetKeepsAgent(t *testing.T) {
	t.Parallel()

	entry := &agentmock.Agent{
		NameVal: "authentication",
		Envelopes: []agent.ToolEnvelope{
			{Success: true, Handoff: agent.HandoffAIAgent, TargetAgent: "underwriting"},
		},
	}
	o := newOrchestrator(t, []agent.Agent{entry})

	mem := session.New("s1")
	res, err := o.HandleTurn(context.Background(), mem, "send me somewhere", &recordingPath{}, true)
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.ActiveAgent != "authentication" || mem.ActiveAgent != "authentication" {
		t.Errorf("active agent changed on unknown target: %+v", res)
	}
}

func TestFailedEnvelopeSpeaksApology(t *testing.T) {
	t.Parallel()

	entry := &agentmock.Agent{
		NameVal: "authentication",
		Envelopes: []agent.ToolEnvelope{
			{Success: false, Reason: "verification service down"},
		},
	}
	o := newOrchestrator(t, []agent.Agent{entry})

	mem := session.New("s1")
	path := &recordingPath{}
	if _, err := o.HandleTurn(context.Background(), mem, "verify me", path, true); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	apology := orchestrate.DefaultPhrases().Apology
	if spoken := path.SpokenTexts(); len(spoken) == 0 || spoken[len(spoken)-1] != apology {
		t.Errorf("apology not spoken: %v", spoken)
	}
	if mem.ContextString(session.CtxLastError) != "verification service down" {
		t.Error("last_error context not recorded")
	}
}

func TestTurnDeadlineSpeaksTimeout(t *testing.T) {
	t.Parallel()

	entry := &blockingAgent{name: "authentication"}
	o := newOrchestrator(t, []agent.Agent{entry}, orchestrate.WithTurnDeadline(30*time.Millisecond))

	mem := session.New("s1")
	path := &recordingPath{}
	start := time.Now()
	_, err := o.HandleTurn(context.Background(), mem, "slow question", path, true)
	if err != nil {
		t.Fatalf("deadline should not surface as error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("turn did not respect deadline, took %v", elapsed)
	}
	timeout := orchestrate.DefaultPhrases().Timeout
	if spoken := path.SpokenTexts(); len(spoken) == 0 || spoken[len(spoken)-1] != timeout {
		t.Errorf("timeout phrase not spoken: %v", spoken)
	}
}

func TestOuterCancellationIsSilent(t *testing.T) {
	t.Parallel()

	entry := &blockingAgent{name: "authentication"}
	o := newOrchestrator(t, []agent.Agent{entry})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	path := &recordingPath{}
	res, err := o.HandleTurn(ctx, session.New("s1"), "interrupted", path, true)
	if err != nil {
		t.Fatalf("cancellation surfaced as error: %v", err)
	}
	if res.Escalated {
		t.Error("unexpected escalation")
	}
	for _, s := range path.SpokenTexts() {
		if strings.Contains(s, "sorry") {
			t.Errorf("apology spoken on barge-in cancellation: %q", s)
		}
	}
}

func TestRespondErrorSpeaksApologyAndPropagates(t *testing.T) {
	t.Parallel()

	entry := &agentmock.Agent{
		NameVal:    "authentication",
		RespondErr: errTest,
	}
	o := newOrchestrator(t, []agent.Agent{entry})

	path := &recordingPath{}
	_, err := o.HandleTurn(context.Background(), session.New("s1"), "hello", path, true)
	if err == nil {
		t.Fatal("expected error")
	}
	apology := orchestrate.DefaultPhrases().Apology
	if spoken := path.SpokenTexts(); len(spoken) == 0 || spoken[len(spoken)-1] != apology {
		t.Errorf("apology not spoken: %v", spoken)
	}
}

var errTest = errors.New("provider unreachable")
