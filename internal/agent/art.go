package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/MrWong99/callyx/internal/tool"
	"github.com/MrWong99/callyx/pkg/llm"
	"github.com/MrWong99/callyx/pkg/session"
	"github.com/MrWong99/callyx/pkg/speech/tts"
)

// maxToolRounds bounds how many completion → tool-execution cycles one turn
// may take before the agent gives up and returns what it has.
const maxToolRounds = 4

// ARTAgent is an LLM-backed specialist: it answers caller turns by streaming
// a completion, executing requested tools through the tool registry, and
// forwarding reply sentences into the sink as they complete so synthesis
// starts before the model finishes.
type ARTAgent struct {
	spec         Spec
	systemPrompt string
	provider     llm.Provider
	tools        *tool.Registry
	logger       *slog.Logger
}

var _ Agent = (*ARTAgent)(nil)

// ARTOption is a functional option for [NewART].
type ARTOption func(*ARTAgent)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) ARTOption {
	return func(a *ARTAgent) { a.logger = l }
}

// NewART builds a specialist from its spec. The system prompt is read from
// spec.Prompts.Path; an empty path yields a minimal built-in prompt.
func NewART(spec Spec, provider llm.Provider, tools *tool.Registry, opts ...ARTOption) (*ARTAgent, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("agent: spec has no name")
	}
	if provider == nil {
		return nil, fmt.Errorf("agent: %s: provider must not be nil", spec.Name)
	}

	prompt := fmt.Sprintf("You are %s, a voice assistant specialist.", spec.Name)
	if spec.Prompts.Path != "" {
		data, err := os.ReadFile(spec.Prompts.Path)
		if err != nil {
			return nil, fmt.Errorf("agent: %s: read prompt: %w", spec.Name, err)
		}
		prompt = strings.TrimSpace(string(data))
	}

	a := &ARTAgent{
		spec:         spec,
		systemPrompt: prompt,
		provider:     provider,
		tools:        tools,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.With("agent", spec.Name)
	return a, nil
}

// Name implements Agent.
func (a *ARTAgent) Name() string { return a.spec.Name }

// Voice implements Agent.
func (a *ARTAgent) Voice() tts.VoiceProfile { return a.spec.Profile() }

// Greeting implements Agent.
func (a *ARTAgent) Greeting(reentry bool) string {
	if reentry && a.spec.ReentryGreeting != "" {
		return a.spec.ReentryGreeting
	}
	if a.spec.Greeting != "" {
		return a.spec.Greeting
	}
	return fmt.Sprintf("You're through to %s. How can I help?", a.spec.Name)
}

// Respond implements Agent.
//
// The reply streams sentence-by-sentence into sink while the completion is
// still running. Tool calls are executed between rounds; a tool result that
// parses as a control envelope (handoff, escalation) ends the turn and is
// returned to the orchestrator, with escalation winning over a simultaneous
// specialist handoff.
func (a *ARTAgent) Respond(ctx context.Context, mem *session.CoreMemory, utterance string, sink Sink, providerCall bool) (ToolEnvelope, error) {
	messages := a.buildMessages(mem, utterance)

	textCh := make(chan string, 16)
	speakDone := make(chan error, 1)
	go func() { speakDone <- sink.Speak(ctx, textCh) }()

	var (
		reply   strings.Builder
		control *ToolEnvelope
	)

	for round := 0; round < maxToolRounds; round++ {
		req := llm.CompletionRequest{
			Messages:     messages,
			SystemPrompt: a.systemPrompt + a.promptSuffix(mem, providerCall),
			Temperature:  a.spec.Model.Temperature,
			MaxTokens:    a.spec.Model.MaxTokens,
		}
		for _, def := range a.tools.Definitions(a.spec.Tools) {
			req.Tools = append(req.Tools, llm.ToolDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			})
		}

		ch, err := a.provider.StreamCompletion(ctx, req)
		if err != nil {
			close(textCh)
			<-speakDone
			return ToolEnvelope{}, fmt.Errorf("agent: %s: completion: %w", a.spec.Name, err)
		}

		text, toolCalls, err := a.forward(ctx, ch, textCh)
		if err != nil {
			close(textCh)
			<-speakDone
			return ToolEnvelope{}, fmt.Errorf("agent: %s: %w", a.spec.Name, err)
		}
		if text != "" {
			if reply.Len() > 0 {
				reply.WriteString(" ")
			}
			reply.WriteString(strings.TrimSpace(text))
		}
		if len(toolCalls) == 0 {
			break
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   text,
			ToolCalls: toolCalls,
		})
		for _, tc := range toolCalls {
			out, err := a.tools.Call(ctx, tc.Name, json.RawMessage(tc.Arguments))
			if err != nil {
				a.logger.Error("tool call failed", "tool", tc.Name, "error", err)
				out = json.RawMessage(fmt.Sprintf(`{"error":%q}`, err.Error()))
			}
			if env, ok := ParseEnvelope(out); ok && env.Handoff != "" {
				// Escalation wins over a simultaneous specialist handoff.
				if control == nil || env.Handoff == HandoffHumanAgent {
					control = &env
				}
				continue
			}
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    string(out),
				ToolCallID: tc.ID,
			})
		}
		if control != nil {
			break
		}
	}

	close(textCh)
	if err := <-speakDone; err != nil && ctx.Err() == nil {
		return ToolEnvelope{}, fmt.Errorf("agent: %s: speak: %w", a.spec.Name, err)
	}

	env := ToolEnvelope{Success: true}
	if control != nil {
		env = *control
	}
	env.AssistantText = reply.String()
	return env, nil
}

// buildMessages converts session history plus the live utterance into the
// model message list. Entries from other specialists stay in the transcript
// so a handoff target sees what was already said.
func (a *ARTAgent) buildMessages(mem *session.CoreMemory, utterance string) []llm.Message {
	messages := make([]llm.Message, 0, len(mem.History)+1)
	for _, h := range mem.History {
		switch h.Role {
		case "user":
			messages = append(messages, llm.Message{Role: "user", Content: h.Content})
		case "assistant":
			messages = append(messages, llm.Message{Role: "assistant", Content: h.Content, Name: h.Agent})
		}
	}
	messages = append(messages, llm.Message{Role: "user", Content: utterance})
	return messages
}

// promptSuffix appends turn context the static prompt file cannot know.
func (a *ARTAgent) promptSuffix(mem *session.CoreMemory, providerCall bool) string {
	var b strings.Builder
	if name := mem.ContextString(session.CtxCallerName); name != "" {
		fmt.Fprintf(&b, "\n\nThe caller's name is %s.", name)
	}
	if topic := mem.ContextString("handoff_topic"); topic != "" {
		fmt.Fprintf(&b, "\nThe caller was transferred to you about: %s.", topic)
	}
	if providerCall {
		b.WriteString("\nThis is a live phone call. Keep replies short and speakable; never use markup or lists.")
	} else {
		b.WriteString("\nThis is a voice conversation. Keep replies short and speakable; never use markup or lists.")
	}
	return b.String()
}

// forward reads completion chunks, flushes complete sentences to textCh
// eagerly so synthesis starts early, and returns the full reply text plus
// any accumulated tool calls. Remaining partial text is flushed when the
// stream ends.
func (a *ARTAgent) forward(ctx context.Context, ch <-chan llm.Chunk, textCh chan<- string) (string, []llm.ToolCall, error) {
	var (
		buf       strings.Builder
		full      strings.Builder
		toolCalls []llm.ToolCall
	)

	flush := func(text string) bool {
		if text == "" {
			return true
		}
		select {
		case textCh <- text:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return full.String(), toolCalls, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				flush(strings.TrimSpace(buf.String()))
				return full.String(), toolCalls, nil
			}
			if chunk.FinishReason == "error" {
				return full.String(), toolCalls, fmt.Errorf("completion stream: %s", chunk.Text)
			}

			if chunk.Text != "" {
				buf.WriteString(chunk.Text)
				full.WriteString(chunk.Text)
			}
			toolCalls = append(toolCalls, chunk.ToolCalls...)

			for {
				idx := firstSentenceBoundary(buf.String())
				if idx < 0 {
					break
				}
				sentence := buf.String()[:idx+1]
				rest := strings.TrimLeft(buf.String()[idx+1:], " \t\n\r")
				buf.Reset()
				buf.WriteString(rest)
				if !flush(sentence) {
					return full.String(), toolCalls, ctx.Err()
				}
			}

			if chunk.FinishReason != "" {
				flush(strings.TrimSpace(buf.String()))
				return full.String(), toolCalls, nil
			}
		}
	}
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?' that
// is immediately followed by whitespace, or -1 when no boundary exists.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
