// Package llm defines the Provider interface for Large Language Model
// backends used by conversation specialists.
//
// A provider wraps a remote or local model API and exposes a uniform
// completion interface so that agents never couple to a specific SDK.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion are closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// Message is one entry of the conversation sent to the model. Role is
// "system", "user", "assistant" or "tool".
type Message struct {
	Role    string
	Content string

	// Name optionally identifies the speaker (the active agent for assistant
	// messages).
	Name string

	// ToolCalls carries tool invocations on assistant messages.
	ToolCalls []ToolCall

	// ToolCallID links a "tool" role message to the call it answers.
	ToolCallID string
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON-encoded
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs for one turn.
// Messages must be non-empty.
type CompletionRequest struct {
	Messages     []Message
	Tools        []ToolDefinition
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// Chunk is a single fragment of a streaming completion. A chunk may carry
// text, tool calls, a finish signal, or any combination.
type Chunk struct {
	// Text is the incremental text content.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", "tool_calls",
	// or "error" for mid-stream failures (Text then holds the message).
	FinishReason string

	// ToolCalls contains fully accumulated tool invocations, emitted with the
	// final chunk.
	ToolCalls []ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req and returns a channel emitting Chunk values
	// as they arrive. The channel is closed when generation finishes or ctx
	// is cancelled; callers must drain it. Errors after the stream starts are
	// surfaced as a Chunk with FinishReason "error". The returned channel is
	// never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
