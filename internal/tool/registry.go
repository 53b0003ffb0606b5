// Package tool provides the in-process tool registry offered to
// conversation specialists. Tools are plain functions taking and returning
// JSON; the registry is populated during startup and frozen before the first
// call is accepted, so lookups on the hot path are lock-free.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Func is one callable tool. args is the JSON-encoded argument object from
// the model; the result is JSON injected back into the conversation.
type Func func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Definition pairs a tool with the schema advertised to the model.
type Definition struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
	Run        Func
}

// Registry maps tool names to implementations.
type Registry struct {
	mu     sync.Mutex
	frozen bool
	tools  map[string]Definition
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Definition{}}
}

// Register adds or replaces a tool. Panics when called after Freeze: tools
// are a startup-time concern and late registration is a programming error.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("tool: Register(%q) after Freeze", def.Name))
	}
	r.tools[def.Name] = def
}

// Freeze locks the registry. After Freeze, reads need no synchronisation.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup returns the tool definition and whether it exists.
func (r *Registry) Lookup(name string) (Definition, bool) {
	if !r.isFrozen() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	def, ok := r.tools[name]
	return def, ok
}

// Definitions returns the advertised schemas for the named tools, skipping
// unknown names.
func (r *Registry) Definitions(names []string) []Definition {
	out := make([]Definition, 0, len(names))
	for _, name := range names {
		if def, ok := r.Lookup(name); ok {
			out = append(out, def)
		}
	}
	return out
}

// Call executes the named tool. Unknown tools return a JSON error object
// rather than a Go error so the model can recover in-conversation.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	def, ok := r.Lookup(name)
	if !ok {
		return json.RawMessage(fmt.Sprintf(`{"error":%q}`, "unknown tool "+name)), nil
	}
	return def.Run(ctx, args)
}

func (r *Registry) isFrozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}
