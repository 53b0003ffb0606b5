// Package mock provides a scripted llm.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callyx/pkg/llm"
)

// Response scripts one completion: the chunks emitted by StreamCompletion, or
// the error returned instead.
type Response struct {
	Chunks []llm.Chunk
	Err    error
}

// Provider is a mock implementation of llm.Provider. Responses are consumed
// in order; when exhausted, an empty "stop" completion is returned.
type Provider struct {
	mu sync.Mutex

	// Responses is the script, one entry per request.
	Responses []Response

	// Requests records every request, streaming or not.
	Requests []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) next(req llm.CompletionRequest) Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if len(p.Responses) == 0 {
		return Response{Chunks: []llm.Chunk{{FinishReason: "stop"}}}
	}
	r := p.Responses[0]
	p.Responses = p.Responses[1:]
	return r
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	r := p.next(req)
	if r.Err != nil {
		return nil, r.Err
	}

	ch := make(chan llm.Chunk, len(r.Chunks))
	go func() {
		defer close(ch)
		for _, c := range r.Chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider by collapsing the scripted chunks.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	r := p.next(req)
	if r.Err != nil {
		return nil, r.Err
	}
	resp := &llm.CompletionResponse{}
	for _, c := range r.Chunks {
		resp.Content += c.Text
		resp.ToolCalls = append(resp.ToolCalls, c.ToolCalls...)
	}
	return resp, nil
}

// RequestCount returns the number of requests served. Thread-safe.
func (p *Provider) RequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

// LastRequest returns the most recent request, or a zero value.
func (p *Provider) LastRequest() llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Requests) == 0 {
		return llm.CompletionRequest{}
	}
	return p.Requests[len(p.Requests)-1]
}
