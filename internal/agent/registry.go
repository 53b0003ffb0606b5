package agent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

// resolveMaxDistance caps the edit distance Resolve accepts for a phonetic
// candidate. Anything farther is treated as unknown rather than guessed.
const resolveMaxDistance = 3

// Registry maps specialist names to agents and tracks which one answers
// first. It is populated during startup, configured once, then frozen;
// lookups on the hot path need no synchronisation after Freeze.
type Registry struct {
	mu     sync.Mutex
	frozen bool

	agents      map[string]Agent
	entry       string
	specialists []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: map[string]Agent{}}
}

// Register adds or replaces the agent under its own name. Registering the
// same name twice overwrites silently, so wiring code stays idempotent.
// Panics when called after Freeze.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("agent: Register(%q) after Freeze", a.Name()))
	}
	r.agents[a.Name()] = a
}

// Configure sets the entry agent and the ordered specialist list. An empty
// entry falls back to the first specialist. Configure validates that every
// named agent is registered. Panics when called after Freeze.
func (r *Registry) Configure(entry string, specialists []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("agent: Configure after Freeze")
	}

	if entry == "" && len(specialists) > 0 {
		entry = specialists[0]
	}
	if _, ok := r.agents[entry]; !ok {
		return fmt.Errorf("agent: entry agent %q is not registered", entry)
	}
	for _, name := range specialists {
		if _, ok := r.agents[name]; !ok {
			return fmt.Errorf("agent: specialist %q is not registered", name)
		}
	}

	r.entry = entry
	r.specialists = append([]string(nil), specialists...)
	return nil
}

// Freeze locks the registry. After Freeze, reads need no synchronisation.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup returns the agent registered under exactly name.
func (r *Registry) Lookup(name string) (Agent, bool) {
	if !r.isFrozen() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	a, ok := r.agents[name]
	return a, ok
}

// Entry returns the configured entry agent.
func (r *Registry) Entry() Agent {
	if !r.isFrozen() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return r.agents[r.entry]
}

// Specialists returns the ordered specialist names. The returned slice must
// not be mutated by the caller.
func (r *Registry) Specialists() []string {
	if !r.isFrozen() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return r.specialists
}

// Resolve maps a possibly misspelled name to a registered agent. Handoff
// targets come out of model tool calls, where names drift ("clames" for
// "claims"), so Resolve tries exact match, then case-insensitive match, then
// a phonetic match: shared Double Metaphone code plus an edit distance within
// resolveMaxDistance. Beyond that bound the name stays unresolved.
func (r *Registry) Resolve(name string) (Agent, bool) {
	if a, ok := r.Lookup(name); ok {
		return a, true
	}

	if !r.isFrozen() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}

	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return nil, false
	}
	for registered, a := range r.agents {
		if strings.ToLower(registered) == lower {
			return a, true
		}
	}

	inPrimary, inSecondary := matchr.DoubleMetaphone(lower)
	var (
		best     Agent
		bestDist = resolveMaxDistance + 1
	)
	for registered, a := range r.agents {
		regLower := strings.ToLower(registered)
		regPrimary, regSecondary := matchr.DoubleMetaphone(regLower)
		if !codesOverlap(inPrimary, inSecondary, regPrimary, regSecondary) {
			continue
		}
		if d := matchr.Levenshtein(lower, regLower); d < bestDist {
			best, bestDist = a, d
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

func codesOverlap(aPrimary, aSecondary, bPrimary, bSecondary string) bool {
	for _, a := range []string{aPrimary, aSecondary} {
		if a == "" {
			continue
		}
		if a == bPrimary || (bSecondary != "" && a == bSecondary) {
			return true
		}
	}
	return false
}

func (r *Registry) isFrozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}
