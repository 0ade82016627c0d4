package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Registry holds the enabled agents keyed by type. Registration happens
// during startup; lookups afterwards may run concurrently.
type Registry struct {
	agents map[AgentType]Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[AgentType]Agent)}
}

// Register adds a under its type. A second registration for the same type
// replaces the first, which is how agents are reconfigured.
func (r *Registry) Register(a Agent) {
	if _, ok := r.agents[a.Type()]; ok {
		slog.Info("replacing registered agent", "agent", a.Type())
	}
	r.agents[a.Type()] = a
}

// RegisterOnce adds a unless its type is already taken.
func (r *Registry) RegisterOnce(a Agent) error {
	if _, ok := r.agents[a.Type()]; ok {
		return fmt.Errorf("agent %q already registered", a.Type())
	}
	r.agents[a.Type()] = a
	return nil
}

// Get returns the agent registered for t.
func (r *Registry) Get(t AgentType) (Agent, bool) {
	a, ok := r.agents[t]
	return a, ok
}

// Types returns all registered types, sorted.
func (r *Registry) Types() []AgentType {
	out := make([]AgentType, 0, len(r.agents))
	for t := range r.agents {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ListAvailable returns the registered types except exclude, sorted, with
// AgentDefault first. AgentDefault is listed even when nothing is
// registered under it so a plan can always end with a default step; the
// orchestrator reports a missing default agent when it tries to run it.
func (r *Registry) ListAvailable(exclude AgentType) []AgentType {
	out := []AgentType{AgentDefault}
	for _, t := range r.Types() {
		if t == exclude || t == AgentDefault {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Best returns the registered agent with the highest CanHandle score for
// message, ignoring exclude. Ties keep the earlier type in sort order.
// It returns nil when no other agent is registered.
func (r *Registry) Best(ctx context.Context, message string, c *Context, exclude AgentType) (Agent, float64) {
	var best Agent
	score := 0.0
	for _, t := range r.Types() {
		if t == exclude {
			continue
		}
		a := r.agents[t]
		if s := a.CanHandle(ctx, message, c); best == nil || s > score {
			best, score = a, s
		}
	}
	return best, score
}
