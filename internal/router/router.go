// Package router resolves explicit agent addressing: a message starting
// with "@<agent>" bypasses planning and is answered by that agent.
package router

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/nergal/internal/dialog"
)

// Lookup is the part of the registry the router needs.
type Lookup interface {
	Get(t dialog.AgentType) (dialog.Agent, bool)
}

type Router struct {
	registry Lookup
}

func New(reg Lookup) *Router {
	return &Router{registry: reg}
}

// Route reports the agent a message addresses and the message without its
// prefix. ok is false for unaddressed messages and unknown agent names,
// which are left to the planner.
func (r *Router) Route(message string) (agent dialog.AgentType, cleaned string, ok bool) {
	message = strings.TrimSpace(message)
	if !strings.HasPrefix(message, "@") {
		return "", message, false
	}

	parts := strings.SplitN(message, " ", 2)
	t := dialog.NormalizeAgentType(strings.TrimPrefix(parts[0], "@"))
	if t == "" || t == dialog.AgentDispatcher {
		return "", message, false
	}
	if _, found := r.registry.Get(t); !found {
		// Unknown name, possibly a Telegram mention; fall through to planning
		slog.Debug("unknown agent prefix", "agent", t)
		return "", message, false
	}

	if len(parts) > 1 {
		cleaned = strings.TrimSpace(parts[1])
	}
	return t, cleaned, true
}

// Plan builds the plan for an addressed message. The addressed agent is
// required; non-default agents are followed by the default agent, which
// writes the final answer from their output.
func (r *Router) Plan(agent dialog.AgentType) *dialog.ExecutionPlan {
	reasoning := fmt.Sprintf("explicitly addressed @%s", agent)
	if agent == dialog.AgentDefault {
		return dialog.SingleStepPlan(agent, reasoning)
	}
	return &dialog.ExecutionPlan{
		Steps: []dialog.PlanStep{
			{Agent: agent, Description: agent.Description()},
			{Agent: dialog.AgentDefault, Description: "final answer"},
		},
		Reasoning: reasoning,
	}
}
