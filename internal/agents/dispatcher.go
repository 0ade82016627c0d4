package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/nergal/internal/dialog"
	"github.com/mtzanidakis/nergal/internal/llm"
)

const (
	planMaxTokens      = 500
	planRecentMessages = 3
	planMessageMax     = 100
)

const planInstructions = `You plan how a team of agents answers a user message.
Reply with a single JSON object and nothing else:
{
  "steps": [
    {"agent": "<agent>", "description": "<what the step does>", "input_transform": "original", "is_optional": false, "depends_on": null}
  ],
  "reasoning": "<why these steps>",
  "missing_agents": [],
  "missing_agents_reason": {}
}

Rules:
- Use only the agents listed below. The last step must be "default", which writes the answer.
- "input_transform" is "original" (the user message), "previous" (the output of the previous step) or a short instruction for the agent.
- Mark steps the answer can do without as "is_optional": true.
- "depends_on" is the index of an earlier step whose output the step needs, or null.
- If an agent that would help is not listed, name it in "missing_agents" with a reason.

Examples:
Greeting: {"steps":[{"agent":"default","description":"greet the user"}],"reasoning":"small talk"}
Current events: {"steps":[{"agent":"web_search","description":"find current information"},{"agent":"fact_check","description":"verify the findings","is_optional":true,"depends_on":0},{"agent":"default","description":"answer from the findings"}],"reasoning":"needs fresh data"}`

// Dispatcher asks the model for an execution plan over the agents that
// are registered.
type Dispatcher struct {
	base
	registry *dialog.Registry
}

func NewDispatcher(p llm.Provider, reg *dialog.Registry) *Dispatcher {
	return &Dispatcher{base: base{kind: dialog.AgentDispatcher, llm: p}, registry: reg}
}

// CreatePlan returns the plan for message. Agents the model reports as
// missing but that are registered are dropped from MissingAgents.
func (d *Dispatcher) CreatePlan(ctx context.Context, message string, mem dialog.Memory) (*dialog.ExecutionPlan, error) {
	available := d.registry.ListAvailable(dialog.AgentDispatcher)

	msgs := []llm.Message{llm.System(d.prompt(available, mem))}
	msgs = append(msgs, llm.User(message))

	resp, err := d.generate(ctx, msgs, llm.WithMaxTokens(planMaxTokens), llm.WithTemperature(0))
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}

	plan, err := dialog.ParsePlan(resp.Content)
	if err != nil {
		slog.Warn("planner returned an unusable plan", "error", err, "content", truncate(resp.Content, 200))
		return nil, err
	}
	d.pruneMissing(plan)

	slog.Debug("plan created", "agents", plan.AgentTypes(), "reasoning", plan.Reasoning)
	return plan, nil
}

// CanHandle is zero: the dispatcher is never a step of its own plans.
func (d *Dispatcher) CanHandle(ctx context.Context, message string, c *dialog.Context) float64 {
	return 0
}

// Process plans the message and reports the plan as text.
func (d *Dispatcher) Process(ctx context.Context, message string, c *dialog.Context, history []llm.Message) (*dialog.AgentResult, error) {
	var mem dialog.Memory
	if c != nil {
		mem = c.Memory
	}
	plan, err := d.CreatePlan(ctx, message, mem)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	for i, s := range plan.Steps {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, s.Agent, s.Description)
	}
	return &dialog.AgentResult{
		Response:   strings.TrimSpace(b.String()),
		AgentType:  d.kind,
		Confidence: 1,
		Metadata:   map[string]any{"plan": plan},
	}, nil
}

func (d *Dispatcher) prompt(available []dialog.AgentType, mem dialog.Memory) string {
	var b strings.Builder
	b.WriteString(planInstructions)
	b.WriteString("\n\nAvailable agents:\n")
	for _, t := range available {
		fmt.Fprintf(&b, "- %s: %s\n", t, t.Description())
	}
	if mem.ProfileSummary != "" {
		b.WriteString("\nAbout the user:\n")
		b.WriteString(mem.ProfileSummary)
		b.WriteString("\n")
	}
	recent := mem.RecentMessages
	if len(recent) > planRecentMessages {
		recent = recent[len(recent)-planRecentMessages:]
	}
	if len(recent) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, truncate(m.Content, planMessageMax))
		}
	}
	return b.String()
}

func (d *Dispatcher) pruneMissing(plan *dialog.ExecutionPlan) {
	if len(plan.MissingAgents) == 0 {
		return
	}
	kept := plan.MissingAgents[:0]
	for _, t := range plan.MissingAgents {
		if _, ok := d.registry.Get(t); ok {
			delete(plan.MissingAgentsReason, t)
			continue
		}
		kept = append(kept, t)
	}
	plan.MissingAgents = kept
	if len(kept) > 0 {
		slog.Info("planner reports missing agents", "agents", kept, "reasons", plan.MissingAgentsReason)
	}
}
