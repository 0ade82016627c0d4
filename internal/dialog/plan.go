package dialog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrInvalidPlan is returned when a planner payload cannot be turned into
// an ExecutionPlan.
var ErrInvalidPlan = errors.New("invalid execution plan")

// Input transforms understood by the orchestrator. Any other non-empty
// value is treated as an instruction prepended to the original message.
const (
	InputOriginal = "original"
	InputPrevious = "previous"
)

// PlanStep is one agent invocation in a plan.
type PlanStep struct {
	Agent          AgentType `json:"agent"`
	Description    string    `json:"description,omitempty"`
	InputTransform string    `json:"input_transform,omitempty"`
	IsOptional     bool      `json:"is_optional,omitempty"`
	// DependsOn is the index of an earlier step, or nil.
	DependsOn *int `json:"depends_on,omitempty"`
}

// ExecutionPlan is created once per user turn and consumed once.
type ExecutionPlan struct {
	Steps               []PlanStep           `json:"steps"`
	Reasoning           string               `json:"reasoning,omitempty"`
	MissingAgents       []AgentType          `json:"missing_agents,omitempty"`
	MissingAgentsReason map[AgentType]string `json:"missing_agents_reason,omitempty"`
}

// SingleStepPlan returns a plan with one required step.
func SingleStepPlan(t AgentType, reasoning string) *ExecutionPlan {
	return &ExecutionPlan{
		Steps:     []PlanStep{{Agent: t, Description: string(t)}},
		Reasoning: reasoning,
	}
}

// AgentTypes lists the agents of the plan in step order.
func (p *ExecutionPlan) AgentTypes() []AgentType {
	out := make([]AgentType, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Agent
	}
	return out
}

// Validate checks the structural invariants of the plan.
func (p *ExecutionPlan) Validate() error {
	for i, s := range p.Steps {
		if s.Agent == "" {
			return fmt.Errorf("%w: step %d has no agent", ErrInvalidPlan, i)
		}
		if s.DependsOn != nil && (*s.DependsOn < 0 || *s.DependsOn >= i) {
			return fmt.Errorf("%w: step %d depends on %d, which is not an earlier step", ErrInvalidPlan, i, *s.DependsOn)
		}
	}
	return nil
}

type rawStep struct {
	Agent          *string         `json:"agent"`
	Description    string          `json:"description"`
	InputTransform *string         `json:"input_transform"`
	IsOptional     bool            `json:"is_optional"`
	DependsOn      json.RawMessage `json:"depends_on"`
}

type rawPlan struct {
	Steps               *[]rawStep        `json:"steps"`
	Reasoning           string            `json:"reasoning"`
	MissingAgents       []string          `json:"missing_agents"`
	MissingAgentsReason map[string]string `json:"missing_agents_reason"`
}

// ParsePlan decodes a planner payload. The text may carry prose around the
// JSON object; everything between the first '{' and the last '}' is used.
// Unknown fields, a missing steps list and malformed steps are rejected. Agent names are normalized but not checked against the
// registry: unknown agents fail when the step runs.
func ParsePlan(text string) (*ExecutionPlan, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object found", ErrInvalidPlan)
	}

	var raw rawPlan
	dec := json.NewDecoder(bytes.NewReader([]byte(text[start : end+1])))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after plan object", ErrInvalidPlan)
	}
	if raw.Steps == nil {
		return nil, fmt.Errorf("%w: steps missing", ErrInvalidPlan)
	}

	plan := &ExecutionPlan{
		Steps:     make([]PlanStep, 0, len(*raw.Steps)),
		Reasoning: raw.Reasoning,
	}
	for i, rs := range *raw.Steps {
		if rs.Agent == nil || strings.TrimSpace(*rs.Agent) == "" {
			return nil, fmt.Errorf("%w: step %d has no agent", ErrInvalidPlan, i)
		}
		step := PlanStep{
			Agent:       NormalizeAgentType(*rs.Agent),
			Description: rs.Description,
			IsOptional:  rs.IsOptional,
		}
		if rs.InputTransform != nil {
			step.InputTransform = strings.TrimSpace(*rs.InputTransform)
		}
		dep, err := parseDependsOn(rs.DependsOn)
		if err != nil {
			return nil, fmt.Errorf("%w: step %d: %v", ErrInvalidPlan, i, err)
		}
		step.DependsOn = dep
		plan.Steps = append(plan.Steps, step)
	}

	for _, m := range raw.MissingAgents {
		plan.MissingAgents = append(plan.MissingAgents, NormalizeAgentType(m))
	}
	if len(raw.MissingAgentsReason) > 0 {
		plan.MissingAgentsReason = make(map[AgentType]string, len(raw.MissingAgentsReason))
		for k, v := range raw.MissingAgentsReason {
			plan.MissingAgentsReason[NormalizeAgentType(k)] = v
		}
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func parseDependsOn(raw json.RawMessage) (*int, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("depends_on must be an integer")
	}
	v, err := n.Int64()
	if err != nil {
		return nil, fmt.Errorf("depends_on must be an integer")
	}
	i := int(v)
	return &i, nil
}
