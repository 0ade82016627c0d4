package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/mtzanidakis/nergal/internal/llm"
)

// ErrAgentNotFound is the step failure for a plan step whose agent is not
// registered.
var ErrAgentNotFound = errors.New("agent not registered")

// StepError describes why one plan step failed.
type StepError struct {
	Index int
	Agent AgentType
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Agent, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// OrchestrationError is returned when the fallback agent itself fails.
// It is the only error Execute returns.
type OrchestrationError struct {
	Reason string
	Err    error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration failed (%s): %v", e.Reason, e.Err)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

// Step statuses reported in StepTrace.
const (
	StepOK       = "ok"
	StepFailed   = "failed"
	StepSkipped  = "skipped"
	StepFallback = "fallback"
)

// StepTrace records the outcome of one executed step.
type StepTrace struct {
	Index    int           `json:"index"`
	Agent    AgentType     `json:"agent"`
	Optional bool          `json:"optional"`
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// StepObserver is told about every step once it finishes.
type StepObserver interface {
	ObserveStep(userID int64, trace StepTrace)
}

// ProcessResult is the final outcome of one turn.
type ProcessResult struct {
	Response         string              `json:"response"`
	AgentType        AgentType           `json:"agent_type"`
	Confidence       float64             `json:"confidence"`
	ProcessingTimeMs int64               `json:"processing_time_ms"`
	Metadata         map[string]any      `json:"metadata,omitempty"`
	TokensUsed       int                 `json:"tokens_used,omitempty"`
	Steps            []StepTrace         `json:"steps,omitempty"`
	Context          *AccumulatedContext `json:"-"`
}

// Turn is the input of one orchestrator run.
type Turn struct {
	Message string
	Memory  Memory
	History []llm.Message
}

// OrchestratorConfig tunes the orchestrator.
type OrchestratorConfig struct {
	// StepTimeout bounds every agent invocation. Zero means no bound
	// beyond the caller's context.
	StepTimeout time.Duration
	// Fallback is the agent run when the plan cannot complete. It also
	// acts as the finalizer whose result is the answer.
	Fallback AgentType
}

// Orchestrator runs execution plans against a registry.
type Orchestrator struct {
	registry  *Registry
	cfg       OrchestratorConfig
	observers []StepObserver
	now       func() time.Time
}

func NewOrchestrator(reg *Registry, cfg OrchestratorConfig, observers ...StepObserver) *Orchestrator {
	if cfg.Fallback == "" {
		cfg.Fallback = AgentDefault
	}
	return &Orchestrator{
		registry:  reg,
		cfg:       cfg,
		observers: observers,
		now:       time.Now,
	}
}

// Execute walks the plan in order. Optional step failures are skipped,
// a required step failure aborts the plan and runs the fallback agent
// with the results gathered so far. The answer is the latest result of
// the finalizer agent; when the plan produced none the fallback runs.
func (o *Orchestrator) Execute(ctx context.Context, turn Turn, plan *ExecutionPlan) (*ProcessResult, error) {
	start := o.now()
	acc := NewAccumulatedContext()
	var traces []StepTrace

	if plan == nil {
		plan = &ExecutionPlan{}
	}
	if len(plan.Steps) == 0 {
		slog.Info("empty plan, running fallback", "user", turn.Memory.UserID)
		return o.fallback(ctx, turn, acc, traces, start, "empty plan")
	}

	for i := range plan.Steps {
		step := plan.Steps[i]
		if step.DependsOn != nil {
			if _, ok := acc.Get(*step.DependsOn); !ok {
				slog.Debug("dependency produced no result, running step anyway",
					"step", i, "agent", step.Agent, "depends_on", *step.DependsOn)
			}
		}

		stepStart := o.now()
		res, err := o.runStep(ctx, i, step, turn, acc)
		trace := StepTrace{
			Index:    i,
			Agent:    step.Agent,
			Optional: step.IsOptional,
			Duration: o.now().Sub(stepStart),
		}

		if err == nil {
			acc.Set(i, res)
			trace.Status = StepOK
			traces = append(traces, trace)
			o.observe(turn.Memory.UserID, trace)
			continue
		}

		trace.Error = err.Error()
		if step.IsOptional {
			trace.Status = StepSkipped
			traces = append(traces, trace)
			o.observe(turn.Memory.UserID, trace)
			slog.Warn("optional step failed, continuing", "step", i, "agent", step.Agent, "error", err)
			continue
		}

		trace.Status = StepFailed
		traces = append(traces, trace)
		o.observe(turn.Memory.UserID, trace)
		slog.Warn("required step failed, running fallback", "step", i, "agent", step.Agent, "error", err)
		return o.fallback(ctx, turn, acc, traces, start, fmt.Sprintf("step %d (%s) failed", i, step.Agent))
	}

	final, ok := acc.ByAgent(o.cfg.Fallback)
	if !ok {
		return o.fallback(ctx, turn, acc, traces, start, "no final answer")
	}
	return o.result(final, acc, traces, start, nil), nil
}

func (o *Orchestrator) fallback(ctx context.Context, turn Turn, acc *AccumulatedContext, traces []StepTrace, start time.Time, reason string) (*ProcessResult, error) {
	agent, ok := o.registry.Get(o.cfg.Fallback)
	if !ok {
		return nil, &OrchestrationError{Reason: reason, Err: fmt.Errorf("%w: %s", ErrAgentNotFound, o.cfg.Fallback)}
	}

	stepStart := o.now()
	c := &Context{Memory: turn.Memory, Results: acc, Original: turn.Message}
	res, err := o.invoke(ctx, agent, turn.Message, c, turn.History)
	trace := StepTrace{
		Index:    len(traces),
		Agent:    o.cfg.Fallback,
		Status:   StepFallback,
		Duration: o.now().Sub(stepStart),
	}
	if err != nil {
		trace.Error = err.Error()
		o.observe(turn.Memory.UserID, trace)
		slog.Error("fallback agent failed", "reason", reason, "error", err)
		return nil, &OrchestrationError{Reason: reason, Err: err}
	}
	traces = append(traces, trace)
	o.observe(turn.Memory.UserID, trace)

	return o.result(res, acc, traces, start, map[string]any{
		"fallback":        true,
		"fallback_reason": reason,
	}), nil
}

func (o *Orchestrator) runStep(ctx context.Context, i int, step PlanStep, turn Turn, acc *AccumulatedContext) (*AgentResult, error) {
	agent, ok := o.registry.Get(step.Agent)
	if !ok {
		return nil, &StepError{Index: i, Agent: step.Agent, Err: ErrAgentNotFound}
	}
	c := &Context{Memory: turn.Memory, Results: acc, Step: &step, Original: turn.Message}
	msg := stepInput(step, turn.Message, acc)

	slog.Debug("executing step", "step", i, "agent", step.Agent, "optional", step.IsOptional)
	res, err := o.invoke(ctx, agent, msg, c, turn.History)
	if err != nil {
		return nil, &StepError{Index: i, Agent: step.Agent, Err: err}
	}
	return res, nil
}

// invoke runs one agent call under the step timeout. A panic or a
// timeout is reported as an error.
func (o *Orchestrator) invoke(ctx context.Context, agent Agent, msg string, c *Context, history []llm.Message) (*AgentResult, error) {
	if o.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.StepTimeout)
		defer cancel()
	}

	type outcome struct {
		res *AgentResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("agent panicked", "agent", agent.Type(), "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("agent panic: %v", r)}
			}
		}()
		res, err := agent.Process(ctx, msg, c, history)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		if out.res == nil {
			return nil, fmt.Errorf("agent %s returned no result", agent.Type())
		}
		if out.res.AgentType == "" {
			out.res.AgentType = agent.Type()
		}
		return out.res, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("agent %s: %w", agent.Type(), ctx.Err())
	}
}

func (o *Orchestrator) result(final *AgentResult, acc *AccumulatedContext, traces []StepTrace, start time.Time, extra map[string]any) *ProcessResult {
	meta := make(map[string]any, len(final.Metadata)+len(extra)+1)
	for k, v := range final.Metadata {
		meta[k] = v
	}
	for k, v := range extra {
		meta[k] = v
	}
	executed := make([]AgentType, 0, acc.Len())
	for _, r := range acc.Results() {
		executed = append(executed, r.AgentType)
	}
	if _, ok := extra["fallback"]; ok {
		executed = append(executed, final.AgentType)
	}
	meta["executed_agents"] = executed

	return &ProcessResult{
		Response:         final.Response,
		AgentType:        final.AgentType,
		Confidence:       Clamp(final.Confidence),
		ProcessingTimeMs: o.now().Sub(start).Milliseconds(),
		Metadata:         meta,
		TokensUsed:       acc.TokensUsed() + fallbackTokens(final, extra),
		Steps:            traces,
		Context:          acc,
	}
}

func fallbackTokens(final *AgentResult, extra map[string]any) int {
	if _, ok := extra["fallback"]; ok {
		return final.TokensUsed
	}
	return 0
}

func (o *Orchestrator) observe(userID int64, t StepTrace) {
	for _, obs := range o.observers {
		obs.ObserveStep(userID, t)
	}
}

// stepInput derives the message passed to a step from its input transform.
func stepInput(step PlanStep, original string, acc *AccumulatedContext) string {
	switch step.InputTransform {
	case "", InputOriginal:
		return original
	case InputPrevious:
		if last, ok := acc.Last(); ok && last.Response != "" {
			return last.Response
		}
		return original
	default:
		return step.InputTransform + "\n\n" + original
	}
}
