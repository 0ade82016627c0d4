package dialog

// AccumulatedContext collects the results of one turn's steps, keyed by
// step index. It belongs to a single orchestrator run and is not safe for
// concurrent writers.
type AccumulatedContext struct {
	results map[int]*AgentResult
	order   []int
}

func NewAccumulatedContext() *AccumulatedContext {
	return &AccumulatedContext{results: make(map[int]*AgentResult)}
}

// Set records the result of step i.
func (a *AccumulatedContext) Set(i int, r *AgentResult) {
	if _, ok := a.results[i]; !ok {
		a.order = append(a.order, i)
	}
	a.results[i] = r
}

// Get returns the result of step i.
func (a *AccumulatedContext) Get(i int) (*AgentResult, bool) {
	r, ok := a.results[i]
	return r, ok
}

func (a *AccumulatedContext) Len() int { return len(a.order) }

// Indexes returns the step indexes that produced a result, in the order
// they were recorded.
func (a *AccumulatedContext) Indexes() []int {
	return append([]int(nil), a.order...)
}

// Results returns the recorded results in execution order.
func (a *AccumulatedContext) Results() []*AgentResult {
	out := make([]*AgentResult, 0, len(a.order))
	for _, i := range a.order {
		out = append(out, a.results[i])
	}
	return out
}

// Last returns the most recently recorded result.
func (a *AccumulatedContext) Last() (*AgentResult, bool) {
	if len(a.order) == 0 {
		return nil, false
	}
	return a.results[a.order[len(a.order)-1]], true
}

// ByAgent returns the latest result produced by agent t.
func (a *AccumulatedContext) ByAgent(t AgentType) (*AgentResult, bool) {
	for k := len(a.order) - 1; k >= 0; k-- {
		if r := a.results[a.order[k]]; r.AgentType == t {
			return r, true
		}
	}
	return nil, false
}

// Value searches result metadata for key, newest result first.
func (a *AccumulatedContext) Value(key string) (any, bool) {
	for k := len(a.order) - 1; k >= 0; k-- {
		if v, ok := a.results[a.order[k]].Metadata[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// TokensUsed sums the tokens reported by all recorded results.
func (a *AccumulatedContext) TokensUsed() int {
	n := 0
	for _, r := range a.results {
		n += r.TokensUsed
	}
	return n
}
