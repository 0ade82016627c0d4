package agents

import (
	"log/slog"

	"github.com/mtzanidakis/nergal/internal/dialog"
	"github.com/mtzanidakis/nergal/internal/llm"
	"github.com/mtzanidakis/nergal/internal/websearch"
)

// Deps are the collaborators agents are built from. Search, Secrets and
// Todoist may be nil, which leaves the agents needing them out.
type Deps struct {
	LLM        llm.Provider
	Search     websearch.Provider
	MaxResults int
	Secrets    SecretSource
	Todoist    ClientFactory
}

// Register builds the agents allowed by enabled and adds them to reg.
// The default agent is always registered. The dispatcher is returned for
// use as planner.
func Register(reg *dialog.Registry, d Deps, enabled func(dialog.AgentType) bool) *Dispatcher {
	reg.Register(NewDefault(d.LLM))
	dispatcher := NewDispatcher(d.LLM, reg)
	reg.Register(dispatcher)

	if d.Search != nil {
		if enabled(dialog.AgentWebSearch) {
			reg.Register(NewWebSearch(d.LLM, d.Search, d.MaxResults))
		}
		if enabled(dialog.AgentFactCheck) {
			reg.Register(NewFactCheck(d.LLM))
		}
	}
	if d.Secrets != nil && d.Todoist != nil && enabled(dialog.AgentTodoist) {
		reg.Register(NewTodoist(d.LLM, d.Secrets, d.Todoist))
	}
	for _, p := range Profiles() {
		if p.Type == dialog.AgentNews && d.Search == nil {
			continue
		}
		if enabled(p.Type) {
			reg.Register(NewSpecialized(d.LLM, p))
		}
	}

	slog.Info("agents registered", "agents", reg.Types())
	return dispatcher
}
