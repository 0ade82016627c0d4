// Package dialog holds the multi-step execution core: agent descriptors,
// the agent registry, execution plans and the orchestrator that runs them.
package dialog

import (
	"context"
	"sort"
	"strings"

	"github.com/mtzanidakis/nergal/internal/llm"
)

// AgentType identifies an agent kind. It is the registry key and the tag
// used in plan steps.
type AgentType string

const (
	AgentDefault       AgentType = "default"
	AgentDispatcher    AgentType = "dispatcher"
	AgentWebSearch     AgentType = "web_search"
	AgentKnowledgeBase AgentType = "knowledge_base"
	AgentTechDocs      AgentType = "tech_docs"
	AgentCodeAnalysis  AgentType = "code_analysis"
	AgentMetrics       AgentType = "metrics"
	AgentNews          AgentType = "news"
	AgentAnalysis      AgentType = "analysis"
	AgentFactCheck     AgentType = "fact_check"
	AgentComparison    AgentType = "comparison"
	AgentSummary       AgentType = "summary"
	AgentClarification AgentType = "clarification"
	AgentExpertise     AgentType = "expertise"
	AgentTodoist       AgentType = "todoist"
)

var descriptions = map[AgentType]string{
	AgentDefault:       "general conversation and final answer synthesis from the results of previous steps",
	AgentWebSearch:     "search the internet for current information, news, prices, weather and facts",
	AgentKnowledgeBase: "answer from the internal knowledge base",
	AgentTechDocs:      "look up library and framework documentation",
	AgentCodeAnalysis:  "explain and review source code",
	AgentMetrics:       "answer questions about metrics and statistics",
	AgentNews:          "collect and summarize recent news on a topic",
	AgentAnalysis:      "analyze data, trends and causes in collected information",
	AgentFactCheck:     "verify claims against search results and rate source reliability",
	AgentComparison:    "compare options, products or approaches in a structured way",
	AgentSummary:       "condense long texts or collected results",
	AgentClarification: "ask a clarifying question when the request is ambiguous",
	AgentExpertise:     "domain expert answers (security, legal, finance, medicine)",
	AgentTodoist:       "list or add tasks in the user's Todoist",
}

var aliases = map[string]AgentType{
	"websearch":     AgentWebSearch,
	"search":        AgentWebSearch,
	"kb":            AgentKnowledgeBase,
	"knowledge":     AgentKnowledgeBase,
	"factcheck":     AgentFactCheck,
	"fact-check":    AgentFactCheck,
	"summarize":     AgentSummary,
	"tldr":          AgentSummary,
	"clarify":       AgentClarification,
	"expert":        AgentExpertise,
	"security":      AgentExpertise,
	"legal":         AgentExpertise,
	"compare":       AgentComparison,
	"analyze":       AgentAnalysis,
	"stats":         AgentMetrics,
	"statistics":    AgentMetrics,
	"code":          AgentCodeAnalysis,
	"codeanalysis":  AgentCodeAnalysis,
	"techdocs":      AgentTechDocs,
	"documentation": AgentTechDocs,
	"tasks":         AgentTodoist,
}

// Description returns the human readable capability summary of t.
func (t AgentType) Description() string {
	if d, ok := descriptions[t]; ok {
		return d
	}
	return string(t)
}

// Known reports whether t is one of the built-in agent kinds.
func (t AgentType) Known() bool {
	_, ok := descriptions[t]
	return ok || t == AgentDispatcher
}

// KnownAgentTypes lists the built-in kinds, dispatcher excluded.
func KnownAgentTypes() []AgentType {
	out := make([]AgentType, 0, len(descriptions))
	for t := range descriptions {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NormalizeAgentType maps planner spellings and aliases onto agent tags.
// Unrecognised names are returned lower-cased and unchanged so that they
// fail at execution time rather than at parse time.
func NormalizeAgentType(name string) AgentType {
	n := strings.ToLower(strings.TrimSpace(name))
	if t, ok := aliases[n]; ok {
		return t
	}
	return AgentType(n)
}

// Memory is the read-only long-term context of a user, supplied by the
// memory collaborator before planning.
type Memory struct {
	UserID         int64
	DisplayName    string
	ProfileSummary string
	Facts          map[string]string
	RecentMessages []llm.Message
}

// Context is what an agent sees while processing a message: the user's
// memory and the results of the steps that ran before it.
type Context struct {
	Memory   Memory
	Results  *AccumulatedContext
	Step     *PlanStep
	Original string
}

// Value looks up key in the metadata of previous step results, newest
// first.
func (c *Context) Value(key string) (any, bool) {
	if c == nil || c.Results == nil {
		return nil, false
	}
	return c.Results.Value(key)
}

// String returns a metadata value as a string, or "" if it is missing or
// of another type.
func (c *Context) String(key string) string {
	v, ok := c.Value(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// AgentResult is the output of a successfully executed step.
type AgentResult struct {
	Response      string         `json:"response"`
	AgentType     AgentType      `json:"agent_type"`
	Confidence    float64        `json:"confidence"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	ShouldHandoff bool           `json:"should_handoff,omitempty"`
	HandoffAgent  AgentType      `json:"handoff_agent,omitempty"`
	TokensUsed    int            `json:"tokens_used,omitempty"`
}

// Agent is implemented by every processing unit.
type Agent interface {
	Type() AgentType
	// CanHandle is a cheap probe returning a confidence in [0,1].
	CanHandle(ctx context.Context, message string, c *Context) float64
	Process(ctx context.Context, message string, c *Context, history []llm.Message) (*AgentResult, error)
}

// Planner produces an execution plan for a user message.
type Planner interface {
	CreatePlan(ctx context.Context, message string, mem Memory) (*ExecutionPlan, error)
}

// Clamp bounds a confidence to [0,1].
func Clamp(v float64) float64 {
	return min(max(v, 0), 1)
}
