// Package agents implements the processing units registered in the dialog
// registry: the default responder, the dispatcher that plans turns, web
// search, fact checking, the keyword-driven specialists and Todoist.
package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/mtzanidakis/nergal/internal/dialog"
	"github.com/mtzanidakis/nergal/internal/llm"
)

// Metadata keys shared between agents through the accumulated context.
const (
	KeySearchResults   = "search_results"
	KeySearchQueries   = "search_queries"
	KeySources         = "sources"
	KeyResultsCount    = "results_count"
	KeyOriginalMessage = "original_message"
	KeyModel           = "model"
	KeyPreviousOutput  = "previous_step_output"
)

const (
	searchContextMax   = 2000
	previousContextMax = 1000
)

// base carries what every LLM-backed agent needs.
type base struct {
	kind dialog.AgentType
	llm  llm.Provider
}

func (b base) Type() dialog.AgentType { return b.kind }

func (b base) generate(ctx context.Context, msgs []llm.Message, opts ...llm.Option) (*llm.Response, error) {
	resp, err := b.llm.Generate(ctx, msgs, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.kind, err)
	}
	return resp, nil
}

// answer wraps a model response into an AgentResult.
func (b base) answer(resp *llm.Response, confidence float64, meta map[string]any) *dialog.AgentResult {
	if meta == nil {
		meta = map[string]any{}
	}
	meta[KeyModel] = resp.Model
	return &dialog.AgentResult{
		Response:   strings.TrimSpace(resp.Content),
		AgentType:  b.kind,
		Confidence: dialog.Clamp(confidence),
		Metadata:   meta,
		TokensUsed: resp.Usage.TotalTokens,
	}
}

// conversation assembles system prompt, step context, history and the
// user message in that order.
func conversation(system string, c *dialog.Context, history []llm.Message, message string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+3)
	msgs = append(msgs, llm.System(system))
	if block := contextBlock(c); block != "" {
		msgs = append(msgs, llm.System("Context from previous steps:\n"+block))
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.User(message))
	return msgs
}

// contextBlock renders search results and the output of earlier steps.
func contextBlock(c *dialog.Context) string {
	if c == nil || c.Results == nil || c.Results.Len() == 0 {
		return ""
	}
	var parts []string
	if sr := c.String(KeySearchResults); strings.TrimSpace(sr) != "" {
		parts = append(parts, "Search results:\n"+truncate(sr, searchContextMax))
	}
	for _, r := range c.Results.Results() {
		if r.Response == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("Output of %s:\n%s", r.AgentType, truncate(r.Response, previousContextMax)))
	}
	return strings.Join(parts, "\n\n")
}

func userBlock(mem dialog.Memory) string {
	var parts []string
	if mem.DisplayName != "" {
		parts = append(parts, "You are talking to "+mem.DisplayName+".")
	}
	if mem.ProfileSummary != "" {
		parts = append(parts, "What you know about the user:\n"+mem.ProfileSummary)
	}
	return strings.Join(parts, "\n")
}

func hasContext(c *dialog.Context, keys []string) bool {
	for _, k := range keys {
		if k == KeyPreviousOutput {
			if c != nil && c.Results != nil && c.Results.Len() > 0 {
				return true
			}
			continue
		}
		if _, ok := c.Value(k); ok {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// extractJSON returns the text between the first open and the last close
// delimiter, or "" when there is none.
func extractJSON(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	end := strings.LastIndexByte(text, close)
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}
