package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/nergal/internal/dialog"
	"github.com/mtzanidakis/nergal/internal/llm"
	"github.com/mtzanidakis/nergal/internal/websearch"
)

const (
	maxSearchQueries = 3
	maxSources       = 5
)

var searchKeywords = []string{
	"find", "search", "look up", "google", "what is", "who is", "when did",
	"where is", "latest news", "news", "current", "today", "weather",
	"exchange rate", "price", "how much", "trending", "popular",
}

var timeWords = []string{"current", "today", "recent", "latest", "now", "this week"}

var questionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\?$`),
	regexp.MustCompile(`^(who|what|when|where|why|how)\b`),
	regexp.MustCompile(`\b(latest|current|recent|today)\b`),
}

const queryPrompt = `Write up to 3 short web search queries that together answer the user's message.
Reply with a JSON array of strings only, for example ["query one", "query two"].`

const searchAnswerPrompt = `You answer using the web search results below.
Cite the sources you use by name or link. If the results do not contain the
answer, say so honestly. Combine information from several sources when possible.`

// WebSearch looks things up on the web and answers from the results.
type WebSearch struct {
	base
	search     websearch.Provider
	maxResults int
}

func NewWebSearch(p llm.Provider, search websearch.Provider, maxResults int) *WebSearch {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &WebSearch{base: base{kind: dialog.AgentWebSearch, llm: p}, search: search, maxResults: maxResults}
}

func (a *WebSearch) CanHandle(ctx context.Context, message string, c *dialog.Context) float64 {
	m := strings.ToLower(strings.TrimSpace(message))
	for _, kw := range searchKeywords {
		if strings.Contains(m, kw) {
			return 0.8
		}
	}
	for _, re := range questionPatterns {
		if re.MatchString(m) {
			for _, w := range timeWords {
				if strings.Contains(m, w) {
					return 0.9
				}
			}
			return 0.6
		}
	}
	return 0
}

func (a *WebSearch) Process(ctx context.Context, message string, c *dialog.Context, history []llm.Message) (*dialog.AgentResult, error) {
	original := message
	if c != nil && c.Original != "" {
		original = c.Original
	}

	queries, tokens := a.queries(ctx, message)
	results, err := a.searchAll(ctx, queries)
	if err != nil {
		return nil, err
	}

	meta := map[string]any{
		KeySearchQueries:   queries,
		KeyResultsCount:    len(results),
		KeyOriginalMessage: original,
	}
	if len(results) == 0 {
		meta[KeySources] = []string{}
		return &dialog.AgentResult{
			Response:   "I could not find anything on the web about that.",
			AgentType:  a.kind,
			Confidence: 0.3,
			Metadata:   meta,
			TokensUsed: tokens,
		}, nil
	}

	formatted := websearch.Format(results)
	meta[KeySearchResults] = formatted
	meta[KeySources] = sources(results, maxSources)

	msgs := []llm.Message{
		llm.System(searchAnswerPrompt + "\n\nSearch results:\n" + formatted),
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.User(original))

	resp, err := a.generate(ctx, msgs)
	if err != nil {
		return nil, err
	}
	res := a.answer(resp, 0.9, meta)
	res.TokensUsed += tokens
	return res, nil
}

// queries asks the model for search queries and falls back to the message
// itself when the reply is unusable.
func (a *WebSearch) queries(ctx context.Context, message string) ([]string, int) {
	resp, err := a.generate(ctx, []llm.Message{llm.System(queryPrompt), llm.User(message)},
		llm.WithMaxTokens(200), llm.WithTemperature(0))
	if err != nil {
		slog.Warn("query generation failed, searching for the message", "error", err)
		return []string{message}, 0
	}

	var qs []string
	if raw := extractJSON(resp.Content, '[', ']'); raw != "" {
		if err := json.Unmarshal([]byte(raw), &qs); err != nil {
			slog.Debug("unparseable search queries", "content", resp.Content, "error", err)
		}
	}
	out := make([]string, 0, maxSearchQueries)
	seen := map[string]bool{}
	for _, q := range qs {
		q = strings.TrimSpace(q)
		if q == "" || seen[strings.ToLower(q)] {
			continue
		}
		seen[strings.ToLower(q)] = true
		out = append(out, q)
		if len(out) == maxSearchQueries {
			break
		}
	}
	if len(out) == 0 {
		out = []string{message}
	}
	return out, resp.Usage.TotalTokens
}

// searchAll runs the queries concurrently and merges the results in query
// order, dropping duplicate links. It fails only when every query fails.
func (a *WebSearch) searchAll(ctx context.Context, queries []string) ([]websearch.Result, error) {
	perQuery := make([][]websearch.Result, len(queries))
	var (
		mu   sync.Mutex
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			res, err := a.search.Search(gctx, websearch.Request{Query: q, Count: a.maxResults})
			if err != nil {
				slog.Warn("web search query failed", "query", q, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			perQuery[i] = res
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) == len(queries) {
		return nil, fmt.Errorf("web search failed: %w", errors.Join(errs...))
	}

	var merged []websearch.Result
	seen := map[string]bool{}
	for _, rs := range perQuery {
		for _, r := range rs {
			key := r.Link
			if key == "" {
				key = r.Title
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, r)
		}
	}
	return merged, nil
}

func sources(results []websearch.Result, n int) []string {
	out := make([]string, 0, n)
	for _, r := range results {
		if r.Link == "" {
			continue
		}
		out = append(out, r.Link)
		if len(out) == n {
			break
		}
	}
	return out
}
