package agents

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/mtzanidakis/nergal/internal/dialog"
	"github.com/mtzanidakis/nergal/internal/llm"
)

// ErrNothingToVerify is returned when no earlier step produced search
// results.
var ErrNothingToVerify = errors.New("no search results to verify")

var sourceReliability = map[string]float64{
	"official": 0.9,
	"academic": 0.85,
	"news":     0.7,
	"blog":     0.5,
	"social":   0.3,
	"unknown":  0.5,
}

var sourceKinds = []struct {
	kind    string
	markers []string
}{
	{"official", []string{".gov", "official", "docs.", "/docs", "documentation", "who.int", "europa.eu"}},
	{"academic", []string{"arxiv", "academic", ".edu", ".ac.", "research", "pubmed", "nature.com"}},
	{"news", []string{"news", "times", "post", "journal", "reuters", "bbc.", "apnews"}},
	{"blog", []string{"blog", "medium.com", "substack"}},
}

var socialHosts = []string{"twitter.com", "x.com", "reddit.com", "facebook.com", "instagram.com", "tiktok.com", "t.me"}

var factCheckKeywords = []string{
	"fact check", "fact-check", "verify", "is it true", "true that", "really true",
	"confirm", "debunk", "hoax", "myth",
}

const factCheckPrompt = `You check facts. Compare the claims in the previous step output
against the search results. For each claim say whether it is confirmed,
contradicted or unverified, and point out disagreements between sources.
Finish with a one-line verdict.`

// FactCheck verifies information gathered by web search.
type FactCheck struct {
	base
}

func NewFactCheck(p llm.Provider) *FactCheck {
	return &FactCheck{base{kind: dialog.AgentFactCheck, llm: p}}
}

func (a *FactCheck) CanHandle(ctx context.Context, message string, c *dialog.Context) float64 {
	m := strings.ToLower(message)
	for _, kw := range factCheckKeywords {
		if strings.Contains(m, kw) {
			return 0.85
		}
	}
	if c.String(KeySearchResults) != "" {
		return 0.7
	}
	return 0.2
}

func (a *FactCheck) Process(ctx context.Context, message string, c *dialog.Context, history []llm.Message) (*dialog.AgentResult, error) {
	if c.String(KeySearchResults) == "" {
		return nil, ErrNothingToVerify
	}

	var srcs []string
	if v, ok := c.Value(KeySources); ok {
		srcs, _ = v.([]string)
	}
	score := SourceReliability(srcs)

	resp, err := a.generate(ctx, conversation(factCheckPrompt, c, nil, message))
	if err != nil {
		return nil, err
	}
	return a.answer(resp, score, map[string]any{
		"verified":          true,
		"sources_checked":   len(srcs),
		"reliability_score": score,
	}), nil
}

// SourceReliability averages the reliability of the given source links.
// An empty list scores as unknown.
func SourceReliability(sources []string) float64 {
	if len(sources) == 0 {
		return sourceReliability["unknown"]
	}
	var sum float64
	for _, s := range sources {
		sum += sourceReliability[SourceKind(s)]
	}
	return sum / float64(len(sources))
}

// SourceKind classifies a link as official, academic, news, blog, social
// or unknown.
func SourceKind(link string) string {
	s := strings.ToLower(link)
	if u, err := url.Parse(s); err == nil && u.Host != "" {
		host := strings.TrimPrefix(u.Hostname(), "www.")
		for _, h := range socialHosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				return "social"
			}
		}
		s = host + u.Path
	}
	for _, k := range sourceKinds {
		for _, m := range k.markers {
			if strings.Contains(s, m) {
				return k.kind
			}
		}
	}
	return "unknown"
}
