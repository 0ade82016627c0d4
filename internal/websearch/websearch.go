// Package websearch queries a web search MCP server with retries, a
// circuit breaker and per-call telemetry.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrEmptyQuery = errors.New("search query is empty")

// Recency filters accepted by the search tool.
const (
	RecencyNone  = ""
	RecencyDay   = "oneDay"
	RecencyWeek  = "oneWeek"
	RecencyMonth = "oneMonth"
	RecencyYear  = "oneYear"
)

const (
	defaultCount = 5
	maxCount     = 50
)

type Request struct {
	Query         string
	Count         int
	RecencyFilter string
}

// normalize trims the query and clamps the count.
func (r Request) normalize() (Request, error) {
	r.Query = strings.TrimSpace(r.Query)
	if r.Query == "" {
		return r, ErrEmptyQuery
	}
	if r.Count <= 0 {
		r.Count = defaultCount
	}
	if r.Count > maxCount {
		r.Count = maxCount
	}
	switch r.RecencyFilter {
	case RecencyNone, RecencyDay, RecencyWeek, RecencyMonth, RecencyYear:
	default:
		return r, fmt.Errorf("unknown recency filter %q", r.RecencyFilter)
	}
	return r, nil
}

type Result struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	Content     string `json:"content"`
	Media       string `json:"media,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Refer       string `json:"refer,omitempty"`
	PublishDate string `json:"publish_date,omitempty"`
}

// Provider runs a web search.
type Provider interface {
	Search(ctx context.Context, req Request) ([]Result, error)
}

// Format renders results as a numbered list for prompts.
func Format(results []Result) string {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r.Title)
		if r.Link != "" {
			fmt.Fprintf(&b, "   URL: %s\n", r.Link)
		}
		if r.Content != "" {
			fmt.Fprintf(&b, "   %s\n", r.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
