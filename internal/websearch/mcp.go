package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mtzanidakis/nergal/internal/reliability"
	"github.com/mtzanidakis/nergal/internal/store"
)

const providerName = "mcp"

// preferredTools are tried in order when picking the search tool.
var preferredTools = []string{"webSearchPrime", "web_search", "search", "web_search_prime"}

// ErrNoSearchTool is returned when the server exposes no tools.
var ErrNoSearchTool = errors.New("mcp server exposes no search tool")

// caller is the subset of the MCP client used for searching.
type caller interface {
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// dialer opens a fresh MCP session and returns its closer.
type dialer func(ctx context.Context) (caller, func() error, error)

// TelemetrySink persists one record per search.
type TelemetrySink interface {
	SaveSearchTelemetry(t *store.SearchTelemetry) error
}

type MCPConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// MCPProvider searches through a streamable HTTP MCP server.
type MCPProvider struct {
	cfg       MCPConfig
	retrier   *reliability.Retrier
	telemetry TelemetrySink
	dial      dialer

	mu     sync.Mutex
	caller caller
	closer func() error
	tool   string
}

func NewMCPProvider(cfg MCPConfig, retrier *reliability.Retrier, telemetry TelemetrySink) *MCPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	p := &MCPProvider{cfg: cfg, retrier: retrier, telemetry: telemetry}
	p.dial = p.dialStreamable
	return p
}

// Search runs the query, retrying transient failures. Every call leaves a
// telemetry record, successful or not.
func (p *MCPProvider) Search(ctx context.Context, req Request) ([]Result, error) {
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	results, stats, err := reliability.Do(ctx, p.retrier, func(ctx context.Context) ([]Result, error) {
		ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
		return p.searchOnce(ctx, req)
	})
	p.record(req, results, stats, err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("web search %q: %w", req.Query, err)
	}
	return results, nil
}

// Tool returns the resolved search tool name, empty before the first call.
func (p *MCPProvider) Tool() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tool
}

func (p *MCPProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closer == nil {
		return nil
	}
	err := p.closer()
	p.caller, p.closer, p.tool = nil, nil, ""
	return err
}

func (p *MCPProvider) searchOnce(ctx context.Context, req Request) ([]Result, error) {
	c, tool, err := p.session(ctx)
	if err != nil {
		return nil, err
	}

	args := map[string]any{
		"search_query": req.Query,
		"count":        req.Count,
	}
	if req.RecencyFilter != "" {
		args["search_recency_filter"] = req.RecencyFilter
	}

	call := mcp.CallToolRequest{}
	call.Params.Name = tool
	call.Params.Arguments = args

	res, err := c.CallTool(ctx, call)
	if err != nil {
		p.drop(c)
		if errors.Is(err, transport.ErrSessionTerminated) {
			return nil, &reliability.ClassifiedError{
				Category: reliability.CategoryTransient, ShouldRetry: true,
				Severity: reliability.SeverityInfo, Err: err,
			}
		}
		return nil, err
	}
	text := resultText(res)
	if res.IsError {
		if text == "" {
			text = "unknown error"
		}
		return nil, &reliability.StatusError{Code: 503, Err: fmt.Errorf("search tool error: %s", text)}
	}
	return ParseResults(text)
}

// session connects lazily and resolves the search tool once per session.
func (p *MCPProvider) session(ctx context.Context) (caller, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.caller == nil {
		c, closer, err := p.dial(ctx)
		if err != nil {
			return nil, "", err
		}
		p.caller, p.closer = c, closer
	}
	if p.tool == "" {
		list, err := p.caller.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			p.resetLocked()
			return nil, "", fmt.Errorf("list tools: %w", err)
		}
		names := make([]string, 0, len(list.Tools))
		for _, t := range list.Tools {
			names = append(names, t.Name)
		}
		tool := pickTool(names)
		if tool == "" {
			return nil, "", ErrNoSearchTool
		}
		p.tool = tool
		slog.Info("web search tool selected", "tool", tool, "available", len(names))
	}
	return p.caller, p.tool, nil
}

// drop discards the session c after a failed call so the next attempt
// opens a new one. A session replaced in the meantime is left alone.
func (p *MCPProvider) drop(c caller) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.caller == c {
		p.resetLocked()
	}
}

func (p *MCPProvider) resetLocked() {
	if p.closer != nil {
		if err := p.closer(); err != nil {
			slog.Debug("close mcp session failed", "error", err)
		}
	}
	p.caller, p.closer, p.tool = nil, nil, ""
}

func (p *MCPProvider) dialStreamable(ctx context.Context) (caller, func() error, error) {
	headers := map[string]string{}
	if p.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + p.cfg.APIKey
	}
	c, err := client.NewStreamableHttpClient(p.cfg.URL, transport.WithHTTPHeaders(headers))
	if err != nil {
		return nil, nil, fmt.Errorf("create mcp client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("start mcp client: %w", err)
	}

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "nergal", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, init); err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("initialize mcp: %w", err)
	}
	return c, c.Close, nil
}

func (p *MCPProvider) record(req Request, results []Result, stats reliability.Stats, err error, d time.Duration) {
	if p.telemetry == nil {
		return
	}
	t := &store.SearchTelemetry{
		Query:        req.Query,
		Status:       "success",
		Provider:     providerName,
		Tool:         p.Tool(),
		ResultsCount: len(results),
		DurationMs:   d.Milliseconds(),
		Attempts:     stats.Attempts,
	}
	if len(stats.Reasons) > 0 {
		reasons := make([]string, len(stats.Reasons))
		for i, r := range stats.Reasons {
			reasons[i] = r.String()
		}
		t.RetryReasons = strings.Join(reasons, ",")
	}
	if err != nil {
		t.Status = "failure"
		t.Error = err.Error()
		if errors.Is(err, reliability.ErrCircuitOpen) {
			t.Status = "circuit_open"
		} else if ce := reliability.Classify(err); ce != nil {
			t.ErrorCategory = ce.Category.String()
		}
	}
	if serr := p.telemetry.SaveSearchTelemetry(t); serr != nil {
		slog.Warn("save search telemetry failed", "error", serr)
	}
}

func pickTool(names []string) string {
	for _, want := range preferredTools {
		for _, n := range names {
			if n == want {
				return n
			}
		}
	}
	if len(names) > 0 {
		return names[0]
	}
	return ""
}

func resultText(res *mcp.CallToolResult) string {
	var texts []string
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// ParseResults decodes the search tool payload. The payload may be a list,
// an object wrapping the list, or a JSON string holding either.
func ParseResults(text string) ([]Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	var raw json.RawMessage = []byte(text)
	var inner string
	if err := json.Unmarshal(raw, &inner); err == nil {
		raw = []byte(strings.TrimSpace(inner))
	}

	var items []rawResult
	if err := json.Unmarshal(raw, &items); err == nil {
		return convert(items), nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: search payload: %v", reliability.ErrInvalidResponse, err)
	}
	for _, key := range []string{"results", "search_result", "items", "data"} {
		v, ok := wrapped[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, &items); err != nil {
			return nil, fmt.Errorf("%w: search %s: %v", reliability.ErrInvalidResponse, key, err)
		}
		return convert(items), nil
	}
	return nil, nil
}

type rawResult struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	URL         string `json:"url"`
	Content     string `json:"content"`
	Snippet     string `json:"snippet"`
	Media       string `json:"media"`
	Icon        string `json:"icon"`
	Refer       string `json:"refer"`
	PublishDate string `json:"publish_date"`
}

func convert(items []rawResult) []Result {
	out := make([]Result, 0, len(items))
	for _, it := range items {
		r := Result{
			Title:       it.Title,
			Link:        it.Link,
			Content:     it.Content,
			Media:       it.Media,
			Icon:        it.Icon,
			Refer:       it.Refer,
			PublishDate: it.PublishDate,
		}
		if r.Link == "" {
			r.Link = it.URL
		}
		if r.Content == "" {
			r.Content = it.Snippet
		}
		out = append(out, r)
	}
	return out
}
