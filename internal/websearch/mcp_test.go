package websearch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/nergal/internal/reliability"
	"github.com/mtzanidakis/nergal/internal/store"
)

type fakeCaller struct {
	tools   []string
	replies []func() (*mcp.CallToolResult, error)

	mu    sync.Mutex
	calls []mcp.CallToolRequest
}

func (f *fakeCaller) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	res := &mcp.ListToolsResult{}
	for _, n := range f.tools {
		res.Tools = append(res.Tools, mcp.Tool{Name: n})
	}
	return res, nil
}

func (f *fakeCaller) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	i := len(f.calls) - 1
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	return f.replies[i]()
}

func textReply(s string) func() (*mcp.CallToolResult, error) {
	return func() (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(s)}}, nil
	}
}

func errReply(err error) func() (*mcp.CallToolResult, error) {
	return func() (*mcp.CallToolResult, error) { return nil, err }
}

type memTelemetry struct {
	records []*store.SearchTelemetry
}

func (m *memTelemetry) SaveSearchTelemetry(t *store.SearchTelemetry) error {
	m.records = append(m.records, t)
	return nil
}

func fastRetry() reliability.RetryConfig {
	cfg := reliability.DefaultRetryConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	cfg.QuotaDelay = 0
	cfg.Jitter = 0
	return cfg
}

func newTestProvider(t *testing.T, fc *fakeCaller, breaker *reliability.CircuitBreaker) (*MCPProvider, *memTelemetry) {
	t.Helper()
	tel := &memTelemetry{}
	p := NewMCPProvider(MCPConfig{URL: "http://unused"}, reliability.NewRetrier("web_search", fastRetry(), breaker), tel)
	p.dial = func(context.Context) (caller, func() error, error) { return fc, nil, nil }
	return p, tel
}

const sampleResults = `[{"title":"Go 1.24","link":"https://go.dev/doc/go1.24","content":"Release notes"},{"title":"Blog","url":"https://go.dev/blog","snippet":"The Go Blog"}]`

func TestSearchPrefersKnownTool(t *testing.T) {
	fc := &fakeCaller{
		tools:   []string{"fetch", "search", "webSearchPrime"},
		replies: []func() (*mcp.CallToolResult, error){textReply(sampleResults)},
	}
	p, tel := newTestProvider(t, fc, nil)

	results, err := p.Search(context.Background(), Request{Query: "  go release  ", Count: 3, RecencyFilter: RecencyWeek})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "https://go.dev/blog", results[1].Link)
	assert.Equal(t, "The Go Blog", results[1].Content)

	require.Len(t, fc.calls, 1)
	assert.Equal(t, "webSearchPrime", fc.calls[0].Params.Name)
	args, ok := fc.calls[0].Params.Arguments.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "go release", args["search_query"])
	assert.Equal(t, 3, args["count"])
	assert.Equal(t, RecencyWeek, args["search_recency_filter"])

	require.Len(t, tel.records, 1)
	assert.Equal(t, "success", tel.records[0].Status)
	assert.Equal(t, "webSearchPrime", tel.records[0].Tool)
	assert.Equal(t, 2, tel.records[0].ResultsCount)
	assert.Equal(t, 1, tel.records[0].Attempts)
}

func TestSearchRetriesTransientFailures(t *testing.T) {
	fc := &fakeCaller{
		tools: []string{"web_search"},
		replies: []func() (*mcp.CallToolResult, error){
			errReply(errors.New("connection reset by peer")),
			errReply(errors.New("503 service unavailable")),
			textReply(sampleResults),
		},
	}
	p, tel := newTestProvider(t, fc, nil)

	results, err := p.Search(context.Background(), Request{Query: "go"})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Len(t, fc.calls, 3)

	require.Len(t, tel.records, 1)
	assert.Equal(t, 3, tel.records[0].Attempts)
	assert.Equal(t, "TRANSIENT,SERVICE", tel.records[0].RetryReasons)
}

func TestSearchToolErrorIsRecorded(t *testing.T) {
	fc := &fakeCaller{
		tools: []string{"web_search"},
		replies: []func() (*mcp.CallToolResult, error){func() (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{mcp.NewTextContent("invalid api key")}}, nil
		}},
	}
	p, tel := newTestProvider(t, fc, nil)

	_, err := p.Search(context.Background(), Request{Query: "go"})
	require.Error(t, err)
	assert.Len(t, fc.calls, 1, "authentication failures are not retried")

	require.Len(t, tel.records, 1)
	assert.Equal(t, "failure", tel.records[0].Status)
	assert.Equal(t, "AUTHENTICATION", tel.records[0].ErrorCategory)
}

func TestSearchCircuitOpen(t *testing.T) {
	fc := &fakeCaller{
		tools:   []string{"web_search"},
		replies: []func() (*mcp.CallToolResult, error){errReply(errors.New("unauthorized"))},
	}
	breaker := reliability.NewCircuitBreaker("web_search", reliability.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	p, tel := newTestProvider(t, fc, breaker)

	_, err := p.Search(context.Background(), Request{Query: "go"})
	require.Error(t, err)
	assert.Equal(t, reliability.StateOpen, breaker.State())

	_, err = p.Search(context.Background(), Request{Query: "go"})
	require.ErrorIs(t, err, reliability.ErrCircuitOpen)
	assert.Len(t, fc.calls, 1)
	require.Len(t, tel.records, 2)
	assert.Equal(t, "circuit_open", tel.records[1].Status)
}

func TestSearchRejectsBadRequest(t *testing.T) {
	p, tel := newTestProvider(t, &fakeCaller{}, nil)

	_, err := p.Search(context.Background(), Request{Query: "   "})
	require.ErrorIs(t, err, ErrEmptyQuery)

	_, err = p.Search(context.Background(), Request{Query: "go", RecencyFilter: "lastCentury"})
	require.Error(t, err)
	assert.Empty(t, tel.records)
}

func TestSearchNoTools(t *testing.T) {
	p, _ := newTestProvider(t, &fakeCaller{}, nil)
	_, err := p.Search(context.Background(), Request{Query: "go"})
	require.ErrorIs(t, err, ErrNoSearchTool)
}

func TestPickTool(t *testing.T) {
	assert.Equal(t, "web_search", pickTool([]string{"search", "web_search"}))
	assert.Equal(t, "other", pickTool([]string{"other", "another"}))
	assert.Equal(t, "", pickTool(nil))
}

func TestParseResults(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"list", sampleResults, 2},
		{"wrapped results", `{"results":` + sampleResults + `}`, 2},
		{"wrapped search_result", `{"search_result":[{"title":"a"}]}`, 1},
		{"double encoded", `"[{\"title\":\"a\"},{\"title\":\"b\"}]"`, 2},
		{"empty", "  ", 0},
		{"unknown object", `{"status":"ok"}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResults(tt.input)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}

	_, err := ParseResults("not json")
	require.ErrorIs(t, err, reliability.ErrInvalidResponse)
}

func TestFormat(t *testing.T) {
	out := Format([]Result{{Title: "Go", Link: "https://go.dev", Content: "The language"}})
	assert.Equal(t, "1. Go\n   URL: https://go.dev\n   The language", out)
}

func TestSearchToolErrorIsServiceFailure(t *testing.T) {
	fc := &fakeCaller{
		tools: []string{"web_search"},
		replies: []func() (*mcp.CallToolResult, error){
			func() (*mcp.CallToolResult, error) {
				return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{mcp.NewTextContent("backend hiccup")}}, nil
			},
			textReply(sampleResults),
		},
	}
	p, tel := newTestProvider(t, fc, nil)

	results, err := p.Search(context.Background(), Request{Query: "go"})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	require.Len(t, tel.records, 1)
	assert.Equal(t, "SERVICE", tel.records[0].RetryReasons)
}

func TestSearchReconnectsAfterSessionTerminated(t *testing.T) {
	expired := &fakeCaller{
		tools:   []string{"web_search"},
		replies: []func() (*mcp.CallToolResult, error){errReply(transport.ErrSessionTerminated)},
	}
	fresh := &fakeCaller{
		tools:   []string{"web_search"},
		replies: []func() (*mcp.CallToolResult, error){textReply(sampleResults)},
	}

	p, tel := newTestProvider(t, expired, nil)
	var dials, closed int
	p.dial = func(context.Context) (caller, func() error, error) {
		dials++
		if dials == 1 {
			return expired, func() error { closed++; return nil }, nil
		}
		return fresh, nil, nil
	}

	results, err := p.Search(context.Background(), Request{Query: "go"})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 2, dials)
	assert.Equal(t, 1, closed)
	require.Len(t, tel.records, 1)
	assert.Equal(t, 2, tel.records[0].Attempts)
	assert.Equal(t, "TRANSIENT", tel.records[0].RetryReasons)

	_, err = p.Search(context.Background(), Request{Query: "go"})
	require.NoError(t, err)
	assert.Equal(t, 2, dials, "healthy session is reused")
}

func TestSearchDropsSessionOnListToolsFailure(t *testing.T) {
	p, _ := newTestProvider(t, &fakeCaller{}, nil)
	var dials int
	p.dial = func(context.Context) (caller, func() error, error) {
		dials++
		return failingTools{}, nil, nil
	}

	_, err := p.Search(context.Background(), Request{Query: "go"})
	require.Error(t, err)
	_, err = p.Search(context.Background(), Request{Query: "go"})
	require.Error(t, err)
	assert.Equal(t, 2, dials)
	assert.Empty(t, p.Tool())
}

type failingTools struct{}

func (failingTools) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return nil, errors.New("something odd")
}

func (failingTools) CallTool(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return nil, errors.New("not reached")
}
