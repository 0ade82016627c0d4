package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/nergal/internal/dialog"
	"github.com/mtzanidakis/nergal/internal/reliability"
	"github.com/mtzanidakis/nergal/internal/store"
)

func TestObserveStepAndTurn(t *testing.T) {
	r := NewRecorder()
	r.ObserveStep(1, dialog.StepTrace{Agent: dialog.AgentWebSearch, Status: dialog.StepOK, Duration: time.Second})
	r.ObserveStep(1, dialog.StepTrace{Agent: dialog.AgentWebSearch, Status: dialog.StepSkipped})
	r.ObserveStep(1, dialog.StepTrace{Agent: dialog.AgentDefault, Status: dialog.StepOK})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.stepsTotal.WithLabelValues("web_search", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.stepsTotal.WithLabelValues("web_search", "skipped")))
	assert.Equal(t, 2, testutil.CollectAndCount(r.stepDuration))

	r.ObserveTurn(&dialog.ProcessResult{
		AgentType:        dialog.AgentDefault,
		ProcessingTimeMs: 1500,
		TokensUsed:       42,
		Metadata:         map[string]any{"fallback": true},
	}, false)
	r.ObserveTurn(&dialog.ProcessResult{AgentType: dialog.AgentDefault}, true)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.turnsTotal.WithLabelValues("default", "true", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.turnsTotal.WithLabelValues("default", "false", "true")))
	assert.Equal(t, 42.0, testutil.ToFloat64(r.tokensTotal.WithLabelValues("default")))
}

func TestRetryObserver(t *testing.T) {
	r := NewRecorder()
	retrier := reliability.NewRetrier("llm", reliability.RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
	}, nil)
	retrier.SetObserver(r)

	calls := 0
	_, err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &reliability.StatusError{Code: 503, Err: errors.New("unavailable")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.retriesTotal.WithLabelValues("llm", "SERVICE")))
}

func TestTrackBreaker(t *testing.T) {
	r := NewRecorder()
	b := reliability.NewCircuitBreaker("websearch", reliability.BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
		SuccessThreshold: 1,
	})
	r.TrackBreaker(b)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.breakerState.WithLabelValues("websearch")))

	b.RecordFailure()
	assert.Equal(t, 1.0, testutil.ToFloat64(r.breakerState.WithLabelValues("websearch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.breakerTransitions.WithLabelValues("websearch", "OPEN")))

	b.Reset()
	assert.Equal(t, 0.0, testutil.ToFloat64(r.breakerState.WithLabelValues("websearch")))
}

type memSink struct{ saved []*store.SearchTelemetry }

func (m *memSink) SaveSearchTelemetry(t *store.SearchTelemetry) error {
	m.saved = append(m.saved, t)
	return nil
}

func TestSearchSink(t *testing.T) {
	r := NewRecorder()
	next := &memSink{}
	sink := r.SearchSink(next)

	require.NoError(t, sink.SaveSearchTelemetry(&store.SearchTelemetry{Status: "success", ResultsCount: 4, DurationMs: 300}))
	require.NoError(t, sink.SaveSearchTelemetry(&store.SearchTelemetry{Status: "failure", ErrorCategory: "SERVICE", DurationMs: 900}))
	require.NoError(t, r.SearchSink(nil).SaveSearchTelemetry(&store.SearchTelemetry{Status: "circuit_open"}))

	assert.Len(t, next.saved, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.searchesTotal.WithLabelValues("success", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.searchesTotal.WithLabelValues("failure", "SERVICE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.searchesTotal.WithLabelValues("circuit_open", "")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.searchResults))
}

func TestHandler(t *testing.T) {
	r := NewRecorder()
	r.ObserveStep(1, dialog.StepTrace{Agent: dialog.AgentDefault, Status: dialog.StepOK})

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), `nergal_steps_total{agent="default",status="ok"} 1`))
	assert.Contains(t, string(body), "go_goroutines")
}
