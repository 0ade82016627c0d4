// Package metrics exposes Prometheus metrics for turns, orchestrator
// steps, retries, circuit breakers and web searches.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtzanidakis/nergal/internal/dialog"
	"github.com/mtzanidakis/nergal/internal/reliability"
	"github.com/mtzanidakis/nergal/internal/store"
	"github.com/mtzanidakis/nergal/internal/websearch"
)

const namespace = "nergal"

// Recorder owns a private registry so tests and multiple instances never
// collide on the global one.
type Recorder struct {
	registry *prometheus.Registry

	turnsTotal         *prometheus.CounterVec
	turnDuration       *prometheus.HistogramVec
	tokensTotal        *prometheus.CounterVec
	stepsTotal         *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	retriesTotal       *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	searchesTotal      *prometheus.CounterVec
	searchDuration     *prometheus.HistogramVec
	searchResults      prometheus.Histogram
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		turnsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Answered user turns by final agent, fallback use and failure",
			},
			[]string{"agent", "fallback", "failed"},
		),
		turnDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Orchestration time of user turns",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
			},
			[]string{"agent"},
		),
		tokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_total",
				Help:      "LLM tokens spent per turn by final agent",
			},
			[]string{"agent"},
		),
		stepsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Executed plan steps by agent and status",
			},
			[]string{"agent", "status"},
		),
		stepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of plan steps",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		retriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Scheduled retries by operation and error category",
			},
			[]string{"operation", "category"},
		),
		breakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"name"},
		),
		breakerTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Circuit breaker transitions by target state",
			},
			[]string{"name", "to"},
		),
		searchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "web_searches_total",
				Help:      "Web searches by status and error category",
			},
			[]string{"status", "category"},
		),
		searchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "web_search_duration_seconds",
				Help:      "Web search latency including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		searchResults: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "web_search_results",
				Help:      "Results returned per successful web search",
				Buckets:   []float64{0, 1, 3, 5, 10, 20, 50},
			},
		),
	}
}

// Registry returns the private registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveStep implements dialog.StepObserver.
func (r *Recorder) ObserveStep(userID int64, t dialog.StepTrace) {
	r.stepsTotal.WithLabelValues(string(t.Agent), t.Status).Inc()
	r.stepDuration.WithLabelValues(string(t.Agent)).Observe(t.Duration.Seconds())
}

// ObserveTurn records a finished turn.
func (r *Recorder) ObserveTurn(res *dialog.ProcessResult, failed bool) {
	_, fallback := res.Metadata["fallback"]
	agent := string(res.AgentType)
	r.turnsTotal.WithLabelValues(agent, strconv.FormatBool(fallback), strconv.FormatBool(failed)).Inc()
	r.turnDuration.WithLabelValues(agent).Observe((time.Duration(res.ProcessingTimeMs) * time.Millisecond).Seconds())
	if res.TokensUsed > 0 {
		r.tokensTotal.WithLabelValues(agent).Add(float64(res.TokensUsed))
	}
}

// ObserveRetry implements reliability.RetryObserver.
func (r *Recorder) ObserveRetry(operation string, category reliability.ErrorCategory) {
	r.retriesTotal.WithLabelValues(operation, category.String()).Inc()
}

// BreakerChanged is a reliability.StateListener.
func (r *Recorder) BreakerChanged(name string, from, to reliability.State) {
	r.breakerState.WithLabelValues(name).Set(float64(to))
	r.breakerTransitions.WithLabelValues(name, to.String()).Inc()
}

// TrackBreaker publishes the current state of b and follows its changes.
func (r *Recorder) TrackBreaker(b *reliability.CircuitBreaker) {
	r.breakerState.WithLabelValues(b.Name()).Set(float64(b.State()))
	b.OnStateChange(r.BreakerChanged)
}

// ObserveSearch records one search telemetry record.
func (r *Recorder) ObserveSearch(t *store.SearchTelemetry) {
	r.searchesTotal.WithLabelValues(t.Status, t.ErrorCategory).Inc()
	r.searchDuration.WithLabelValues(t.Status).Observe((time.Duration(t.DurationMs) * time.Millisecond).Seconds())
	if t.Status == "success" {
		r.searchResults.Observe(float64(t.ResultsCount))
	}
}

// SearchSink observes every search record before handing it to next.
func (r *Recorder) SearchSink(next websearch.TelemetrySink) websearch.TelemetrySink {
	return searchSink{r: r, next: next}
}

type searchSink struct {
	r    *Recorder
	next websearch.TelemetrySink
}

func (s searchSink) SaveSearchTelemetry(t *store.SearchTelemetry) error {
	s.r.ObserveSearch(t)
	if s.next == nil {
		return nil
	}
	return s.next.SaveSearchTelemetry(t)
}
