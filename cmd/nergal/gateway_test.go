package main

import (
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/nergal/internal/dialog"
	"github.com/mtzanidakis/nergal/internal/reliability"
)

func TestStatusTextShowsBreakers(t *testing.T) {
	cfg := reliability.BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Hour}
	llmBreaker := reliability.NewCircuitBreaker("llm", cfg)
	searchBreaker := reliability.NewCircuitBreaker("web_search", cfg)
	searchBreaker.RecordFailure()

	out := statusText(dialog.NewRegistry(), []*reliability.CircuitBreaker{llmBreaker, searchBreaker}, 3)

	if !strings.Contains(out, "Active sessions: 3") {
		t.Errorf("missing session count in %q", out)
	}
	if !strings.Contains(out, "Breaker llm: CLOSED\n") {
		t.Errorf("missing closed breaker in %q", out)
	}
	if !strings.Contains(out, "Breaker web_search: OPEN (last failure") {
		t.Errorf("missing open breaker in %q", out)
	}
}
