package reliability

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker("test", BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  10 * time.Second,
	}).WithClock(clock.Now)
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		assert.True(t, b.Allow(), "still closed after %d failures", i+1)
	}
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	clock.Advance(9 * time.Second)
	assert.False(t, b.Allow())

	clock.Advance(time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := newTestBreaker(newFakeClock())
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Snapshot().ConsecutiveFailures)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(10 * time.Second)
	require.True(t, b.Allow())

	b.RecordSuccess()
	require.Equal(t, StateHalfOpen, b.State())
	require.Equal(t, 1, b.Snapshot().ConsecutiveSuccesses)

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 0, b.Snapshot().ConsecutiveSuccesses)
	assert.False(t, b.Allow(), "recovery timer restarts on reopen")
}

func TestBreakerHalfOpenClosesAfterSuccesses(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(11 * time.Second)
	require.True(t, b.Allow())
	assert.True(t, b.Allow(), "half-open lets concurrent probes through")

	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	snap := b.Snapshot()
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Zero(t, snap.ConsecutiveSuccesses)
}

func TestBreakerReset(t *testing.T) {
	b := newTestBreaker(newFakeClock())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerStateListener(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	var got []string
	b.OnStateChange(func(name string, from, to State) {
		got = append(got, from.String()+">"+to.String())
	})
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(10 * time.Second)
	b.Allow()
	b.RecordSuccess()
	b.RecordSuccess()

	assert.Equal(t, []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}, got)
}

func TestBreakerDefaults(t *testing.T) {
	b := NewCircuitBreaker("d", BreakerConfig{})
	assert.Equal(t, DefaultBreakerConfig(), b.cfg)
}

func TestBreakerConcurrent(t *testing.T) {
	b := NewCircuitBreaker("c", BreakerConfig{FailureThreshold: 1000, SuccessThreshold: 1, RecoveryTimeout: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.Allow()
				b.RecordFailure()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 500, b.Snapshot().ConsecutiveFailures)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerSnapshotJSON(t *testing.T) {
	b := newTestBreaker(newFakeClock())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"OPEN"`)
}
