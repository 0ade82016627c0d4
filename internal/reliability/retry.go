package reliability

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryConfig controls Retrier behavior.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the fraction of the computed delay added or removed at
	// random, 0.2 means ±20%.
	Jitter float64
	// QuotaDelay is the minimum wait after a QUOTA failure.
	QuotaDelay          time.Duration
	RetryableCategories map[ErrorCategory]bool
}

// DefaultRetryConfig returns the settings used when none are configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Jitter:     0.2,
		QuotaDelay: 5 * time.Second,
		RetryableCategories: map[ErrorCategory]bool{
			CategoryTransient: true,
			CategoryService:   true,
			CategoryQuota:     true,
		},
	}
}

// Stats describes one Execute call.
type Stats struct {
	Attempts   int
	TotalDelay time.Duration
	Reasons    []ErrorCategory
	Success    bool
}

// RetryObserver receives a callback for every retry that is scheduled.
type RetryObserver interface {
	ObserveRetry(operation string, category ErrorCategory)
}

// Retrier runs operations with bounded exponential backoff. When a breaker
// is attached it is consulted before every attempt.
type Retrier struct {
	name     string
	cfg      RetryConfig
	breaker  *CircuitBreaker
	observer RetryObserver
	sleep    func(ctx context.Context, d time.Duration) error
	rand     func() float64
}

// NewRetrier creates a Retrier named after the protected operation.
// breaker may be nil.
func NewRetrier(name string, cfg RetryConfig, breaker *CircuitBreaker) *Retrier {
	if cfg.RetryableCategories == nil {
		cfg.RetryableCategories = DefaultRetryConfig().RetryableCategories
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Retrier{
		name:    name,
		cfg:     cfg,
		breaker: breaker,
		sleep:   sleepContext,
		rand:    rand.Float64,
	}
}

func (r *Retrier) Name() string             { return r.name }
func (r *Retrier) Breaker() *CircuitBreaker { return r.breaker }

// SetObserver attaches a retry observer.
func (r *Retrier) SetObserver(o RetryObserver) { r.observer = o }

// Execute calls op until it succeeds, fails with a non-retryable error or
// the retry budget is spent. Terminal failures are returned as
// *ClassifiedError; a rejecting breaker yields ErrCircuitOpen.
func (r *Retrier) Execute(ctx context.Context, op func(ctx context.Context) error) (Stats, error) {
	var stats Stats
	attempt := 0
	for {
		if r.breaker != nil && !r.breaker.Allow() {
			return stats, ErrCircuitOpen
		}
		stats.Attempts++
		err := op(ctx)
		if err == nil {
			stats.Success = true
			if r.breaker != nil {
				r.breaker.RecordSuccess()
			}
			return stats, nil
		}

		classified := Classify(err)
		if !r.shouldRetry(classified) || attempt >= r.cfg.MaxRetries || ctx.Err() != nil {
			if r.breaker != nil {
				r.breaker.RecordFailure()
			}
			slog.Warn("operation failed",
				"operation", r.name,
				"attempts", stats.Attempts,
				"category", classified.Category.String(),
				"severity", classified.Severity.String(),
				"error", err)
			return stats, classified
		}

		delay := r.Delay(attempt, classified.Category)
		stats.Reasons = append(stats.Reasons, classified.Category)
		stats.TotalDelay += delay
		if r.observer != nil {
			r.observer.ObserveRetry(r.name, classified.Category)
		}
		slog.Debug("retrying operation",
			"operation", r.name,
			"attempt", attempt+1,
			"delay", delay,
			"category", classified.Category.String())
		if err := r.sleep(ctx, delay); err != nil {
			if r.breaker != nil {
				r.breaker.RecordFailure()
			}
			return stats, classified
		}
		attempt++
	}
}

// Delay returns the wait before retry number attempt (zero based).
func (r *Retrier) Delay(attempt int, category ErrorCategory) time.Duration {
	d := BackoffDelay(attempt, r.cfg.BaseDelay, r.cfg.MaxDelay)
	if r.cfg.Jitter > 0 {
		d = time.Duration(float64(d) * (1 + (r.rand()*2-1)*r.cfg.Jitter))
	}
	if category == CategoryQuota && d < r.cfg.QuotaDelay {
		d = r.cfg.QuotaDelay
	}
	return max(d, 0)
}

// BackoffDelay is min(base*2^attempt, maxDelay) before jitter.
func BackoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

func (r *Retrier) shouldRetry(ce *ClassifiedError) bool {
	return ce.ShouldRetry && r.cfg.RetryableCategories[ce.Category]
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, Stats, error) {
	var out T
	stats, err := r.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, stats, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
