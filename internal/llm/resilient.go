package llm

import (
	"context"

	"github.com/mtzanidakis/nergal/internal/reliability"
)

// Resilient runs every generation of the wrapped provider through a
// Retrier and its circuit breaker.
type Resilient struct {
	inner   Provider
	retrier *reliability.Retrier
}

func NewResilient(inner Provider, r *reliability.Retrier) *Resilient {
	return &Resilient{inner: inner, retrier: r}
}

func (p *Resilient) Name() string { return p.inner.Name() }

func (p *Resilient) Generate(ctx context.Context, messages []Message, opts ...Option) (*Response, error) {
	resp, _, err := reliability.Do(ctx, p.retrier, func(ctx context.Context) (*Response, error) {
		return p.inner.Generate(ctx, messages, opts...)
	})
	return resp, err
}
