// Package limiter throttles calls to external ledgers and indexers.
package limiter

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter blocks until one more call is permitted or ctx is done.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Policy bounds the call rate.
type Policy struct {
	PerSecond float64
	Burst     int
}

func (p Policy) normalized() Policy {
	if p.PerSecond <= 0 {
		p.PerSecond = 1
	}
	if p.Burst <= 0 {
		p.Burst = 1
	}
	return p
}

// Local is an in-process token bucket.
type Local struct {
	limiter *rate.Limiter
}

func NewLocal(p Policy) *Local {
	p = p.normalized()
	return &Local{limiter: rate.NewLimiter(rate.Limit(p.PerSecond), p.Burst)}
}

func (l *Local) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

type noop struct{}

func (noop) Wait(ctx context.Context) error { return ctx.Err() }

// Noop never throttles.
func Noop() Limiter { return noop{} }
