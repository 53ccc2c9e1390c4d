package ingest

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy computes backoff delays for transient failures: the delay doubles
// from Base per attempt up to Max, with ±Jitter spread. Past MaxRetries the
// account drops to the slow tier and is retried every SlowInterval.
type RetryPolicy struct {
	Base         time.Duration
	Max          time.Duration
	Jitter       float64
	MaxRetries   int
	SlowInterval time.Duration
}

// DefaultRetryPolicy is 2s doubling to 5m with 20% jitter, five retries, then every 5m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:         2 * time.Second,
		Max:          5 * time.Minute,
		Jitter:       0.2,
		MaxRetries:   5,
		SlowInterval: 5 * time.Minute,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Max < p.Base {
		p.Max = max(d.Max, p.Base)
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.SlowInterval < p.Max {
		p.SlowInterval = p.Max
	}
	return p
}

// Delay returns the delay before retry number attempt (1-based). spread in [-1, 1]
// scales the jitter; callers pass a random value, tests a fixed one.
func (p RetryPolicy) Delay(attempt int, spread float64) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	if attempt > p.MaxRetries {
		return p.SlowInterval
	}

	delay := p.Base
	for i := 1; i < attempt && delay < p.Max; i++ {
		delay *= 2
	}
	delay = min(delay, p.Max)

	spread = max(-1, min(1, spread))
	jittered := time.Duration(math.Round(float64(delay) * (1 + p.Jitter*spread)))
	return min(jittered, p.Max)
}

// Slow reports whether attempt is past the retry budget.
func (p RetryPolicy) Slow(attempt int) bool {
	return attempt > p.withDefaults().MaxRetries
}

// backoff is the retry state of one account. Delays never shrink within a run of
// failures, even when jitter would make the next one shorter.
type backoff struct {
	attempt int
	last    time.Duration
}

func (b *backoff) next(p RetryPolicy) time.Duration {
	b.attempt++
	delay := max(b.last, p.Delay(b.attempt, rand.Float64()*2-1))
	b.last = delay
	return delay
}

func (b *backoff) reset() {
	b.attempt = 0
	b.last = 0
}
