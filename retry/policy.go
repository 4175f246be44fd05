package retry

import (
	"context"
	"math"
	"time"
)

const (
	DefaultBaseDelay      = 1 * time.Second
	DefaultAmbiguousDelay = 1500 * time.Millisecond
)

// Policy holds the backoff schedule.
//
// Timeout and network failures back off exponentially from BaseDelay
// (BaseDelay * 2^attempt). Ambiguous-operation failures always wait AmbiguousDelay,
// since the backend usually needs a moment to settle its function cache.
type Policy struct {
	BaseDelay      time.Duration
	AmbiguousDelay time.Duration
	MaxDelay       time.Duration // 0 disables the cap
	Classifier     Classifier
}

// DefaultPolicy returns the policy used when a client is built without one.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      DefaultBaseDelay,
		AmbiguousDelay: DefaultAmbiguousDelay,
	}
}

// Decision is the outcome of classifying one failed attempt.
type Decision struct {
	Retry    bool
	Delay    time.Duration
	Category Category
}

// Decide classifies the failure of attempt (0-based) and decides whether another
// attempt is issued. Retry is only true while attempt < maxRetries.
func (p Policy) Decide(code, message string, attempt, maxRetries int) Decision {
	cat := p.Classifier.Classify(code, message)
	d := Decision{Category: cat}
	if !cat.Retryable() || attempt >= maxRetries {
		return d
	}
	d.Retry = true
	d.Delay = p.Backoff(cat, attempt)
	return d
}

// Backoff returns the wait before the attempt following attempt.
func (p Policy) Backoff(cat Category, attempt int) time.Duration {
	switch cat {
	case AmbiguousOperation:
		if p.AmbiguousDelay <= 0 {
			return DefaultAmbiguousDelay
		}
		return p.AmbiguousDelay
	case Timeout, Network:
		base := p.BaseDelay
		if base <= 0 {
			base = DefaultBaseDelay
		}
		if attempt < 0 {
			attempt = 0
		}
		if attempt > 30 {
			attempt = 30
		}
		d := base * time.Duration(1<<attempt)
		if d/time.Duration(1<<attempt) != base {
			d = time.Duration(math.MaxInt64) // overflow
		}
		if p.MaxDelay > 0 && d > p.MaxDelay {
			return p.MaxDelay
		}
		return d
	default:
		return 0
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc. It returns ctx.Err() if ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
