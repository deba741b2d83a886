package embedauth

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logr.Logger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMetrics records request outcomes and state changes.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithRetry retries temporary failures inside a step using a fresh policy
// from newBackOff for every request. Without it every step is attempted once.
func WithRetry(newBackOff func() backoff.BackOff) Option {
	return func(o *Orchestrator) {
		o.newBackOff = newBackOff
	}
}

// ExponentialRetry returns a retry policy with at most maxRetries retries.
func ExponentialRetry(maxRetries uint64, maxElapsed time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = maxElapsed
		return backoff.WithMaxRetries(b, maxRetries)
	}
}
