package core

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// RetryConfig configures an exponential-backoff RetryPolicy (§4.2).
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// RetryPolicyNone never retries: the first failure is returned immediately.
func RetryPolicyNone() RetryConfig {
	return RetryConfig{MaxAttempts: 1}
}

// RetryPolicyDefault is the "default" preset of §4.2: (5, 1s, 60s, 2.0).
func RetryPolicyDefault() RetryConfig {
	return RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 60 * time.Second, Multiplier: 2.0}
}

// RetryPolicyAggressive retries more persistently with a shorter initial
// delay, for extractors talking to a flaky RPC endpoint.
func RetryPolicyAggressive() RetryConfig {
	return RetryConfig{MaxAttempts: 10, InitialDelay: 250 * time.Millisecond, MaxDelay: 30 * time.Second, Multiplier: 1.7}
}

// RetryPolicy drives execute(op) against a RetryConfig, classifying errors
// through a caller-supplied predicate (§4.2: "the retryable/fatal
// classification is supplied by the caller").
type RetryPolicy struct {
	cfg       RetryConfig
	retryable func(error) bool
	log       *logrus.Entry
}

// NewRetryPolicy builds a RetryPolicy. retryable classifies an error as
// transient (true, worth retrying) or fatal (false, returned immediately).
func NewRetryPolicy(cfg RetryConfig, retryable func(error) bool) *RetryPolicy {
	if retryable == nil {
		retryable = func(error) bool { return false }
	}
	return &RetryPolicy{cfg: cfg, retryable: retryable, log: logrus.WithField("component", "retry")}
}

// Execute invokes op, retrying on retryable failures per the configured
// backoff schedule and returning immediately on a fatal one.
func (p *RetryPolicy) Execute(ctx context.Context, op func(context.Context) error) error {
	maxAttempts := p.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     orDefault(p.cfg.InitialDelay, time.Second),
		RandomizationFactor: 0,
		Multiplier:          orDefaultFloat(p.cfg.Multiplier, 2.0),
		MaxInterval:         orDefault(p.cfg.MaxDelay, 60*time.Second),
		MaxElapsedTime:      0, // attempt count governs termination, not elapsed time
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return NewError(ErrCancelled, err)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !p.retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		delay := b.NextBackOff()
		p.log.WithError(err).Warnf("retryable failure (attempt %d/%d), sleeping %s", attempt, maxAttempts, delay)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return NewError(ErrCancelled, ctx.Err())
		}
	}
	return lastErr
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func orDefaultFloat(f, fallback float64) float64 {
	if f <= 0 {
		return fallback
	}
	return f
}

// IsRetryableIOError is a convenience predicate for Extractor implementations:
// source-unavailable errors are retryable, everything else (malformed
// responses, decode errors) is fatal, per §4.2/§7.
func IsRetryableIOError(err error) bool {
	return KindOf(err) == ErrSourceUnavailable
}
