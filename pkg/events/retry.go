package events

import (
	"context"
	"fmt"
	"math"
	"time"

	apperrors "github.com/narwhalmedia/backbone/pkg/errors"
)

// RetryPolicy decides how often and how far apart a handler is retried.
type RetryPolicy struct {
	MaxAttempts        int     `json:"maxAttempts" yaml:"max_attempts"`
	DelaySeconds       float64 `json:"delaySeconds" yaml:"delay_seconds"`
	ExponentialBackoff bool    `json:"exponentialBackoff" yaml:"exponential_backoff"`
}

// DefaultRetryPolicy runs a handler once.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, DelaySeconds: 1}
}

// NewRetryPolicy returns a validated policy.
func NewRetryPolicy(maxAttempts int, delaySeconds float64, exponential bool) (RetryPolicy, error) {
	p := RetryPolicy{MaxAttempts: maxAttempts, DelaySeconds: delaySeconds, ExponentialBackoff: exponential}
	if err := p.Validate(); err != nil {
		return RetryPolicy{}, err
	}
	return p, nil
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return apperrors.Validation(fmt.Sprintf("maxAttempts must be >= 1, got %d", p.MaxAttempts))
	}
	if p.DelaySeconds < 0 || math.IsNaN(p.DelaySeconds) || math.IsInf(p.DelaySeconds, 0) {
		return apperrors.Validation(fmt.Sprintf("delaySeconds must be a finite value >= 0, got %v", p.DelaySeconds))
	}
	return nil
}

// NextDelay returns the pause after the given 1-indexed failed attempt.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	secs := p.DelaySeconds
	if p.ExponentialBackoff {
		secs *= math.Pow(2, float64(attempt-1))
	}
	d := secs * float64(time.Second)
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delays lists the pauses between all attempts of the policy.
func (p RetryPolicy) Delays() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		out = append(out, p.NextDelay(attempt))
	}
	return out
}

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-clock Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
