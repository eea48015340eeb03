// Package retry computes bounded, deterministic backoff for optimistic
// concurrency retries.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned by Do when every attempt failed with a retryable error.
var ErrExhausted = errors.New("retry: attempts exhausted")

type Policy struct {
	Name        string
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy is used for event log append conflicts.
var DefaultPolicy = Policy{
	Name:        "append-conflict",
	BaseMs:      5,
	MaxMs:       200,
	MaxJitterMs: 10,
	MaxAttempts: 5,
}

// Params identify one retried operation. Identical params give identical delays.
type Params struct {
	Operation    string
	Key          string
	AttemptIndex int
}

// ComputeBackoff returns the delay before the given attempt.
func ComputeBackoff(params Params, policy Policy) time.Duration {
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	delay := policy.BaseMs * factor
	if policy.MaxMs > 0 && delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+computeJitter(params, policy)) * time.Millisecond
}

func computeJitter(params Params, policy Policy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%s:%d", policy.Name, params.Operation, params.Key, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Schedule lists the delay before each attempt. Attempt 0 has no delay.
func Schedule(params Params, policy Policy) []time.Duration {
	out := make([]time.Duration, policy.MaxAttempts)
	for i := 1; i < policy.MaxAttempts; i++ {
		p := params
		p.AttemptIndex = i
		out[i] = ComputeBackoff(p, policy)
	}
	return out
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. The last retryable error is joined with ErrExhausted.
func Do(ctx context.Context, params Params, policy Policy, retryable func(error) bool, fn func(attempt int) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			p := params
			p.AttemptIndex = i
			timer := time.NewTimer(ComputeBackoff(p, policy))
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(ctx.Err(), last)
			case <-timer.C:
			}
		}

		last = fn(i)
		if last == nil {
			return nil
		}
		if !retryable(last) {
			return last
		}
	}
	return errors.Join(ErrExhausted, last)
}
