package worlds

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

const (
	llmRetryAttempts = 3
	llmRetryBase     = 500 * time.Millisecond
)

// permanentError marks a failure that must not be retried even when its
// underlying kind would normally be transient.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// noRetry wraps err so retryLLM gives up immediately.
func noRetry(err error) error { return &permanentError{err: err} }

// retryable classifies provider failures: rate limits, upstream 5xx, and
// transport errors retry; auth failures and explicit permanent marks do
// not. Unknown error types are treated as transient network faults.
func retryable(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// retryLLM runs fn up to 3 times with exponential backoff starting at
// 500 ms, jittered plus or minus 20 percent. The context bounds the whole
// sequence including backoff sleeps.
func retryLLM(ctx context.Context, fn func() (LLMResponse, error)) (LLMResponse, error) {
	var resp LLMResponse
	var err error
	delay := llmRetryBase
	for attempt := 1; attempt <= llmRetryAttempts; attempt++ {
		resp, err = fn()
		if err == nil {
			return resp, nil
		}
		if !retryable(err) || attempt == llmRetryAttempts {
			break
		}
		if !sleepCtx(ctx, jitter(delay)) {
			return resp, context.Cause(ctx)
		}
		delay *= 2
	}
	var p *permanentError
	if errors.As(err, &p) {
		err = p.err
	}
	return resp, err
}

// jitter spreads d by ±20% to avoid synchronized retry storms.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * f)
}

// sleepCtx sleeps for d or until ctx is done. Reports false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
