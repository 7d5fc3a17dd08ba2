package providers

import (
	"context"
	"time"
)

// Default retry posture applied by NewBaseProvider when the config leaves
// the fields unset.
const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// BaseProvider holds the shared identity and retry configuration embedded
// by every provider implementation.
type BaseProvider struct {
	name       string
	maxRetries int
	retryDelay time.Duration
}

// NewBaseProvider creates a base provider, filling unset fields from the
// package defaults.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return BaseProvider{
		name:       name,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Name returns the identifier the provider was constructed with. Model
// resolution and log fields both key on it.
func (b *BaseProvider) Name() string {
	return b.name
}

// Retry executes op up to the configured attempt budget with linear backoff
// between attempts. A non-retryable error (per retryable) stops
// immediately; context cancellation stops both runs and waits. Retry is
// applied only to opening the upstream request, never to consuming a stream,
// so a request is never silently replayed after partial output.
func (b *BaseProvider) Retry(ctx context.Context, retryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if retryable == nil || !retryable(err) {
			return err
		}
		if attempt >= b.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.backoff(attempt)):
		}
	}
	return lastErr
}

// backoff is linear in the 1-based attempt number.
func (b *BaseProvider) backoff(attempt int) time.Duration {
	return b.retryDelay * time.Duration(attempt)
}
