package providers

import (
	"context"
	"errors"
	"time"

	"github.com/aether-kernel/aether/internal/retry"
)

// BaseProvider holds shared retry configuration for LLM providers.
type BaseProvider struct {
	name       string
	maxRetries int
	retryDelay time.Duration
}

// NewBaseProvider creates a base provider with sane defaults.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return BaseProvider{
		name:       name,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Retry executes op, retrying up to b.maxRetries times while isRetryable
// reports true for the error. isRetryable errors are marked permanent so
// retry.Do stops immediately instead of burning through the remaining
// attempts.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	cfg := retry.Config{
		MaxAttempts:  b.maxRetries,
		InitialDelay: b.retryDelay,
		MaxDelay:     b.retryDelay * time.Duration(b.maxRetries),
		Factor:       1.5,
	}
	result := retry.Do(ctx, cfg, func() error {
		err := op()
		if err != nil && isRetryable != nil && !isRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	var permanent *retry.PermanentError
	if errors.As(result.Err, &permanent) {
		return permanent.Unwrap()
	}
	return result.Err
}
