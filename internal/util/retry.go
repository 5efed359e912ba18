package util

import (
	"context"
	"time"
)

// RetryIf executes fn up to attempts times, sleeping backoff between attempts,
// as long as retryable reports the last error as transient. The last error is returned.
func RetryIf(ctx context.Context, attempts int, backoff time.Duration, retryable func(error) bool, fn func() error) error {
	if attempts <= 1 {
		return fn()
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) || i == attempts-1 {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
