package storage

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry limits shared by every disk-touching operation. Probe writes and
// document flushes are the only expected-slow operations in the system;
// neither is allowed to block indefinitely.
const (
	// MaxRetries bounds the number of attempts per operation.
	MaxRetries = 3

	// retryInitialInterval is the first backoff delay.
	retryInitialInterval = 50 * time.Millisecond

	// retryMaxInterval caps the backoff delay growth.
	retryMaxInterval = 500 * time.Millisecond
)

// Retry runs op with bounded exponential backoff. It gives up after
// MaxRetries additional attempts and returns the last error. Wrap
// non-transient failures in backoff.Permanent inside op to fail fast.
func Retry(op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	return backoff.Retry(op, backoff.WithMaxRetries(b, MaxRetries))
}

// Permanent marks err as non-retryable for Retry.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
