package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	retryAttempts  = 3
	retryBaseDelay = time.Second
)

// RetryableError marks a store failure as transient. Wrappers around network
// or driver errors implement it so callers can decide between retry and
// surfacing a final failure.
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable reports whether err is marked transient anywhere in its chain.
func IsRetryable(err error) bool {
	var re RetryableError
	return errors.As(err, &re) && re.Retryable()
}

// withRetry runs op up to retryAttempts times with exponential backoff
// (base 1s, doubling). Only retryable failures are retried; anything else is
// surfaced immediately. Intended for naturally idempotent operations such as
// reads and subscription setup.
func withRetry(ctx context.Context, name string, op func() error) error {
	delay := retryBaseDelay
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = op()
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		log.Warn().
			Err(err).
			Str("op", name).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient store error, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
