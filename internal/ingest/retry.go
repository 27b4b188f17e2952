package ingest

import (
	"context"
	"time"

	"candlevault/internal/exchange"
)

const (
	maxRetries   = 5
	retryBase    = 500 * time.Millisecond
	retryFactor  = 2
	retryCap     = 8 * time.Second
)

// withRetry retries fn up to maxRetries times on a *exchange.NetworkError,
// backing off exponentially from retryBase capped at retryCap (spec
// §4.3). Any other error — including exchange.ProtocolError — is
// returned immediately.
func withRetry(ctx context.Context, fn func() error) error {
	delay := retryBase
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var netErr *exchange.NetworkError
		if !isNetworkError(err, &netErr) {
			return err
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= retryFactor
		if delay > retryCap {
			delay = retryCap
		}
	}
	return lastErr
}

func isNetworkError(err error, target **exchange.NetworkError) bool {
	ne, ok := err.(*exchange.NetworkError)
	if ok {
		*target = ne
	}
	return ok
}
