package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// isRetriable reports whether err is a Postgres serialization failure or
// deadlock. Audit and message inserts hit these under concurrent turns.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// WithRetry runs fn up to maxRetries+1 times. Only serialization and
// deadlock errors are retried; anything else is returned as is. Waits grow
// exponentially from baseDelay with jitter.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = baseDelay
	bo.MaxInterval = 64 * baseDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && !isRetriable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(maxRetries)+1),
	)
	return err
}
