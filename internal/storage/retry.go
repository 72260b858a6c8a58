package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	maxRetries     = 3
	baseRetryDelay = 50 * time.Millisecond
)

// WithRetry runs fn, retrying on serialization failures (40001) and
// deadlocks (40P01) with jittered exponential backoff. Other errors are
// returned immediately.
func WithRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isRetryable(err) || attempt >= maxRetries {
			return err
		}

		delay := baseRetryDelay << attempt
		delay += time.Duration(rand.Int64N(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
