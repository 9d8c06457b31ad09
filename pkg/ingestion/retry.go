// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingestion

import (
	"context"
	"log/slog"
	"time"

	"github.com/kraklabs/acat/pkg/catalog"
)

// backoff returns the wait before retry number attempt (0-based).
func (r RetryConfig) backoff(attempt int) time.Duration {
	d := r.InitialBackoff
	for range attempt {
		d = time.Duration(float64(d) * r.Multiplier)
		if r.MaxBackoff > 0 && d >= r.MaxBackoff {
			return r.MaxBackoff
		}
	}
	return d
}

// withRetry calls fn until it succeeds, fails with a non-retryable error or
// runs out of retries. Only retryable FetchErrors are retried.
func withRetry[T any](ctx context.Context, cfg RetryConfig, logger *slog.Logger, op, path string, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	retries := 0
	for {
		v, err := fn(ctx)
		if err == nil {
			return v, retries, nil
		}
		if !catalog.IsRetryable(err) || retries >= cfg.MaxRetries {
			return zero, retries, err
		}

		wait := cfg.backoff(retries)
		retries++
		logger.Warn("ingest.retry", "op", op, "path", path, "attempt", retries, "backoff_ms", wait.Milliseconds(), "err", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, retries, catalog.Cancelled(ctx.Err())
		case <-timer.C:
		}
	}
}
