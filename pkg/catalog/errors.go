// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"context"
	"errors"
	"fmt"
)

// FetchKind classifies upstream failures reported by tree providers.
type FetchKind string

const (
	FetchNotFound     FetchKind = "not_found"
	FetchUnauthorized FetchKind = "unauthorized"
	FetchRateLimited  FetchKind = "rate_limited"
	FetchUnavailable  FetchKind = "unavailable"
)

// FetchError is returned when a tree or file cannot be fetched upstream.
type FetchError struct {
	Kind FetchKind
	Path string
	Err  error
}

func (e *FetchError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("fetch %s: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch: %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the orchestrator may retry with backoff.
func (e *FetchError) Retryable() bool {
	return e.Kind == FetchRateLimited || e.Kind == FetchUnavailable
}

// IsRetryable reports whether err is a retryable FetchError.
func IsRetryable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Retryable()
}

// HashError records unreadable content for one candidate. It never aborts a run.
type HashError struct {
	Path string
	Err  error
}

func (e *HashError) Error() string { return fmt.Sprintf("hash %s: %v", e.Path, e.Err) }

func (e *HashError) Unwrap() error { return e.Err }

// IndexSyncError means the lexical index could not be kept in step with the
// primary store. The write that caused it was rolled back.
type IndexSyncError struct {
	Op  string
	Err error
}

func (e *IndexSyncError) Error() string { return fmt.Sprintf("index sync (%s): %v", e.Op, e.Err) }

func (e *IndexSyncError) Unwrap() error { return e.Err }

// InvalidMappingError rejects manual mapping input before a run starts.
type InvalidMappingError struct {
	Path   string
	Reason string
}

func (e *InvalidMappingError) Error() string {
	return fmt.Sprintf("invalid mapping %q: %s", e.Path, e.Reason)
}

// NotFoundError is returned for unknown catalog entry IDs.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("catalog entry %s not found", e.ID) }

// ErrRunCancelled wraps context cancellation of an ingestion run.
var ErrRunCancelled = errors.New("ingestion run cancelled")

// Cancelled wraps a context error so callers can match ErrRunCancelled and
// the original context error alike.
func Cancelled(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrRunCancelled, err)
	}
	return err
}
