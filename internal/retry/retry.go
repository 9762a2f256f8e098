// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retry provides bounded retry with exponential backoff.
//
// Transient failures are retried with base * 2^(attempt-1) waits up to a
// fixed attempt count. Failures the caller classifies as permanent abort
// immediately: retrying a "not found" will never succeed.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Defaults used when Config fields are zero.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
)

// ErrPermanent wraps errors classified as permanent by the IsPermanent
// predicate, so callers can tell "gave up" from "not worth retrying".
var ErrPermanent = errors.New("permanent failure")

// Config parameterizes a retry loop.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt; each subsequent wait
	// doubles.
	BaseDelay time.Duration

	// IsPermanent classifies errors that must not be retried. Nil treats
	// every error as transient.
	IsPermanent func(error) bool
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	return c
}

// Do runs fn until it succeeds, a permanent error occurs, the attempt budget
// is exhausted, or the context is canceled.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if cfg.IsPermanent != nil && cfg.IsPermanent(lastErr) {
			return fmt.Errorf("%w: %w", ErrPermanent, lastErr)
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		// base * 2^(attempt-1)
		wait := cfg.BaseDelay << (attempt - 1)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
