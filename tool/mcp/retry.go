//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trpc.group/trpc-go/trpc-flow-go/log"
)

// RetryConfig bounds the retry behaviour of tool-server exchanges.
type RetryConfig struct {
	// MaxRetries is how many times a failed exchange is retried. Zero
	// disables retrying.
	MaxRetries int
	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
	// BackoffFactor multiplies the backoff after each attempt.
	BackoffFactor float64
}

// DefaultRetryConfig is the retry policy used when none is configured.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
	}
}

// retryableSubstrings are transport failures worth another attempt. Matching
// is deliberately narrow so business errors never loop.
var retryableSubstrings = []string{
	"connection refused",
	"connection reset",
	"connection lost",
	"connection aborted",
	"i/o timeout",
	"read timeout",
	"write timeout",
	"dial timeout",
	"session_expired",
	"status 429",
	"status 500",
	"status 502",
	"status 503",
	"status 504",
}

// isRetryable reports whether err looks like a transient transport failure.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if msg == "eof" || strings.HasSuffix(msg, ": eof") {
		return true
	}
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// withRetry runs op with exponential backoff, retrying only transient
// failures up to the configured ceiling.
func withRetry[T any](ctx context.Context, cfg *RetryConfig, name string, op func() (T, error)) (T, error) {
	var zero T
	if cfg == nil || cfg.MaxRetries <= 0 {
		return op()
	}
	backoff := cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err := op()
		if err == nil {
			return result, nil
		}
		if !isRetryable(err) {
			return zero, err
		}
		lastErr = err
		if attempt >= cfg.MaxRetries {
			break
		}
		log.Debugf("mcp %s failed (attempt %d/%d), retrying in %v: %v",
			name, attempt+1, cfg.MaxRetries+1, backoff, err)
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%s cancelled during retry backoff: %w", name, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	log.Errorf("mcp %s failed after %d attempts: %v", name, cfg.MaxRetries+1, lastErr)
	return zero, lastErr
}
