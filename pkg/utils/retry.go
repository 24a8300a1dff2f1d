// Package utils provides retry helpers for calls into the Kubernetes API.
//
//nolint:revive // Package name 'utils' is intentional for grouping utility functions.
package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

// ErrMaxRetriesExceeded is returned when every attempt failed with a retryable error.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// Policy describes how a call is retried.
type Policy struct {
	// Retryable reports whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool
	// Operation names the call in logs and errors.
	Operation string
	// Backoff.Steps is the total number of attempts.
	Backoff wait.Backoff
}

// KubeAPIPolicy is used for API lookups made while locating a remote
// execution endpoint. Commands run on a host are never retried.
func KubeAPIPolicy(operation string) Policy {
	return Policy{
		Operation: operation,
		Retryable: IsRetryableError,
		Backoff: wait.Backoff{
			Steps:    4,
			Duration: 500 * time.Millisecond,
			Factor:   2.0,
			Cap:      5 * time.Second,
		},
	}
}

// WithRetry calls fn until it succeeds, fails with a non-retryable error, or
// the policy's attempts are used up.
func WithRetry[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero    T
		result  T
		lastErr error
		attempt int
	)

	backoff := p.Backoff
	if backoff.Steps < 1 {
		backoff.Steps = 1
	}
	op := p.Operation
	if op == "" {
		op = "API call"
	}

	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				klog.V(4).Infof("Retry: %s succeeded on attempt %d", op, attempt)
			}
			result = v
			return true, nil
		}
		lastErr = err
		if p.Retryable != nil && !p.Retryable(err) {
			return false, err
		}
		klog.V(4).Infof("Retry: %s failed on attempt %d/%d: %v", op, attempt, backoff.Steps, err)
		return false, nil
	})

	switch {
	case err == nil:
		return result, nil
	case ctx.Err() != nil:
		return zero, ctx.Err()
	case wait.Interrupted(err):
		return zero, fmt.Errorf("%w: %s failed after %d attempts: %w", ErrMaxRetriesExceeded, op, attempt, lastErr)
	default:
		return zero, err
	}
}

// IsRetryableNetworkError reports connection-level failures talking to the API server.
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"network is unreachable",
		"no route to host",
		"connection timed out",
		"use of closed network connection",
		"EOF",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsRetryableAPIError reports transient API server conditions.
func IsRetryableAPIError(err error) bool {
	if err == nil {
		return false
	}
	return apierrors.IsTooManyRequests(err) ||
		apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err)
}

// IsRetryableError combines the network and API checks.
func IsRetryableError(err error) bool {
	return IsRetryableNetworkError(err) || IsRetryableAPIError(err)
}
