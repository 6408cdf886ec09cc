// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// WrapError converts a generic error into a structured ClusterRunnerError.
func WrapError(err error) *ClusterRunnerError {
	if err == nil {
		return nil
	}

	var crErr *ClusterRunnerError
	if stderrors.As(err, &crErr) {
		return crErr
	}

	if stderrors.Is(err, context.Canceled) {
		return NewWithCause(ErrorCodeContextCanceled, "operation was canceled", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewWithCause(ErrorCodeDeadlineExceeded, "operation timed out", err)
	}

	if netErr := classifyNetworkError(err); netErr != nil {
		return netErr
	}

	var urlErr *url.Error
	if stderrors.As(err, &urlErr) {
		return classifyURLError(urlErr)
	}

	return NewWithCause(ErrorCodeUnknown, err.Error(), err)
}

// WrapHTTPError converts a worker RPC's non-2xx response into a structured
// error.
func WrapHTTPError(statusCode int, body []byte) *ClusterRunnerError {
	code := MapHTTPStatus(statusCode)
	message := fmt.Sprintf("worker returned HTTP %d", statusCode)

	err := New(code, message)
	if len(body) > 0 && len(body) < 1000 {
		err.Details = string(body)
	}
	return err
}

// classifyNetworkError identifies and wraps network-related errors raised
// while talking to a worker.
func classifyNetworkError(err error) *ClusterRunnerError {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, context.Canceled) {
		return NewWithCause(ErrorCodeContextCanceled, "operation was canceled", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewWithCause(ErrorCodeDeadlineExceeded, "operation deadline exceeded", err)
	}

	errStr := err.Error()

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewWithCause(ErrorCodeWorkerTimeout, "worker did not respond in time", err)
		}
		if strings.Contains(errStr, "connection reset") || strings.Contains(errStr, "broken pipe") {
			return NewWithCause(ErrorCodeWorkerUnreachable, "worker connection reset", err)
		}
	}

	switch {
	case strings.Contains(errStr, "connection refused"):
		return NewWithCause(ErrorCodeWorkerUnreachable, "worker refused the connection", err)
	case strings.Contains(errStr, "no such host"):
		return NewWithCause(ErrorCodeWorkerUnreachable, "worker host could not be resolved", err)
	case strings.Contains(errStr, "timeout"):
		return NewWithCause(ErrorCodeWorkerTimeout, "worker request timed out", err)
	}

	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		var syscallErr syscall.Errno
		if stderrors.As(opErr.Err, &syscallErr) {
			switch syscallErr {
			case syscall.ECONNREFUSED, syscall.ENETUNREACH:
				return NewWithCause(ErrorCodeWorkerUnreachable, "worker unreachable", err)
			case syscall.ETIMEDOUT:
				return NewWithCause(ErrorCodeWorkerTimeout, "worker connection timed out", err)
			}
		}
		return NewWithCause(ErrorCodeWorkerUnreachable, "worker unreachable", err)
	}

	return nil
}

// classifyURLError unwraps the network error embedded in a url.Error, which
// is how Go's http.Client surfaces dial/transport failures.
func classifyURLError(urlErr *url.Error) *ClusterRunnerError {
	if stderrors.Is(urlErr.Err, context.Canceled) {
		return NewWithCause(ErrorCodeContextCanceled, "operation was canceled", urlErr)
	}
	if stderrors.Is(urlErr.Err, context.DeadlineExceeded) {
		return NewWithCause(ErrorCodeDeadlineExceeded, "operation deadline exceeded", urlErr)
	}

	if netErr := classifyNetworkError(urlErr.Err); netErr != nil {
		return netErr
	}

	return NewWithCause(ErrorCodeWorkerUnreachable, "worker RPC failed: "+urlErr.Op, urlErr)
}

// NewNotFoundError builds a not-found error for the named resource kind
// ("build" or "worker").
func NewNotFoundError(kind string, id interface{}) *ClusterRunnerError {
	code := ErrorCodeBuildNotFound
	if kind == "worker" {
		code = ErrorCodeWorkerNotFound
	}
	return New(code, fmt.Sprintf("%s %v not found", kind, id))
}

// IsRetryableError reports whether err (or any ClusterRunnerError it wraps)
// indicates the caller should retry.
func IsRetryableError(err error) bool {
	var crErr *ClusterRunnerError
	if stderrors.As(err, &crErr) {
		return crErr.IsRetryable()
	}
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "service unavailable")
}

// GetErrorCode extracts the error code from any error, defaulting to Unknown.
func GetErrorCode(err error) ErrorCode {
	var crErr *ClusterRunnerError
	if stderrors.As(err, &crErr) {
		return crErr.Code
	}
	return ErrorCodeUnknown
}

// GetErrorCategory extracts the error category from any error, defaulting
// to Unknown.
func GetErrorCategory(err error) ErrorCategory {
	var crErr *ClusterRunnerError
	if stderrors.As(err, &crErr) {
		return crErr.Category
	}
	return CategoryUnknown
}

// IsNetworkError reports whether err is a worker-communication failure.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var crErr *ClusterRunnerError
	if stderrors.As(err, &crErr) {
		return crErr.Category == CategoryNetwork
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return stderrors.As(err, &urlErr)
}

// IsValidationError reports whether err is a validation failure.
func IsValidationError(err error) bool {
	var valErr *ValidationError
	if stderrors.As(err, &valErr) {
		return true
	}
	var crErr *ClusterRunnerError
	if stderrors.As(err, &crErr) {
		return crErr.Category == CategoryValidation
	}
	return false
}

// IsClientError reports whether err is terminal to the build (atomization,
// preparation, or finalization failure).
func IsClientError(err error) bool {
	var crErr *ClusterRunnerError
	if stderrors.As(err, &crErr) {
		return crErr.Category == CategoryClient
	}
	return false
}
