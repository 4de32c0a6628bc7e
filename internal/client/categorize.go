package client

import (
	"context"
	"errors"
	"strings"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels (weatherApiErrorsTotal).
const (
	ErrorCategoryTimeout          ErrorCategory = "timeout"
	ErrorCategoryNetwork          ErrorCategory = "network"
	ErrorCategoryInvalidAPIKey    ErrorCategory = "invalid_api_key"
	ErrorCategoryLocationNotFound ErrorCategory = "location_not_found"
	ErrorCategoryRateLimited      ErrorCategory = "rate_limited"
	ErrorCategoryUpstream5xx      ErrorCategory = "upstream_5xx"
	ErrorCategoryIncomplete       ErrorCategory = "incomplete_response"
	ErrorCategoryCircuitOpen      ErrorCategory = "circuit_open"
	ErrorCategoryParsing          ErrorCategory = "parsing"
	ErrorCategoryUnknown          ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, ErrInvalidAPIKey):
		return ErrorCategoryInvalidAPIKey
	case errors.Is(err, ErrLocationNotFound):
		return ErrorCategoryLocationNotFound
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, ErrUpstreamFailure):
		return ErrorCategoryUpstream5xx
	case errors.Is(err, ErrIncompleteResponse):
		return ErrorCategoryIncomplete
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return ErrorCategoryTimeout
	}
	if strings.Contains(errStr, "http request failed") || strings.Contains(errStr, "connection") {
		return ErrorCategoryNetwork
	}
	if strings.Contains(errStr, "parse") || strings.Contains(errStr, "unmarshal") {
		return ErrorCategoryParsing
	}
	return ErrorCategoryUnknown
}

// IsRetryable reports whether a caller may reasonably retry after err.
// Rate limits, 5xx, timeouts and transport errors are retryable; an open
// breaker, a bad key, an unknown city or an incomplete payload are not.
func IsRetryable(err error) bool {
	switch CategorizeError(err) {
	case ErrorCategoryRateLimited, ErrorCategoryUpstream5xx, ErrorCategoryTimeout, ErrorCategoryNetwork:
		return true
	}
	return false
}
