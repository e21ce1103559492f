package faults

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Failure is the normalized shape every provider adapter reduces its SDK's
// native error to before classification. The classifier never inspects raw
// SDK error types.
type Failure struct {
	Message    string
	StatusCode int
	Body       string
	RetryAfter time.Duration
	Cause      error
}

// Classify maps a failure to exactly one category. Matching is ordered, most
// specific first, first match wins. An unrecognized failure is treated as
// transient: an unknown error is more often temporary than permanent.
func Classify(failure Failure) Category {
	message := strings.ToLower(failure.Message)
	body := strings.ToLower(failure.Body)
	combined := message + " " + body

	switch {
	case isCancelled(failure, message):
		return CategoryCancelled
	case failure.StatusCode == 401 || failure.StatusCode == 403 ||
		containsAny(combined, "api key", "unauthorized", "invalid credential", "authentication", "permission denied"):
		return CategoryAuth
	case containsAny(combined, "safety", "content policy", "blocked by", "content filter", "prohibited content"):
		return CategorySafety
	case containsAny(combined, "quota", "billing", "insufficient_quota", "exceeded your current", "payment required") ||
		failure.StatusCode == 402:
		return CategoryQuota
	case failure.StatusCode == 408 || failure.StatusCode == 504 ||
		errors.Is(failure.Cause, context.DeadlineExceeded) ||
		containsAny(combined, "timeout", "timed out", "deadline exceeded"):
		return CategoryTimeout
	case failure.StatusCode == 429 || failure.StatusCode >= 500 ||
		containsAny(combined, "rate limit", "too many requests", "connection reset", "connection refused",
			"unreachable", "no such host", "overloaded", "service unavailable", "broken pipe"):
		return CategoryRetryableTransient
	case containsAny(combined, "unexpected end of json", "invalid json", "truncated", "unexpected end of input",
		"unexpected eof", "failed to parse", "malformed"):
		return CategoryRetryableParse
	case failure.StatusCode == 400 || failure.StatusCode == 404 ||
		containsAny(combined, "invalid model", "model not found", "bad request", "invalid request"):
		return CategoryNonRetryable
	default:
		return CategoryRetryableTransient
	}
}

// ClassifyError is a convenience for callers holding a plain error plus
// whatever status/body the transport exposed.
func ClassifyError(err error, statusCode int, body string) Category {
	if err == nil {
		return CategoryRetryableTransient
	}
	return Classify(Failure{Message: err.Error(), StatusCode: statusCode, Body: body, Cause: err})
}

func isCancelled(failure Failure, message string) bool {
	if errors.Is(failure.Cause, context.Canceled) {
		return true
	}
	// Deadline expiry is a timeout, not a caller abort.
	if errors.Is(failure.Cause, context.DeadlineExceeded) {
		return false
	}
	return containsAny(message, "context canceled", "operation was aborted", "request canceled")
}

func containsAny(haystack string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
