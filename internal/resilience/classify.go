// SPDX-License-Identifier: MIT

package resilience

import "strings"

// ErrorType buckets an operational error for retry policy.
type ErrorType string

const (
	ErrorNetwork   ErrorType = "NETWORK"
	ErrorTimeout   ErrorType = "TIMEOUT"
	ErrorRateLimit ErrorType = "RATE_LIMIT"
	ErrorTransient ErrorType = "TRANSIENT"
	ErrorPermanent ErrorType = "PERMANENT"
)

var classifiers = []struct {
	errType ErrorType
	needles []string
}{
	{ErrorNetwork, []string{
		"connection refused", "econnrefused",
		"no such host", "host not found", "enotfound",
		"connection reset", "econnreset",
	}},
	{ErrorTimeout, []string{"timeout", "timed out", "etimedout"}},
	{ErrorRateLimit, []string{"429", "rate limit", "too many requests"}},
	{ErrorTransient, []string{"502", "503", "504", "unavailable", "bad gateway"}},
	{ErrorPermanent, []string{"404", "401", "403", "invalid", "no results", "unauthorized", "forbidden"}},
}

// Classify buckets an error by message substring. Unknown errors are
// treated as TRANSIENT so they stay retryable.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTransient
	}
	msg := strings.ToLower(err.Error())
	for _, c := range classifiers {
		for _, needle := range c.needles {
			if strings.Contains(msg, needle) {
				return c.errType
			}
		}
	}
	return ErrorTransient
}

// Retryable reports whether the error type may be retried at all.
func (t ErrorType) Retryable() bool { return t != ErrorPermanent }
