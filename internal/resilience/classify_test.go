// SPDX-License-Identifier: MIT

package resilience

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorType
	}{
		{"dial tcp 10.0.0.1:8080: connection refused", ErrorNetwork},
		{"lookup indexer.local: no such host", ErrorNetwork},
		{"read tcp: connection reset by peer", ErrorNetwork},
		{"context deadline exceeded (Client.Timeout exceeded)", ErrorTimeout},
		{"i/o timeout", ErrorTimeout},
		{"HTTP 429 Too Many Requests", ErrorRateLimit},
		{"indexer rate limit hit", ErrorRateLimit},
		{"502 Bad Gateway", ErrorTransient},
		{"503 Service Unavailable", ErrorTransient},
		{"504 gateway timeout", ErrorTimeout}, // timeout wins over 504
		{"404 not found", ErrorPermanent},
		{"401 Unauthorized", ErrorPermanent},
		{"invalid API key", ErrorPermanent},
		{"no results for query", ErrorPermanent},
		{"something exploded", ErrorTransient},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(errors.New(tc.msg)), "message %q", tc.msg)
	}
}

func TestRetryable(t *testing.T) {
	assert.False(t, ErrorPermanent.Retryable())
	for _, typ := range []ErrorType{ErrorNetwork, ErrorTimeout, ErrorRateLimit, ErrorTransient} {
		assert.True(t, typ.Retryable())
	}
}
