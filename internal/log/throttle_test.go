// SPDX-License-Identifier: MIT

package log

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottleOnePerWindow(t *testing.T) {
	th := NewThrottle(time.Hour)

	assert.True(t, th.Allow("capacity"))
	assert.False(t, th.Allow("capacity"))
	assert.False(t, th.Allow("capacity"))

	// Independent keys do not share state.
	assert.True(t, th.Allow("disconnected"))
}

func TestThrottleReset(t *testing.T) {
	th := NewThrottle(time.Hour)

	assert.True(t, th.Allow("k"))
	assert.False(t, th.Allow("k"))
	th.Reset("k")
	assert.True(t, th.Allow("k"))
}

func TestThrottleRefillsAfterWindow(t *testing.T) {
	th := NewThrottle(10 * time.Millisecond)

	assert.True(t, th.Allow("k"))
	assert.False(t, th.Allow("k"))
	time.Sleep(15 * time.Millisecond)
	assert.True(t, th.Allow("k"))
}
