// SPDX-License-Identifier: MIT

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetItemsByStatus(t *testing.T) {
	itemsByStatus.Reset()

	SetItemsByStatus("PENDING", 3)
	SetItemsByStatus("ENCODING", 1)

	assert.Equal(t, 3.0, testutil.ToFloat64(itemsByStatus.WithLabelValues("PENDING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(itemsByStatus.WithLabelValues("ENCODING")))

	// Counts drop back to zero when the queue drains.
	SetItemsByStatus("PENDING", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(itemsByStatus.WithLabelValues("PENDING")))
}

func TestRecordTransition(t *testing.T) {
	pipelineTransitions.Reset()

	RecordTransition("PENDING", "SEARCHING")
	RecordTransition("PENDING", "SEARCHING")

	assert.Equal(t, 2.0, testutil.ToFloat64(pipelineTransitions.WithLabelValues("PENDING", "SEARCHING")))
}
