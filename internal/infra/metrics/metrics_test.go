package metrics_test

import (
	"testing"

	"tg-forwarder/internal/infra/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersRegistered(t *testing.T) {
	before := testutil.ToFloat64(metrics.Tasks.WithLabelValues("process_message", metrics.TaskCompleted))
	metrics.Tasks.WithLabelValues("process_message", metrics.TaskCompleted).Inc()
	after := testutil.ToFloat64(metrics.Tasks.WithLabelValues("process_message", metrics.TaskCompleted))
	assert.InDelta(t, before+1, after, 1e-9)

	metrics.BreakerState.Set(2)
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.BreakerState), 1e-9)
}
