package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	before := testutil.ToFloat64(unitsProcessed.WithLabelValues("ionize", OutcomeFailed))
	RecordUnit("ionize", OutcomeFailed)
	RecordStage("ionize", 15*time.Millisecond)
	RecordNEISteps(10, 2)

	assert.Equal(t, before+1, testutil.ToFloat64(unitsProcessed.WithLabelValues("ionize", OutcomeFailed)))
	assert.GreaterOrEqual(t, testutil.ToFloat64(neiRetries), 2.0)
}
