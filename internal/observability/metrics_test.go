package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_IsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.SwapOutcomes.WithLabelValues("CONFIRMED").Inc()
	m.SwapOutcomes.WithLabelValues("CONFIRMED").Inc()
	m.SwapOutcomes.WithLabelValues("SAFE_NO_OP").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SwapOutcomes.WithLabelValues("CONFIRMED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SwapOutcomes.WithLabelValues("SAFE_NO_OP")))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "test_swap_outcomes_total" {
			found = true
		}
	}
	assert.True(t, found, "swap outcome family should be registered under namespace")
}

func TestRecordSessionLifecycle(t *testing.T) {
	before := testutil.ToFloat64(DefaultMetrics.ActiveSessions)

	RecordSessionStarted()
	assert.Equal(t, before+1, testutil.ToFloat64(DefaultMetrics.ActiveSessions))

	RecordSessionFinished("completed", 1_700_000_000)
	assert.Equal(t, before, testutil.ToFloat64(DefaultMetrics.ActiveSessions))
	assert.Equal(t, 1_700_000_000.0, testutil.ToFloat64(DefaultMetrics.LastCompletedSession))
}

func TestRecordDBQuery_CountsErrors(t *testing.T) {
	counter := DefaultMetrics.DBQueryErrors.WithLabelValues("postgres", "test_op")
	before := testutil.ToFloat64(counter)

	RecordDBQuery("postgres", "test_op", 0.01, nil)
	RecordDBQuery("postgres", "test_op", 0.01, errors.New("boom"))

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
