package obsmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRun_IncrementsCounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.ObserveRun("success", 1.5)
	r.ObserveRun("failure", 0.5)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	var runsTotal *dto.MetricFamily
	var runDuration *dto.MetricFamily
	for _, mf := range metricFamilies {
		switch mf.GetName() {
		case "backtest_runs_total":
			runsTotal = mf
		case "backtest_run_duration_seconds":
			runDuration = mf
		}
	}
	require.NotNil(t, runsTotal)
	require.NotNil(t, runDuration)
	assert.Len(t, runsTotal.Metric, 2) // one series per "outcome" label value
	require.Len(t, runDuration.Metric, 1)
	assert.Equal(t, uint64(2), runDuration.Metric[0].Histogram.GetSampleCount())
}

func TestObserveDayStep_RecordsSample(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.ObserveDayStep(0.001)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range metricFamilies {
		if mf.GetName() == "backtest_day_step_duration_seconds" {
			require.Len(t, mf.Metric, 1)
			assert.Equal(t, uint64(1), mf.Metric[0].Histogram.GetSampleCount())
			return
		}
	}
	t.Fatal("backtest_day_step_duration_seconds metric not found")
}
