package obs

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersEveryCounterAgainstTheGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.BatchesConsumed.Inc()
	m.PointsWritten.Add(5)
	m.ConsumerLag.WithLabelValues("src1").Set(3)

	require.Equal(t, float64(1), testutil.ToFloat64(m.BatchesConsumed))
	require.Equal(t, float64(5), testutil.ToFloat64(m.PointsWritten))
	require.Equal(t, float64(3), testutil.ToFloat64(m.ConsumerLag.WithLabelValues("src1")))
}

func TestNewMetrics_TwoInstancesAgainstSeparateRegistries_DoNotShareState(t *testing.T) {
	m1 := NewMetrics(prometheus.NewRegistry())
	m2 := NewMetrics(prometheus.NewRegistry())

	m1.GapsDetected.Inc()
	require.Equal(t, float64(1), testutil.ToFloat64(m1.GapsDetected))
	require.Equal(t, float64(0), testutil.ToFloat64(m2.GapsDetected))
}

func TestNewMetrics_DuplicateRegistration_Panics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	require.Panics(t, func() { NewMetrics(reg) }, "MustRegister panics on a name collision against the same registry")
}
