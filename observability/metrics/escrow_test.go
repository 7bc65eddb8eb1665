package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestEscrowMetricsCounters(t *testing.T) {
	m := Escrow()
	require.Same(t, m, Escrow())

	m.ObserveCall("release", "", 5*time.Millisecond)
	m.ObserveCall("release", "access_denied", time.Millisecond)
	m.ObserveCall("Release", "Access_Denied", time.Millisecond)

	require.Equal(t, float64(1), testutil.ToFloat64(m.calls.WithLabelValues("release", "ok")))
	require.Equal(t, float64(2), testutil.ToFloat64(m.calls.WithLabelValues("release", "error")))
	require.Equal(t, float64(2), testutil.ToFloat64(m.failures.WithLabelValues("release", "access_denied")))

	m.SetStateCounts(map[string]int{"created": 3, "released": 1})
	require.Equal(t, float64(3), testutil.ToFloat64(m.states.WithLabelValues("created")))
	m.SetStateCounts(map[string]int{"released": 2})
	require.Equal(t, float64(2), testutil.ToFloat64(m.states.WithLabelValues("released")))

	m.RecordThrottle("")
	require.Equal(t, float64(1), testutil.ToFloat64(m.throttles.WithLabelValues("unknown")))

	var nilMetrics *EscrowMetrics
	nilMetrics.ObserveCall("x", "", 0)
	nilMetrics.RecordEvent("x")
}
