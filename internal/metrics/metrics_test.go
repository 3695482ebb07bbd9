package metrics

import (
    "testing"

    "github.com/prometheus/client_golang/prometheus/testutil"
    "github.com/stretchr/testify/require"
)

// NewPrometheusMetrics registers every metric against the default
// registry, which panics on re-registration, so this file constructs
// exactly one instance and exercises it across subtests.
func TestPrometheusMetrics(t *testing.T) {
    pm := NewPrometheusMetrics()

    t.Run("increment counter", func(t *testing.T) {
        before := testutil.ToFloat64(pm.counters["authorizations_total"].WithLabelValues("prepaid", "authorized"))
        pm.IncrementCounter("authorizations_total", map[string]string{"account_type": "prepaid", "result": "authorized"})
        after := testutil.ToFloat64(pm.counters["authorizations_total"].WithLabelValues("prepaid", "authorized"))
        require.Equal(t, before+1, after)
    })

    t.Run("unknown counter name is a no-op", func(t *testing.T) {
        require.NotPanics(t, func() {
            pm.IncrementCounter("does_not_exist", map[string]string{})
        })
    })

    t.Run("observe histogram", func(t *testing.T) {
        require.NotPanics(t, func() {
            pm.ObserveHistogram("call_duration_seconds", 42, map[string]string{"account_type": "postpaid"})
        })
    })

    t.Run("set gauge with nil labels", func(t *testing.T) {
        require.NotPanics(t, func() {
            pm.SetGauge("active_calls", 3, nil)
        })
        require.Equal(t, float64(3), testutil.ToFloat64(pm.gauges["active_calls"].WithLabelValues()))
    })

    t.Run("unknown gauge name is a no-op", func(t *testing.T) {
        require.NotPanics(t, func() {
            pm.SetGauge("does_not_exist", 1, nil)
        })
    })
}
