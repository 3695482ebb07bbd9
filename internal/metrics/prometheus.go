package metrics

import (
    "fmt"
    "net/http"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/telecom/billingcore/pkg/logger"
)

type PrometheusMetrics struct {
    counters   map[string]*prometheus.CounterVec
    histograms map[string]*prometheus.HistogramVec
    gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
    pm := &PrometheusMetrics{
        counters:   make(map[string]*prometheus.CounterVec),
        histograms: make(map[string]*prometheus.HistogramVec),
        gauges:     make(map[string]*prometheus.GaugeVec),
    }

    pm.registerMetrics()

    return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
    pm.counters["authorizations_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "billingcore_authorizations_total",
            Help: "Total number of call authorization requests",
        },
        []string{"account_type", "result"},
    )

    pm.counters["reservations_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "billingcore_reservations_total",
            Help: "Total number of reservation operations",
        },
        []string{"operation", "result"},
    )

    pm.counters["cdrs_written_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "billingcore_cdrs_written_total",
            Help: "Total number of CDRs persisted",
        },
        []string{"result"},
    )

    pm.counters["softswitch_events_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "billingcore_softswitch_events_total",
            Help: "Total number of softswitch events received",
        },
        []string{"event_type"},
    )

    pm.counters["softswitch_reconnects_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "billingcore_softswitch_reconnects_total",
            Help: "Total number of softswitch adapter reconnect attempts",
        },
        []string{},
    )

    // Histograms
    pm.histograms["call_duration_seconds"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "billingcore_call_duration_seconds",
            Help:    "Billed call duration in seconds",
            Buckets: []float64{5, 10, 30, 60, 120, 300, 600, 1800, 3600},
        },
        []string{"account_type"},
    )

    pm.histograms["authorization_duration_seconds"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "billingcore_authorization_duration_seconds",
            Help:    "Time taken to authorize a call",
            Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
        },
        []string{"result"},
    )

    pm.histograms["reservation_amount"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "billingcore_reservation_amount",
            Help:    "Reserved amount per reservation in account currency",
            Buckets: []float64{0.1, 0.5, 1, 5, 10, 20, 30, 50},
        },
        []string{"reservation_type"},
    )

    // Gauges
    pm.gauges["active_calls"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "billingcore_active_calls",
            Help: "Current number of in-progress monitored calls",
        },
        []string{},
    )

    pm.gauges["active_reservations"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "billingcore_active_reservations",
            Help: "Current number of active reservations per account",
        },
        []string{"account_id"},
    )

    pm.gauges["softswitch_connected"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "billingcore_softswitch_connected",
            Help: "1 if the softswitch adapter is connected, 0 otherwise",
        },
        []string{"server"},
    )

    for _, counter := range pm.counters {
        prometheus.MustRegister(counter)
    }
    for _, histogram := range pm.histograms {
        prometheus.MustRegister(histogram)
    }
    for _, gauge := range pm.gauges {
        prometheus.MustRegister(gauge)
    }
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
    if counter, exists := pm.counters[name]; exists {
        counter.With(prometheus.Labels(labels)).Inc()
    }
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
    if histogram, exists := pm.histograms[name]; exists {
        histogram.With(prometheus.Labels(labels)).Observe(value)
    }
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
    if gauge, exists := pm.gauges[name]; exists {
        if labels == nil {
            labels = make(map[string]string)
        }
        gauge.With(prometheus.Labels(labels)).Set(value)
    }
}

func (pm *PrometheusMetrics) ServeHTTP(port int) error {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())
    addr := fmt.Sprintf(":%d", port)
    logger.WithField("addr", addr).Info("metrics server started")
    return http.ListenAndServe(addr, mux)
}
