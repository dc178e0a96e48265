package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "keypaird"

type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequests   *prometheus.CounterVec
	CryptoDuration *prometheus.HistogramVec
	PoolInFlight   prometheus.Gauge
	PoolWaiting    prometheus.Gauge
	StoreErrors    *prometheus.CounterVec
}

// New registers collectors on a private registry so tests can build as many
// servers as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		CryptoDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "crypto_duration_seconds",
			Help:      "Time spent in key generation, sealing and opening.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),
		PoolInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workpool_in_flight",
			Help:      "Crypto jobs currently running.",
		}),
		PoolWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workpool_waiting",
			Help:      "Crypto jobs waiting for a worker.",
		}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Backend failures surfaced as storage errors.",
		}, []string{"op"}),
	}
	reg.MustRegister(
		m.HTTPRequests,
		m.CryptoDuration,
		m.PoolInFlight,
		m.PoolWaiting,
		m.StoreErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveCrypto(op string, started time.Time) {
	if m == nil {
		return
	}
	m.CryptoDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}
