// Package metrics defines and registers the service's Prometheus metrics and
// exposes them over HTTP for scraping.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hostvol/hostvol/pkg/types"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostvol_requests_total",
			Help: "Total number of volume requests by command and result",
		},
		[]string{"command", "result"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hostvol_request_duration_seconds",
			Help:    "Volume request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	StoreConfigured = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostvol_store_configured",
			Help: "Whether the tenant store is initialized (1) or running allow-all (0)",
		},
	)

	SlotsExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hostvol_slots_exhausted_total",
			Help: "Total number of attach requests refused for lack of a free device slot",
		},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(StoreConfigured)
	prometheus.MustRegister(SlotsExhaustedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ResultLabel buckets an error into the result label of RequestsTotal.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, types.ErrValidation):
		return "invalid"
	case errors.Is(err, types.ErrDenied), errors.Is(err, types.ErrQuotaExceeded):
		return "denied"
	case errors.Is(err, types.ErrNotFound):
		return "not_found"
	case errors.Is(err, types.ErrExists), errors.Is(err, types.ErrInUse):
		return "conflict"
	case errors.Is(err, types.ErrNoCapacity):
		return "no_capacity"
	default:
		return "error"
	}
}

// ObserveRequest records one completed request.
func ObserveRequest(command string, err error, started time.Time) {
	RequestsTotal.WithLabelValues(command, ResultLabel(err)).Inc()
	RequestDuration.WithLabelValues(command).Observe(time.Since(started).Seconds())
	if errors.Is(err, types.ErrNoCapacity) {
		SlotsExhaustedTotal.Inc()
	}
}
