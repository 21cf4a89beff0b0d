// Package metrics exposes Prometheus instrumentation for the gateway.
// A private registry keeps the scrape surface to our own series.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the daemon exports.
type Metrics struct {
	registry *prometheus.Registry

	// Requests counts API calls by method and outcome ("ok"/"fail").
	Requests *prometheus.CounterVec

	// ScanDuration observes one reconciler scan pass per coin.
	ScanDuration *prometheus.HistogramVec

	// DepositsDetected counts first-seen pending deposits per coin.
	DepositsDetected *prometheus.CounterVec

	// DepositsPromoted counts deposits reaching confirmation depth.
	DepositsPromoted *prometheus.CounterVec

	// WithdrawalsBroadcast counts successful external sends per coin.
	WithdrawalsBroadcast *prometheus.CounterVec

	// HoldsSwept counts expired holds released by the sweeper.
	HoldsSwept prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coingate",
			Name:      "api_requests_total",
			Help:      "API requests by method and outcome.",
		}, []string{"method", "outcome"}),
		ScanDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coingate",
			Name:      "scan_duration_seconds",
			Help:      "Duration of one deposit scan pass.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"coin"}),
		DepositsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coingate",
			Name:      "deposits_detected_total",
			Help:      "Pending deposits inserted by the scanner.",
		}, []string{"coin"}),
		DepositsPromoted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coingate",
			Name:      "deposits_promoted_total",
			Help:      "Deposits credited at confirmation depth.",
		}, []string{"coin"}),
		WithdrawalsBroadcast: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coingate",
			Name:      "withdrawals_broadcast_total",
			Help:      "External sends accepted by a wallet.",
		}, []string{"coin"}),
		HoldsSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coingate",
			Name:      "holds_swept_total",
			Help:      "Expired holds released.",
		}),
	}
}

// ObserveRequest records one API call outcome.
func (m *Metrics) ObserveRequest(method string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "fail"
	}
	m.Requests.WithLabelValues(method, outcome).Inc()
}

// Handler returns the scrape endpoint for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
