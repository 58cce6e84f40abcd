package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultOK           = "ok"
	ResultEmptyCart    = "empty_cart"
	ResultInsufficient = "insufficient_stock"
	ResultBusy         = "busy"
	ResultPersistence  = "persistence"
	ResultDuplicate    = "duplicate"
	ResultError        = "error"
)

type CheckoutMetrics struct {
	Checkouts *prometheus.CounterVec
	LatencyMS prometheus.Histogram
	Releases  *prometheus.CounterVec
}

// NewCheckoutMetrics registers the collectors on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewCheckoutMetrics(reg prometheus.Registerer) *CheckoutMetrics {
	checkouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grocery",
		Name:      "checkout_total",
		Help:      "Checkouts by result.",
	}, []string{"result"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "grocery",
		Name:      "checkout_duration_ms",
		Help:      "Checkout latency in milliseconds.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})
	releases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grocery",
		Name:      "stock_release_total",
		Help:      "Compensating stock releases by result.",
	}, []string{"result"})

	reg.MustRegister(checkouts, latency, releases)
	return &CheckoutMetrics{Checkouts: checkouts, LatencyMS: latency, Releases: releases}
}

func (m *CheckoutMetrics) ObserveCheckout(result string, ms float64) {
	if m == nil {
		return
	}
	m.Checkouts.WithLabelValues(result).Inc()
	m.LatencyMS.Observe(ms)
}

func (m *CheckoutMetrics) ObserveRelease(ok bool) {
	if m == nil {
		return
	}
	result := ResultOK
	if !ok {
		result = ResultError
	}
	m.Releases.WithLabelValues(result).Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
