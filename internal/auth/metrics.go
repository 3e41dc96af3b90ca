package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the operator-visible counters for the sign-in flow.
type Metrics struct {
	LoginsStarted    prometheus.Counter
	CallbackOutcomes *prometheus.CounterVec
	ExchangeDuration prometheus.Histogram
	LoginsThrottled  prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoginsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iesgate_logins_started_total",
			Help: "Number of redirects to the identity provider",
		}),
		CallbackOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iesgate_callbacks_total",
			Help: "Callback handling results by outcome",
		}, []string{"outcome"}),
		ExchangeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "iesgate_token_exchange_duration_seconds",
			Help:    "Latency of authorization code exchanges",
			Buckets: prometheus.DefBuckets,
		}),
		LoginsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iesgate_logins_throttled_total",
			Help: "Login starts rejected by the per-client rate limit",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.LoginsStarted, m.CallbackOutcomes, m.ExchangeDuration, m.LoginsThrottled)
	}
	return m
}
