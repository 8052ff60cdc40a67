// Package http provides the HTTP transport adapter for the
// authorization check API.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for gitops-gate.
// Pass to components that need to record metrics.
type Metrics struct {
	CheckRequestsTotal *prometheus.CounterVec
	CheckDuration      *prometheus.HistogramVec
	PolicyReloadsTotal *prometheus.CounterVec
	RateLimitedTotal   prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		CheckRequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gitopsgate",
				Name:      "check_requests_total",
				Help:      "Total authorization checks processed",
			},
			[]string{"outcome"}, // outcome=allow/deny/error
		),
		CheckDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gitopsgate",
				Name:      "check_duration_seconds",
				Help:      "Authorization check duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		PolicyReloadsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gitopsgate",
				Name:      "policy_reloads_total",
				Help:      "Total policy reload attempts",
			},
			[]string{"result"}, // result=ok/error
		),
		RateLimitedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "gitopsgate",
				Name:      "rate_limited_total",
				Help:      "Total requests rejected by rate limiting",
			},
		),
	}
}

// RegisterStateGauges registers gauges that read live component state at
// scrape time: active policy generation, audit log size, shipping drops,
// and tracked rate limit keys.
func RegisterStateGauges(reg prometheus.Registerer, s *Server) {
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "gitopsgate",
			Name:      "policy_generation",
			Help:      "Generation of the active compiled policy",
		},
		func() float64 { return float64(s.store.Generation()) },
	))
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "gitopsgate",
			Name:      "audit_records",
			Help:      "Records held in the in-process audit log",
		},
		func() float64 { return float64(s.auditLog.Len()) },
	))
	if s.forwarder != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "gitopsgate",
				Name:      "audit_shipping_drops_total",
				Help:      "Audit records dropped by the best-effort shipper",
			},
			func() float64 { return float64(s.forwarder.DroppedRecords()) },
		))
	}
	if s.rateLimiter != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "gitopsgate",
				Name:      "rate_limit_keys",
				Help:      "Number of active rate limit keys",
			},
			func() float64 { return float64(s.rateLimiter.Size()) },
		))
	}
}
