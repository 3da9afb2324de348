package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	BillableCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_meter_billable_calls_total",
			Help: "Billable calls seen by the interceptor",
		},
		[]string{"endpoint", "status"},
	)
	Tokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_meter_tokens_total",
			Help: "Tokens committed to accounts",
		},
		[]string{"model", "type"},
	)
	QuotaDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_meter_quota_denials_total",
			Help: "Requests rejected by the quota gate or rate limiter",
		},
		[]string{"reason"},
	)
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_meter_upstream_errors_total",
			Help: "Backend failures by kind",
		},
		[]string{"kind"},
	)
	AccountingFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_meter_accounting_failures_total",
			Help: "Billing events that could not be committed",
		},
	)
	BackendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_meter_backend_latency_seconds",
			Help:    "Backend call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(BillableCalls)
	prometheus.MustRegister(Tokens)
	prometheus.MustRegister(QuotaDenials)
	prometheus.MustRegister(UpstreamErrors)
	prometheus.MustRegister(AccountingFailures)
	prometheus.MustRegister(BackendLatency)
}
