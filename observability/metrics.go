package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// GovernanceMetrics aggregates the counters the engine emits as it processes
// ledger writes, heartbeats, workflow transitions, and rate-limit decisions.
type GovernanceMetrics struct {
	AuditRecords    *prometheus.CounterVec
	BlocksSealed    *prometheus.CounterVec
	BlockEnergy     prometheus.Histogram
	Requests        *prometheus.CounterVec
	Proposals       *prometheus.CounterVec
	RateLimitDenied *prometheus.CounterVec
	TrustUpdates    *prometheus.CounterVec
}

var (
	governanceOnce sync.Once
	governanceReg  *GovernanceMetrics
)

// Metrics returns the lazily-initialised governance metrics registry.
func Metrics() *GovernanceMetrics {
	governanceOnce.Do(func() {
		governanceReg = &GovernanceMetrics{
			AuditRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hardbound",
				Subsystem: "ledger",
				Name:      "audit_records_total",
				Help:      "Audit records appended, segmented by action type.",
			}, []string{"action_type"}),
			BlocksSealed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hardbound",
				Subsystem: "heartbeat",
				Name:      "blocks_sealed_total",
				Help:      "Heartbeat blocks sealed, segmented by metabolic state.",
			}, []string{"state"}),
			BlockEnergy: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "hardbound",
				Subsystem: "heartbeat",
				Name:      "block_energy_atp",
				Help:      "ATP energy cost per sealed block.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			}),
			Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hardbound",
				Subsystem: "r6",
				Name:      "requests_total",
				Help:      "R6 requests by action type and terminal status.",
			}, []string{"action_type", "status"}),
			Proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hardbound",
				Subsystem: "multisig",
				Name:      "proposals_total",
				Help:      "Multi-sig proposals by critical action and terminal status.",
			}, []string{"action", "status"}),
			RateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hardbound",
				Subsystem: "ratelimit",
				Name:      "denied_total",
				Help:      "Rate-limit denials by rule.",
			}, []string{"rule"}),
			TrustUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hardbound",
				Subsystem: "trust",
				Name:      "updates_total",
				Help:      "Trust updates by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			governanceReg.AuditRecords,
			governanceReg.BlocksSealed,
			governanceReg.BlockEnergy,
			governanceReg.Requests,
			governanceReg.Proposals,
			governanceReg.RateLimitDenied,
			governanceReg.TrustUpdates,
		)
	})
	return governanceReg
}
