package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across the whole server.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "usp",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// SealStateGauge reports the current seal state as 0=Uninitialized,
// 1=Sealed, 2=Unsealing, 3=Unsealed (C3).
var SealStateGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "usp",
		Subsystem: "seal",
		Name:      "state",
		Help:      "Current seal state (0=uninitialized, 1=sealed, 2=unsealing, 3=unsealed).",
	},
)

// UnsealAttemptsTotal counts share submissions by outcome (C3).
var UnsealAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "usp",
		Subsystem: "seal",
		Name:      "unseal_attempts_total",
		Help:      "Total share submissions by outcome.",
	},
	[]string{"outcome"}, // accepted, duplicate, invalid, unsealed
)

// AuditChainLength tracks the number of records appended to the audit
// chain (C5).
var AuditChainLength = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "usp",
		Subsystem: "audit",
		Name:      "chain_length_total",
		Help:      "Total audit records appended to the chain.",
	},
)

// AuditWriteFailuresTotal counts failed audit appends (C5).
var AuditWriteFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "usp",
		Subsystem: "audit",
		Name:      "write_failures_total",
		Help:      "Total audit append failures.",
	},
)

// KVWritesTotal counts KV engine writes by outcome (C6).
var KVWritesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "usp",
		Subsystem: "kv",
		Name:      "writes_total",
		Help:      "Total KV writes by outcome.",
	},
	[]string{"outcome"}, // ok, cas_mismatch
)

// TransitOperationsTotal counts transit engine operations by type (C7).
var TransitOperationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "usp",
		Subsystem: "transit",
		Name:      "operations_total",
		Help:      "Total transit operations by type and outcome.",
	},
	[]string{"op", "outcome"},
)

// LeasesIssuedTotal counts dynamic database leases issued by plugin (C8).
var LeasesIssuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "usp",
		Subsystem: "database",
		Name:      "leases_issued_total",
		Help:      "Total dynamic database leases issued by plugin.",
	},
	[]string{"plugin"},
)

// LeasesRevokedTotal counts lease revocations by outcome (C8/C10).
var LeasesRevokedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "usp",
		Subsystem: "lease",
		Name:      "revoked_total",
		Help:      "Total lease revocations by outcome.",
	},
	[]string{"outcome"}, // ok, failed
)

// AuthzDecisionsTotal counts authorization decisions by result (C9).
var AuthzDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "usp",
		Subsystem: "authz",
		Name:      "decisions_total",
		Help:      "Total authorization decisions by result.",
	},
	[]string{"decision"}, // permit, deny
)

// All returns every USP-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		SealStateGauge,
		UnsealAttemptsTotal,
		AuditChainLength,
		AuditWriteFailuresTotal,
		KVWritesTotal,
		TransitOperationsTotal,
		LeasesIssuedTotal,
		LeasesRevokedTotal,
		AuthzDecisionsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTPRequestDuration metric, and any
// additional service-specific collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
