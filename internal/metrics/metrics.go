// Package metrics provides Prometheus instrumentation for the server's
// worker pool, request counters, and ICL reconnect behaviour — the same
// numbers the console DISPLAY STATUS command surfaces to an operator
// (spec.md §3, §9.4 of SPEC_FULL.md), exposed for external scraping too.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Worker pool gauges, mirroring SGS's free/assigned/shutdown counters.
var (
	WorkersFree = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jdbcsrv_workers_free",
		Help: "Number of workers currently on the free chain.",
	})

	WorkersAssigned = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jdbcsrv_workers_assigned",
		Help: "Number of workers currently assigned to a client.",
	})

	WorkersShutdown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jdbcsrv_workers_shutdown",
		Help: "Number of workers permanently drained by immediate shutdown.",
	})
)

// Client/request counters.
var (
	ClientsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jdbcsrv_clients_total",
		Help: "Total number of client connections accepted.",
	})

	RequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jdbcsrv_requests_total",
		Help: "Total number of request packets dispatched.",
	})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jdbcsrv_task_duration_seconds",
		Help:    "Task dispatch duration in seconds, by task code.",
		Buckets: prometheus.DefBuckets,
	}, []string{"task_code"})
)

// ICL/transport metrics.
var (
	ICLReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jdbcsrv_icl_reconnects_total",
		Help: "Total number of ICL listen-socket reconnect attempts.",
	}, []string{"icl"})

	TraceFilesOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jdbcsrv_tracefiles_open",
		Help: "Number of distinct client trace files currently open.",
	})
)
