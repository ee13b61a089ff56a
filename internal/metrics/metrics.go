// Package metrics holds the Prometheus collectors shared across the core's
// components. Collectors are package-level promauto vars, matching the
// teacher's repository/handler metrics style, registered once against the
// default registry at process start.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueOps counts storage queue operations by op and outcome.
	QueueOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_queue_operations_total",
			Help: "Total number of queue operations (enqueue/dequeue/complete/fail).",
		},
		[]string{"operation", "status"},
	)

	// LockWaitSeconds tracks time spent acquiring the per-customer lock.
	LockWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "core_lock_wait_seconds",
			Help:    "Time spent waiting to acquire the per-customer distributed lock.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// LLMCallDuration tracks end-to-end LLM call latency, including inner retries.
	LLMCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "core_llm_call_duration_seconds",
			Help:    "Duration of LLM client calls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// LLMErrorsTotal counts LLM client errors by category.
	LLMErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_llm_errors_total",
			Help: "Total LLM client errors by error code.",
		},
		[]string{"error_code"},
	)

	// PlatformSendDuration tracks outbound platform send latency.
	PlatformSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "core_platform_send_duration_seconds",
			Help:    "Duration of outbound platform send calls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"platform", "outcome"},
	)

	// CreditDeductions counts credit ledger decrement attempts by outcome.
	CreditDeductions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_credit_deductions_total",
			Help: "Total credit ledger deduction attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// BookingsTotal counts meeting-booking attempts by outcome.
	BookingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_bookings_total",
			Help: "Total meeting booking attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// WorkerMessagesProcessed counts fully-resolved messages per worker outcome.
	WorkerMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_worker_messages_processed_total",
			Help: "Total messages processed by workers, by terminal outcome.",
		},
		[]string{"outcome"},
	)

	// ActiveWorkers reports the manager's current worker pool size.
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "core_manager_active_workers",
			Help: "Current number of worker goroutines supervised by the manager.",
		},
	)

	// ObservedCPULoad reports the manager's last sampled CPU load percentage.
	ObservedCPULoad = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "core_manager_observed_cpu_load_percent",
			Help: "Last CPU load sample observed by the auto-scaler.",
		},
	)

	// PersistenceTasksTotal counts async persistence task outcomes.
	PersistenceTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_persistence_tasks_total",
			Help: "Total async persistence tasks by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)
