package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of pending execution starts in the
	// admission queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_queue_depth",
		Help: "Current number of execution starts in the admission queue",
	}, []string{"priority"})

	// AdmissionDecisions tracks admission gauntlet decisions by type.
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_admission_decisions_total",
		Help: "Total number of admission decisions made",
	}, []string{"decision", "reason"})

	// AdmissionLoopDuration tracks the duration of the admission worker loop.
	AdmissionLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_admission_loop_duration_seconds",
		Help:    "Duration of the main admission loop iteration",
		Buckets: prometheus.DefBuckets,
	})

	// QueueOldestTaskAge tracks the age of the oldest queued start request.
	QueueOldestTaskAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_queue_oldest_age_seconds",
		Help: "Age of the oldest pending request in the admission queue",
	}, []string{"tenant", "priority"})

	// SchedulerMode tracks the execution engine's current operating mode.
	SchedulerModeMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_scheduler_mode",
		Help: "Current scheduler mode (1=Normal, 2=Degraded, 3=ReadOnly, 4=Draining)",
	}, []string{"mode"})

	// LeadershipTransitions tracks leadership acquisition and loss events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "event"})

	// ExecutionTimeouts tracks executions forcibly terminated due to timeout.
	ExecutionTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_execution_timeouts_total",
		Help: "Executions forcibly terminated due to timeout",
	}, []string{"execution_id", "phase", "timeout_reason"})

	// ExecutionRuntimeSeconds tracks the execution time of container runs.
	ExecutionRuntimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_execution_runtime_seconds",
		Help:    "Execution run time distribution",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// SchedulerWorkerSaturation tracks admission worker pool utilization.
	SchedulerWorkerSaturation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_scheduler_worker_saturation",
		Help: "Ratio of busy admission workers to the worker pool size (0.0-1.0)",
	})

	// SchedulerRejections tracks requests rejected by the admission gauntlet.
	SchedulerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_scheduler_rejections_total",
		Help: "Requests rejected by admission control",
	}, []string{"reason"})

	// SchedulerCircuitState tracks circuit breaker state.
	SchedulerCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_scheduler_circuit_state",
		Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"state"})

	// EventPublishFailures tracks failed event publish attempts.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"event_type", "reason"})

	// ExecutionRetries tracks the total number of execution retries.
	ExecutionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_execution_retries_total",
		Help: "Total number of execution retry attempts",
	})

	// ExecutionSuccesses tracks the total number of successfully completed executions.
	ExecutionSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_execution_success_total",
		Help: "Total number of successfully completed executions",
	})

	// DBPendingSchedules tracks the number of due-but-not-yet-fired schedules.
	DBPendingSchedules = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_db_pending_schedules",
		Help: "Current number of schedules past their next_fire_at",
	}, []string{"tenant"})

	// SchedulerAdmissionWaitSeconds tracks time requests wait in the queue.
	SchedulerAdmissionWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_admission_wait_seconds",
		Help:    "Time requests wait in the admission queue before a worker picks them up",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	RuntimeMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_runtime_mode",
		Help: "Current runtime mode configuration (1 = active)",
	}, []string{"mode"})

	// APIRateLimited tracks API requests rejected by rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency (coordination spine health)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	// ActiveExecutions tracks the number of currently running executions.
	ActiveExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_active_executions",
		Help: "Current number of running executions",
	})

	// HeartbeatsReceived tracks callback heartbeats received.
	HeartbeatsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_heartbeats_received_total",
		Help: "Total number of heartbeat callbacks received from running containers",
	}, []string{"execution_id"})

	// ReconcilerActionsTotal tracks liveness reconciler actions taken.
	ReconcilerActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_reconciler_actions_total",
		Help: "Total number of liveness reconciler corrective actions",
	}, []string{"action"}) // mark_failed, mark_success_silent, heartbeat_lost, container_reaped

	// PortAllocationFailures tracks port allocator exhaustion events.
	PortAllocationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_port_allocation_failures_total",
		Help: "Total number of port allocation attempts that exhausted the configured range",
	}, []string{"host_id"})
)
