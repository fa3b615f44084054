// Package observability exposes the broker's Prometheus metrics: task
// throughput, queue depth, scheduler cycle latency, leadership
// transitions, and HTTP/idempotency instrumentation.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksEnqueued counts admitted tasks by tenant and priority.
	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskbroker_tasks_enqueued_total",
		Help: "Total number of tasks admitted into the queue",
	}, []string{"tenant", "priority"})

	// TasksCompleted counts tasks reaching a terminal status.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskbroker_tasks_completed_total",
		Help: "Total number of tasks reaching a terminal status",
	}, []string{"tenant", "status"})

	// QueueDepth tracks the number of QUEUED/APPROVED_QUEUED tasks.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskbroker_queue_depth",
		Help: "Current number of tasks awaiting assignment",
	}, []string{"tenant"})

	// WaitingAgents tracks how many agents are currently parked on a long-poll.
	WaitingAgents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskbroker_waiting_agents",
		Help: "Current number of agents parked on a long-poll",
	}, []string{"tenant"})

	// ReservationsRequeued counts PENDING_ACK reservations the Scheduler
	// requeued after ACK_TIMEOUT_MS elapsed without an ack.
	ReservationsRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskbroker_reservations_requeued_total",
		Help: "Total reservations requeued after ack timeout",
	}, []string{"tenant"})

	// TasksRebalanced counts stale in-flight tasks force-retried by the Scheduler.
	TasksRebalanced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskbroker_tasks_rebalanced_total",
		Help: "Total tasks force-retried after going stale",
	}, []string{"tenant"})

	// SchedulerCycleDuration tracks one full maintenance cycle's wall time.
	SchedulerCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskbroker_scheduler_cycle_duration_seconds",
		Help:    "Duration of one Scheduler maintenance cycle",
		Buckets: prometheus.DefBuckets,
	})

	// LeaderEpoch tracks the current fencing epoch held by this node.
	LeaderEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskbroker_leader_epoch",
		Help: "Current fencing epoch held by this node's leader election",
	}, []string{"node_id"})

	// LeadershipTransitions counts leadership acquisition/loss events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskbroker_leader_transitions_total",
		Help: "Total leadership transitions observed by this node",
	}, []string{"node_id", "event"})

	// PolicyRejections counts tasks rejected by the prompt policy check.
	PolicyRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskbroker_policy_rejections_total",
		Help: "Total tasks rejected by the security policy check",
	}, []string{"tenant"})

	// HTTPRequestDuration tracks request latency by route, method and status code.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskbroker_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})

	// IdempotencyHits counts idempotency-key replays served from cache.
	IdempotencyHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskbroker_idempotency_hits_total",
		Help: "Total requests served from an idempotency-key cache hit",
	}, []string{"route"})
)
