// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rochaturbo"

var (
	// Intake metrics

	// WebhookEvents counts webhook deliveries by provider and outcome
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by outcome",
		},
		[]string{"provider", "outcome"}, // outcome: queued, inline, duplicate, unauthorized, invalid, failed
	)

	// Queue metrics

	// QueueJobs counts finished job attempts
	QueueJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Queue job attempts by result",
		},
		[]string{"queue", "result"}, // result: success, retry, failed
	)

	// QueueJobDuration tracks handler latency
	QueueJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Time spent running a job handler",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// QueueInflight tracks jobs currently held by a worker
	QueueInflight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "inflight",
			Help:      "Jobs currently being processed",
		},
		[]string{"queue"},
	)

	// Flow metrics

	// FlowTransitions counts state machine actions
	FlowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "transitions_total",
			Help:      "Flow engine actions by flow type",
		},
		[]string{"flow_type", "action"},
	)

	// Outbound metrics

	// OutboundMessages counts sendText calls
	OutboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound text messages by provider and result",
		},
		[]string{"provider", "result"},
	)

	// SchedulerEnqueued counts internal jobs enqueued by the cron scheduler
	SchedulerEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "enqueued_total",
			Help:      "Internal jobs enqueued by the scheduler",
		},
		[]string{"job"},
	)
)
