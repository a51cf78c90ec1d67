package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors of the Kestrel core. Registered on the default
// registry; the telemetry endpoint scrapes them.
var (
	QueuePushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_queue_pushed_total",
		Help: "Records pushed, by queue.",
	}, []string{"queue"})

	QueueAcked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_queue_acked_total",
		Help: "Records acknowledged, by queue and consumer group.",
	}, []string{"queue", "group"})

	QueueReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_queue_reclaimed_total",
		Help: "Orphaned reservations reclaimed, by queue and consumer group.",
	}, []string{"queue", "group"})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_dead_letters_total",
		Help: "Records rejected to the dead-letter queue, by source queue and reason.",
	}, []string{"queue", "reason"})

	CrashesDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_crashes_deduped_total",
		Help: "Raw crashes discarded as duplicates of an existing crash token.",
	}, []string{"task"})

	BuildsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_builds_started_total",
		Help: "Builds dispatched, by build type and sanitizer.",
	}, []string{"type", "sanitizer"})

	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_submissions_total",
		Help: "External API create requests, by artifact kind and outcome.",
	}, []string{"kind", "outcome"})

	TaskStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kestrel_tasks",
		Help: "Live tasks by scheduler state.",
	}, []string{"state"})
)
