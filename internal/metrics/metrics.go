package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GroupSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "resilience",
		Subsystem: "group",
		Name:      "size",
		Help:      "Number of ranks in the group",
	})

	Generation = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "resilience",
		Subsystem: "group",
		Name:      "generation",
		Help:      "Current restart generation",
	})

	CollectivesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resilience",
		Subsystem: "group",
		Name:      "collectives_total",
		Help:      "Total collective contributions by reduction op",
	}, []string{"op"})

	FaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resilience",
		Subsystem: "fault",
		Name:      "total",
		Help:      "Total group faults by origin (raised or detected)",
	}, []string{"origin"})

	FaultsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "resilience",
		Subsystem: "fault",
		Name:      "queued_total",
		Help:      "Fault notices queued because an episode was in progress",
	})

	EpisodesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resilience",
		Subsystem: "recovery",
		Name:      "episodes_total",
		Help:      "Recovery episodes by outcome",
	}, []string{"outcome"})

	RestartStep = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "resilience",
		Subsystem: "recovery",
		Name:      "restart_step",
		Help:      "Last agreed restart step",
	})

	UnwindDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "resilience",
		Subsystem: "recovery",
		Name:      "unwind_duration_seconds",
		Help:      "Time to run the cleanup handler stack",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
	})

	ConsensusDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "resilience",
		Subsystem: "recovery",
		Name:      "consensus_duration_seconds",
		Help:      "Time to agree on recovery parameters",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	})

	CleanupHandlersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resilience",
		Subsystem: "cleanup",
		Name:      "handlers_total",
		Help:      "Cleanup handler invocations by result",
	}, []string{"result"})

	CleanupStackDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "resilience",
		Subsystem: "cleanup",
		Name:      "stack_depth",
		Help:      "Registered cleanup handlers at the last change",
	})

	StepsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "resilience",
		Subsystem: "ledger",
		Name:      "steps_completed_total",
		Help:      "Total steps marked complete",
	})

	CheckpointResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resilience",
		Subsystem: "checkpoint",
		Name:      "resolutions_total",
		Help:      "Checkpoint resolutions by source",
	}, []string{"source"})

	CheckpointSaves = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "resilience",
		Subsystem: "checkpoint",
		Name:      "saves_total",
		Help:      "Total checkpoints saved",
	})

	CheckpointSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "resilience",
		Subsystem: "checkpoint",
		Name:      "size_bytes",
		Help:      "Size of the last saved checkpoint",
	})

	ReplicaTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resilience",
		Subsystem: "checkpoint",
		Name:      "replica_transfers_total",
		Help:      "Replica messages by direction",
	}, []string{"direction"})

	WALWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "resilience",
		Subsystem: "wal",
		Name:      "writes_total",
		Help:      "Total WAL writes",
	})

	WALWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "resilience",
		Subsystem: "wal",
		Name:      "write_duration_seconds",
		Help:      "WAL write duration",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
	})

	GRPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resilience",
		Subsystem: "grpc",
		Name:      "requests_total",
		Help:      "Total gRPC requests",
	}, []string{"service", "method", "code"})

	GRPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "resilience",
		Subsystem: "grpc",
		Name:      "request_duration_seconds",
		Help:      "gRPC request duration",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	}, []string{"service", "method"})
)
