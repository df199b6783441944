package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for IntentFlow.
// A nil *Metrics is valid everywhere it is accepted; callers check before use.
type Metrics struct {
	// --- Coordinator ---
	EventsApplied   *prometheus.CounterVec
	EventsDuplicate *prometheus.CounterVec
	ApplyErrors     *prometheus.CounterVec
	ApplyDuration   prometheus.Histogram
	ProjectionDrops prometheus.Counter
	// SequenceAnomalies counts producer sequences that skip ahead or arrive late.
	SequenceAnomalies *prometheus.CounterVec
	CacheMirrorError  prometheus.Counter

	// --- Bus ---
	Published      *prometheus.CounterVec
	PublishErrors  *prometheus.CounterVec
	HandlerErrors  *prometheus.CounterVec
	DeadLettered   *prometheus.CounterVec
	BufferErrors   prometheus.Counter
	NATSReconnects prometheus.Counter

	// --- Intent Manager ---
	Submissions    *prometheus.CounterVec
	RiskRejections *prometheus.CounterVec
	QueueDepth     prometheus.Gauge
	WorkerErrors   prometheus.Counter
	SubIntents     prometheus.Counter

	// --- Execution ---
	PlansExecuted *prometheus.CounterVec
	StepDuration  prometheus.Histogram

	// --- API ---
	APIRequests *prometheus.CounterVec
}

// NewMetrics registers every metric with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intentflow_coordinator_events_applied_total",
			Help: "Events committed to the event store by the state coordinator.",
		}, []string{"topic"}),
		EventsDuplicate: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intentflow_coordinator_events_duplicate_total",
			Help: "Events ignored because their event id was already applied.",
		}, []string{"tier"}),
		ApplyErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intentflow_coordinator_apply_errors_total",
			Help: "Failed applyEvent calls.",
		}, []string{"topic"}),
		SequenceAnomalies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intentflow_coordinator_sequence_anomalies_total",
			Help: "Producer-supplied sequences that were not the next expected one.",
		}, []string{"kind"}),
		ApplyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "intentflow_coordinator_apply_duration_seconds",
			Help:    "Time spent in applyEvent, including the store transaction.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "intentflow_projection_mirror_drops_total",
			Help: "Read-model updates dropped because the mirror channel was full.",
		}),
		CacheMirrorError: f.NewCounter(prometheus.CounterOpts{
			Name: "intentflow_projection_mirror_errors_total",
			Help: "Failed writes of read models into the cache.",
		}),

		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intentflow_bus_published_total",
			Help: "Envelopes published to the bus.",
		}, []string{"family", "duplicate"}),
		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intentflow_bus_publish_errors_total",
			Help: "Publish failures by reason.",
		}, []string{"family", "reason"}),
		HandlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intentflow_bus_handler_errors_total",
			Help: "Subscriber handler failures.",
		}, []string{"durable"}),
		DeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intentflow_bus_dead_lettered_total",
			Help: "Messages parked after exhausting redelivery.",
		}, []string{"durable"}),
		BufferErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "intentflow_bus_buffer_errors_total",
			Help: "Fast replay buffer write failures.",
		}),
		NATSReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "intentflow_nats_reconnects_total",
			Help: "NATS reconnections.",
		}),

		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intentflow_intent_submissions_total",
			Help: "Intent submissions by receipt status.",
		}, []string{"status"}),
		RiskRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intentflow_risk_rejections_total",
			Help: "Risk gate rejections by reason code.",
		}, []string{"reason"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "intentflow_intent_queue_depth",
			Help: "Intents waiting in the priority queue.",
		}),
		WorkerErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "intentflow_intent_worker_errors_total",
			Help: "Failed worker-loop iterations.",
		}),
		SubIntents: f.NewCounter(prometheus.CounterOpts{
			Name: "intentflow_intent_sub_intents_total",
			Help: "Sub-intents produced by the decomposition pipeline.",
		}),

		PlansExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intentflow_execution_plans_total",
			Help: "Plans run by the orchestrator by outcome.",
		}, []string{"outcome"}),
		StepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "intentflow_execution_step_duration_seconds",
			Help:    "Venue submit-to-fill time per plan step.",
			Buckets: prometheus.DefBuckets,
		}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intentflow_api_requests_total",
			Help: "HTTP API requests by route and status code.",
		}, []string{"route", "code"}),
	}
}
