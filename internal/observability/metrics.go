package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the risk engine.
type Metrics struct {
	// --- Core processing ---
	EventsApplied  *prometheus.CounterVec
	EventsRejected *prometheus.CounterVec
	ApplyDuration  *prometheus.HistogramVec
	Duplicates     *prometheus.CounterVec

	// --- Sequencing ---
	FillsBuffered prometheus.Counter
	BufferedFills *prometheus.GaugeVec
	SequenceGaps  prometheus.Counter

	// --- Mark ticks ---
	TicksCoalesced *prometheus.CounterVec
	TicksStale     prometheus.Counter

	// --- Risk ---
	LiquidationIntents *prometheus.CounterVec
	OpenPositions      prometheus.Gauge

	// --- Ingestion & outbound ---
	IngestDecodeErrors *prometheus.CounterVec
	ProjectionDrops    prometheus.Counter
	PublishDrops       prometheus.Counter
	Published          *prometheus.CounterVec

	// --- Persistence ---
	PersistRowsWritten prometheus.Counter
	PersistBatchSize   prometheus.Histogram
	PersistBatchDur    prometheus.Histogram
	PersistErrors      *prometheus.CounterVec
	PersistRetry       prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics on the default
// registry. Call once per process; tests pass a nil *Metrics or use
// NewMetricsWith and a private registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		EventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_core_events_applied_total",
			Help: "Events applied by the position pipeline",
		}, []string{"event_type"}),

		EventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_core_events_rejected_total",
			Help: "Events rejected, by error kind",
		}, []string{"event_type", "kind"}),

		ApplyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "risk_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		Duplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_core_duplicates_total",
			Help: "Duplicate events acknowledged without applying",
		}, []string{"event_type"}),

		FillsBuffered: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_sequencer_fills_buffered_total",
			Help: "Fills held behind a sequence gap",
		}),

		BufferedFills: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "risk_sequencer_buffered_fills",
			Help: "Fills currently held behind a sequence gap",
		}, []string{"shard"}),

		SequenceGaps: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_sequencer_gaps_total",
			Help: "Sequence gaps that timed out and flagged a position for reconciliation",
		}),

		TicksCoalesced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_mark_ticks_coalesced_total",
			Help: "Mark ticks replaced by a newer tick before processing",
		}, []string{"instrument"}),

		TicksStale: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_mark_ticks_stale_total",
			Help: "Mark ticks dropped as older than the applied mark",
		}),

		LiquidationIntents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_liquidation_intents_total",
			Help: "Liquidation intents emitted",
		}, []string{"instrument"}),

		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "risk_open_positions",
			Help: "Positions not yet closed",
		}),

		IngestDecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_ingest_decode_errors_total",
			Help: "Inbound messages that could not be decoded",
		}, []string{"kind"}),

		ProjectionDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_publish_drops_total",
			Help: "Outbound events dropped because the publish channel was full",
		}),

		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_published_total",
			Help: "Outbound events published",
		}, []string{"kind"}),

		PersistRowsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_persist_rows_written_total",
			Help: "Rows written to the event log",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "risk_persist_batch_size",
			Help:    "Rows per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "risk_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"stage"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "risk_persist_retries_total",
			Help: "Persistence batch retries",
		}),

		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_query_requests_total",
			Help: "Query requests served",
		}, []string{"endpoint", "status"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "risk_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"endpoint"}),
	}
}
