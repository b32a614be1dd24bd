package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Ingestion queue metrics
	QueueSubmitted *prometheus.CounterVec
	QueueRejected  *prometheus.CounterVec
	QueueDepth     prometheus.Gauge

	// Matching worker metrics
	CycleDuration      prometheus.Histogram
	OrdersApplied      *prometheus.CounterVec
	MetadataFailures   prometheus.Counter
	OrderBookSize      *prometheus.GaugeVec
	MatchesFound       *prometheus.CounterVec
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionVolume    *prometheus.CounterVec
	SnapshotsPublished *prometheus.CounterVec

	// Settlement metrics
	SettlementsSubmitted *prometheus.CounterVec
	SettlementsFailed    *prometheus.CounterVec
	SettlementsConfirmed *prometheus.CounterVec
	SettlementLatency    *prometheus.HistogramVec
	SettlementPending    *prometheus.GaugeVec

	// Ledger event pipeline metrics
	LedgerEvents     *prometheus.CounterVec
	LedgerBlock      prometheus.Gauge
	LedgerRangeFetch prometheus.Histogram
	LedgerGaps       prometheus.Counter

	// WebSocket metrics
	WSConnections  prometheus.Gauge
	WSMessagesSent *prometheus.CounterVec

	// RabbitMQ metrics
	MQMessagesPublished *prometheus.CounterVec
	MQMessagesConsumed  *prometheus.CounterVec

	// Cache metrics
	CacheLatency *prometheus.HistogramVec
}

// NewMetrics creates all application metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Ingestion queue metrics
		QueueSubmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_commands_submitted_total",
				Help: "Commands accepted by the ingestion queue",
			},
			[]string{"kind"},
		),
		QueueRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_commands_rejected_total",
				Help: "Commands rejected because the ingestion queue stayed full",
			},
			[]string{"kind"},
		),
		QueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingestion_queue_depth",
				Help: "Commands waiting in the ingestion queue",
			},
		),

		// Matching worker metrics
		CycleDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "matching_cycle_duration_seconds",
				Help:    "Duration of non-empty matching cycles",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		OrdersApplied: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orders_applied_total",
				Help: "Order mutations applied to books",
			},
			[]string{"instrument", "kind"},
		),
		MetadataFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "order_metadata_failures_total",
				Help: "Orders skipped because metadata could not be resolved",
			},
		),
		OrderBookSize: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orderbook_size",
				Help: "Number of resting orders in the order book",
			},
			[]string{"instrument"},
		),
		MatchesFound: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matches_found_total",
				Help: "Crossing pairs routed to settlement",
			},
			[]string{"instrument"},
		),
		ExecutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "executions_total",
				Help: "Total number of settled executions",
			},
			[]string{"instrument"},
		),
		ExecutionVolume: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execution_volume_total",
				Help: "Total executed volume by instrument",
			},
			[]string{"instrument"},
		),
		SnapshotsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "book_snapshots_published_total",
				Help: "Book snapshots published to market data listeners",
			},
			[]string{"instrument"},
		),

		// Settlement metrics
		SettlementsSubmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlements_submitted_total",
				Help: "Settlement calls issued",
			},
			[]string{"instrument"},
		),
		SettlementsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlements_failed_total",
				Help: "Settlement calls that errored or reverted",
			},
			[]string{"instrument"},
		),
		SettlementsConfirmed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlements_confirmed_total",
				Help: "Pending settlements cleared by a confirmation",
			},
			[]string{"instrument"},
		),
		SettlementLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_latency_seconds",
				Help:    "Time from submission to confirmation or failure",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"instrument", "outcome"},
		),
		SettlementPending: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "settlement_pending",
				Help: "1 while a settlement is outstanding for the instrument",
			},
			[]string{"instrument"},
		),

		// Ledger event pipeline metrics
		LedgerEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_events_total",
				Help: "Decoded ledger events delivered to handlers",
			},
			[]string{"kind"},
		),
		LedgerBlock: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledger_last_processed_block",
				Help: "Last block whose events were delivered",
			},
		),
		LedgerRangeFetch: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledger_range_fetch_duration_seconds",
				Help:    "Duration of ranged log queries",
				Buckets: prometheus.DefBuckets,
			},
		),
		LedgerGaps: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_gaps_total",
				Help: "Live notifications that skipped blocks and needed a catch-up fetch",
			},
		),

		// WebSocket metrics
		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "ws_connections_active",
				Help: "Current number of active WebSocket connections",
			},
		),
		WSMessagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_messages_sent_total",
				Help: "Total number of WebSocket messages sent",
			},
			[]string{"instrument", "type"},
		),

		// RabbitMQ metrics
		MQMessagesPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mq_messages_published_total",
				Help: "Total number of messages published to RabbitMQ",
			},
			[]string{"exchange", "routing_key"},
		),
		MQMessagesConsumed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mq_messages_consumed_total",
				Help: "Total number of messages consumed from RabbitMQ",
			},
			[]string{"queue", "outcome"},
		),

		// Cache metrics
		CacheLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cache_operation_duration_seconds",
				Help:    "Cache operation latency in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation"},
		),
	}
}

func instrumentLabel(instrument uint32) string {
	return strconv.FormatUint(uint64(instrument), 10)
}

// RecordQueueSubmit records an accepted or rejected ingestion command.
func (m *Metrics) RecordQueueSubmit(kind string, accepted bool, depth int) {
	if m == nil {
		return
	}
	if accepted {
		m.QueueSubmitted.WithLabelValues(kind).Inc()
	} else {
		m.QueueRejected.WithLabelValues(kind).Inc()
	}
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) RecordQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) RecordCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordOrderApplied(instrument uint32, kind string) {
	if m == nil {
		return
	}
	m.OrdersApplied.WithLabelValues(instrumentLabel(instrument), kind).Inc()
}

func (m *Metrics) RecordMetadataFailure() {
	if m == nil {
		return
	}
	m.MetadataFailures.Inc()
}

func (m *Metrics) RecordBookSize(instrument uint32, size int) {
	if m == nil {
		return
	}
	m.OrderBookSize.WithLabelValues(instrumentLabel(instrument)).Set(float64(size))
}

func (m *Metrics) RecordMatch(instrument uint32) {
	if m == nil {
		return
	}
	m.MatchesFound.WithLabelValues(instrumentLabel(instrument)).Inc()
}

// RecordExecution records a settled execution.
func (m *Metrics) RecordExecution(instrument uint32, volume uint64) {
	if m == nil {
		return
	}
	label := instrumentLabel(instrument)
	m.ExecutionsTotal.WithLabelValues(label).Inc()
	m.ExecutionVolume.WithLabelValues(label).Add(float64(volume))
}

func (m *Metrics) RecordSnapshot(instrument uint32) {
	if m == nil {
		return
	}
	m.SnapshotsPublished.WithLabelValues(instrumentLabel(instrument)).Inc()
}

func (m *Metrics) RecordSettlementSubmitted(instrument uint32) {
	if m == nil {
		return
	}
	label := instrumentLabel(instrument)
	m.SettlementsSubmitted.WithLabelValues(label).Inc()
	m.SettlementPending.WithLabelValues(label).Set(1)
}

// RecordSettlementResolved records a pending settlement leaving the book's
// pending slot. outcome is "confirmed" or "failed".
func (m *Metrics) RecordSettlementResolved(instrument uint32, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := instrumentLabel(instrument)
	if outcome == "failed" {
		m.SettlementsFailed.WithLabelValues(label).Inc()
	} else {
		m.SettlementsConfirmed.WithLabelValues(label).Inc()
	}
	m.SettlementLatency.WithLabelValues(label, outcome).Observe(elapsed.Seconds())
	m.SettlementPending.WithLabelValues(label).Set(0)
}

func (m *Metrics) RecordLedgerEvent(kind string) {
	if m == nil {
		return
	}
	m.LedgerEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordLedgerRange(to uint64, d time.Duration) {
	if m == nil {
		return
	}
	m.LedgerRangeFetch.Observe(d.Seconds())
	m.LedgerBlock.Set(float64(to))
}

func (m *Metrics) RecordLedgerGap() {
	if m == nil {
		return
	}
	m.LedgerGaps.Inc()
}

// RecordWSSent records a WebSocket message sent.
func (m *Metrics) RecordWSSent(instrument uint32, msgType string) {
	if m == nil {
		return
	}
	m.WSMessagesSent.WithLabelValues(instrumentLabel(instrument), msgType).Inc()
}

func (m *Metrics) RecordWSConnections(delta float64) {
	if m == nil {
		return
	}
	m.WSConnections.Add(delta)
}

func (m *Metrics) RecordMQPublished(exchange, routingKey string) {
	if m == nil {
		return
	}
	m.MQMessagesPublished.WithLabelValues(exchange, routingKey).Inc()
}

func (m *Metrics) RecordMQConsumed(queue, outcome string) {
	if m == nil {
		return
	}
	m.MQMessagesConsumed.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) RecordCacheOp(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.CacheLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func (m *Metrics) RecordInFlight(delta float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsInFlight.Add(delta)
}
