package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalpaw_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vitalpaw_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Ingest metrics
	IngestMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalpaw_ingest_messages_total",
			Help: "Total number of telemetry payloads received by source",
		},
		[]string{"source", "status"}, // status: queued, failed, rejected, shed
	)

	MQTTState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vitalpaw_mqtt_state",
			Help: "Ingest listener state (0=disconnected 1=connecting 2=connected 3=subscribed 4=faulted)",
		},
	)

	MQTTReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitalpaw_mqtt_reconnect_attempts_total",
			Help: "Total number of broker connection attempts after the first",
		},
	)

	KafkaFetchErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitalpaw_kafka_fetch_errors_total",
			Help: "Total number of failed Kafka fetches",
		},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vitalpaw_queue_depth",
			Help: "Current number of payloads waiting in the work queue",
		},
	)

	QueueShedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitalpaw_queue_shed_total",
			Help: "Total number of payloads rejected because the work queue was full",
		},
	)

	// Evaluation loop metrics
	EvalReadingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalpaw_eval_readings_total",
			Help: "Total number of drained payloads by outcome",
		},
		[]string{"result"}, // result: normal, abnormal, malformed, panic
	)

	EvalDrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vitalpaw_eval_drain_duration_seconds",
			Help:    "Time taken by one drain cycle",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	EvalDrainSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vitalpaw_eval_drain_size",
			Help:    "Number of payloads drained per cycle",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	EvalTicksSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitalpaw_eval_ticks_skipped_total",
			Help: "Total number of ticks skipped because a drain was still running",
		},
	)

	// Resolver metrics
	BreedLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalpaw_breed_lookups_total",
			Help: "Total number of breed lookups by result",
		},
		[]string{"result"}, // result: found, default, error
	)

	ThresholdLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalpaw_threshold_lookups_total",
			Help: "Total number of threshold resolutions by source",
		},
		[]string{"source"}, // source: remote, cache, fallback
	)

	ThresholdLookupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vitalpaw_threshold_lookup_duration_seconds",
			Help:    "Latency of calls to the thresholds service",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// Alert metrics
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalpaw_alerts_total",
			Help: "Total number of violated bounds by metric",
		},
		[]string{"metric"},
	)

	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalpaw_dispatch_total",
			Help: "Total number of alert dispatches by outcome",
		},
		[]string{"status"}, // status: sent, no_token, failed
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vitalpaw_dispatch_duration_seconds",
			Help:    "Time taken to send a push notification",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vitalpaw_breaker_state",
			Help: "Circuit breaker state (0=closed 1=half-open 2=open)",
		},
		[]string{"name"},
	)

	// Kafka producer metrics (device simulator)
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalpaw_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitalpaw_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalpaw_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
