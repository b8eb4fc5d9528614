package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "telemetry_"

	resultAccepted = "accepted"
	resultRejected = "rejected"
)

var (
	registerOnce sync.Once

	activeConnections prometheus.Gauge
	roomCount         prometheus.Gauge
	connectionEvents  *prometheus.CounterVec

	ingestTotal      *prometheus.CounterVec
	validationErrors *prometheus.CounterVec
	fanoutDeliveries *prometheus.CounterVec
	fanoutTargets    prometheus.Histogram

	persistenceBuffered prometheus.Gauge
	persistenceWritten  prometheus.Counter
	persistenceDropped  *prometheus.CounterVec
	persistenceFailures prometheus.Counter
	persistenceLatency  prometheus.Histogram
)

// Init creates and registers collectors. Helpers are no-ops until Init runs.
func Init(registerer prometheus.Registerer) {
	registerOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}

		activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "active_connections",
			Help: "Live subscriber connections",
		})
		roomCount = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "device_rooms",
			Help: "Device rooms with at least one subscriber",
		})
		connectionEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "connection_events_total",
				Help: "Connection lifecycle events by type",
			},
			[]string{"event"},
		)

		ingestTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_total",
				Help: "Ingested samples by result",
			},
			[]string{"result"},
		)
		validationErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "validation_errors_total",
				Help: "Rejected samples by reason",
			},
			[]string{"reason"},
		)
		fanoutDeliveries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fanout_deliveries_total",
				Help: "Per-connection fan-out outcomes",
			},
			[]string{"outcome"},
		)
		fanoutTargets = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "fanout_targets",
			Help:    "Subscribers resolved per accepted sample",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		})

		persistenceBuffered = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "persistence_buffered",
			Help: "Samples waiting in the write-behind buffer",
		})
		persistenceWritten = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "persistence_written_total",
			Help: "Samples written to the store",
		})
		persistenceDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "persistence_dropped_total",
				Help: "Samples discarded before reaching the store by reason",
			},
			[]string{"reason"},
		)
		persistenceFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "persistence_write_failures_total",
			Help: "Store write attempts that failed",
		})
		persistenceLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "persistence_write_latency_seconds",
			Help:    "Batch write latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		})

		registerer.MustRegister(
			activeConnections,
			roomCount,
			connectionEvents,
			ingestTotal,
			validationErrors,
			fanoutDeliveries,
			fanoutTargets,
			persistenceBuffered,
			persistenceWritten,
			persistenceDropped,
			persistenceFailures,
			persistenceLatency,
		)
	})
}

// SetConnections records the live connection and room counts.
func SetConnections(active int, rooms int) {
	if activeConnections != nil {
		activeConnections.Set(float64(active))
	}
	if roomCount != nil {
		roomCount.Set(float64(rooms))
	}
}

func IncConnectionEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if connectionEvents != nil {
		connectionEvents.WithLabelValues(event).Inc()
	}
}

func ObserveIngestAccepted(targets int) {
	if ingestTotal != nil {
		ingestTotal.WithLabelValues(resultAccepted).Inc()
	}
	if fanoutTargets != nil {
		fanoutTargets.Observe(float64(targets))
	}
}

func ObserveIngestRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestTotal != nil {
		ingestTotal.WithLabelValues(resultRejected).Inc()
	}
	if validationErrors != nil {
		validationErrors.WithLabelValues(reason).Inc()
	}
}

// IncFanout counts one per-connection delivery outcome
// ("delivered", "backpressure", "closed").
func IncFanout(outcome string) {
	if fanoutDeliveries != nil {
		fanoutDeliveries.WithLabelValues(outcome).Inc()
	}
}

func SetPersistenceBuffered(count int) {
	if persistenceBuffered != nil {
		persistenceBuffered.Set(float64(count))
	}
}

func ObservePersistenceWrite(written int, duration time.Duration) {
	if persistenceWritten != nil {
		persistenceWritten.Add(float64(written))
	}
	if persistenceLatency != nil {
		persistenceLatency.Observe(duration.Seconds())
	}
}

func IncPersistenceFailure() {
	if persistenceFailures != nil {
		persistenceFailures.Inc()
	}
}

func AddPersistenceDropped(reason string, count int) {
	if count <= 0 {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	if persistenceDropped != nil {
		persistenceDropped.WithLabelValues(reason).Add(float64(count))
	}
}

const (
	FanoutDelivered    = "delivered"
	FanoutBackpressure = "backpressure"
	FanoutClosed       = "closed"
	FanoutEncodeFailed = "encode_failed"

	DropBufferFull = "buffer_full"
	DropShutdown   = "shutdown"
)
