package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTranslatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convhook_events_translated_total",
			Help: "Domain events seen by the translator, by event type and outcome.",
		},
		[]string{"event_type", "outcome"}, // outcome: enqueued, requeued, duplicate, dropped, error
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convhook_deliveries_total",
			Help: "Delivery attempts by resulting status.",
		},
		[]string{"status"},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convhook_delivery_latency_seconds",
			Help:    "Latency of conversion API calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convhook_retries_total",
			Help: "Deliveries scheduled for retry, by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, http_429, timeout, network
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convhook_dlq_total",
			Help: "Deliveries moved to the dead-letter list, by reason.",
		},
		[]string{"reason"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convhook_queue_depth",
			Help: "Current size of the pending queue, retry set and dead-letter list.",
		},
		[]string{"queue"},
	)

	QueueErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convhook_queue_errors_total",
			Help: "Failed queue operations, by operation.",
		},
		[]string{"op"},
	)

	// Backlog of domain events not yet translated.
	NSQChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convhook_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel",
		},
		[]string{"topic", "channel"},
	)

	NSQChannelInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convhook_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsTranslatedTotal,
		DeliveriesTotal,
		DeliveryLatency,
		RetriesTotal,
		DLQTotal,
		QueueDepth,
		QueueErrorsTotal,
		NSQChannelDepth,
		NSQChannelInFlight,
	)
}

func RecordTranslation(eventType, outcome string) {
	EventsTranslatedTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordDelivery counts an attempt and, when latency is known, observes it.
func RecordDelivery(status string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		DeliveryLatency.WithLabelValues(status).Observe(latency.Seconds())
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

func UpdateQueueDepth(queue string, depth float64) {
	QueueDepth.WithLabelValues(queue).Set(depth)
}

func RecordQueueError(op string) {
	QueueErrorsTotal.WithLabelValues(op).Inc()
}

func UpdateNSQChannel(topic, channel string, depth, inFlight int64) {
	NSQChannelDepth.WithLabelValues(topic, channel).Set(float64(depth))
	NSQChannelInFlight.WithLabelValues(topic, channel).Set(float64(inFlight))
}
