package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
	httpErrorsTotal    *prometheus.CounterVec

	chatConnectionsActive prometheus.Gauge
	chatMessagesSentTotal *prometheus.CounterVec
	chatPushFailuresTotal *prometheus.CounterVec
	chatUnreadIncrements  prometheus.Counter
	chatReadReceiptsTotal prometheus.Counter
	chatRelayEventsTotal  *prometheus.CounterVec
	uploadRequestsTotal   *prometheus.CounterVec
	uploadRejectedTotal   *prometheus.CounterVec
	uploadLatencySeconds  prometheus.Histogram
)

// RegisterMetrics initialises the Prometheus collectors used by the chat service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total number of error responses returned by API endpoints.",
		}, []string{"method", "route", "status"})

		chatConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Number of websocket chat connections currently open on this node.",
		})

		chatMessagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Total number of chat messages persisted, by kind.",
		}, []string{"kind"})

		chatPushFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_push_failures_total",
			Help: "Total number of per-recipient pushes dropped, by event.",
		}, []string{"event"})

		chatUnreadIncrements = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_unread_increments_total",
			Help: "Total number of unread counter increments.",
		})

		chatReadReceiptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_read_receipts_total",
			Help: "Total number of messages newly marked read.",
		})

		chatRelayEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_relay_events_total",
			Help: "Total number of cluster relay events received from other nodes, by transport.",
		}, []string{"transport"})

		uploadRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_requests_total",
			Help: "Total number of media uploads stored, by category.",
		}, []string{"category"})

		uploadRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_rejected_total",
			Help: "Total number of media uploads rejected, by reason.",
		}, []string{"reason"})

		uploadLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "upload_latency_seconds",
			Help:    "Latency distribution for media uploads.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			chatConnectionsActive, chatMessagesSentTotal, chatPushFailuresTotal,
			chatUnreadIncrements, chatReadReceiptsTotal, chatRelayEventsTotal,
			uploadRequestsTotal, uploadRejectedTotal, uploadLatencySeconds,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// ChatConnectionsActive exposes the open websocket gauge.
func ChatConnectionsActive() prometheus.Gauge {
	RegisterMetrics()
	return chatConnectionsActive
}

// ChatMessagesSent exposes the persisted message counter.
func ChatMessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesSentTotal
}

// ChatPushFailures exposes the dropped push counter.
func ChatPushFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return chatPushFailuresTotal
}

// ChatUnreadIncrements exposes the unread increment counter.
func ChatUnreadIncrements() prometheus.Counter {
	RegisterMetrics()
	return chatUnreadIncrements
}

// ChatReadReceipts exposes the read receipt counter.
func ChatReadReceipts() prometheus.Counter {
	RegisterMetrics()
	return chatReadReceiptsTotal
}

// ChatRelayEvents exposes the cluster relay counter.
func ChatRelayEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return chatRelayEventsTotal
}

// UploadRequests exposes the stored upload counter.
func UploadRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRequestsTotal
}

// UploadRejected exposes the rejected upload counter.
func UploadRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRejectedTotal
}

// UploadLatency exposes the upload latency histogram.
func UploadLatency() prometheus.Histogram {
	RegisterMetrics()
	return uploadLatencySeconds
}
