package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_sessions_active",
		Help: "Number of currently logged-in sessions",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_active",
		Help: "Number of accepted connections being served",
	})

	MessageLogEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_message_log_entries",
		Help: "Number of messages retained in the message log",
	})

	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_total",
		Help: "Total coordinator events processed by type",
	}, []string{"type"})

	EventProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_event_processing_seconds",
		Help:    "Time to process each coordinator event type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_frames_dropped_total",
		Help: "Outbound frames dropped because a client queue was full",
	})

	WriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_write_failures_total",
		Help: "Connection writes that failed or timed out",
	})

	LoginsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_logins_rejected_total",
		Help: "Logins refused because of a credential mismatch",
	})

	HandshakesRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_handshakes_rejected_total",
		Help: "Connections closed because the first command was not a valid login",
	})

	SessionsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_sessions_expired_total",
		Help: "Sessions removed after exceeding the idle timeout",
	})
)

func init() {
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(MessageLogEntries)
	prometheus.MustRegister(EventsTotal)
	prometheus.MustRegister(EventProcessingDuration)
	prometheus.MustRegister(FramesDropped)
	prometheus.MustRegister(WriteFailures)
	prometheus.MustRegister(LoginsRejected)
	prometheus.MustRegister(HandshakesRejected)
	prometheus.MustRegister(SessionsExpired)
}
