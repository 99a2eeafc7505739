// Package observability holds process-wide Prometheus collectors and the
// OpenTelemetry tracer provider setup.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	wsActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trendnet_ws_active_sessions",
			Help: "Number of live websocket sessions.",
		},
	)
	presenceOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trendnet_presence_online",
			Help: "Number of distinct online participants.",
		},
	)
	wsRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trendnet_ws_rejects_total",
			Help: "Total number of rejected websocket handshakes.",
		},
		[]string{"reason"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trendnet_ws_events_total",
			Help: "Total number of client events handled, by type and result.",
		},
		[]string{"type", "result"},
	)
	wsEventDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trendnet_ws_event_duration_seconds",
			Help:    "Client event handling latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
	messagesPersistedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trendnet_messages_persisted_total",
			Help: "Total number of messages appended to the store.",
		},
		[]string{"scope"},
	)
	fanoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trendnet_fanout_envelopes_total",
			Help: "Envelopes offered to session queues, by outcome.",
		},
		[]string{"outcome"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trendnet_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	auditDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trendnet_audit_dropped_total",
			Help: "Audit events dropped because the emitter queue was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		wsActiveSessions,
		presenceOnline,
		wsRejectsTotal,
		wsEventsTotal,
		wsEventDuration,
		messagesPersistedTotal,
		fanoutTotal,
		amqpPublishErrorsTotal,
		auditDroppedTotal,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func SetSessions(sessions, participants int) {
	wsActiveSessions.Set(float64(sessions))
	presenceOnline.Set(float64(participants))
}

func IncWSReject(reason string) {
	wsRejectsTotal.WithLabelValues(reason).Inc()
}

func ObserveWSEvent(typ, result string, took time.Duration) {
	wsEventsTotal.WithLabelValues(typ, result).Inc()
	wsEventDuration.WithLabelValues(typ).Observe(took.Seconds())
}

func IncMessagePersisted(scope string) {
	messagesPersistedTotal.WithLabelValues(scope).Inc()
}

func AddFanout(sent, dropped int) {
	if sent > 0 {
		fanoutTotal.WithLabelValues("sent").Add(float64(sent))
	}
	if dropped > 0 {
		fanoutTotal.WithLabelValues("dropped").Add(float64(dropped))
	}
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func IncAuditDropped() {
	auditDroppedTotal.Inc()
}
