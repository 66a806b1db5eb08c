// Package metrics declares the gateway's Prometheus instrument set.
//
// Counter-style instruments are incremented at the surface seams (REST, WS,
// ingest). State that already lives inside other components, hub occupancy
// and circuit breakers, is read at scrape time by the RuntimeCollector so it
// is never tracked twice.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/monitoring"
)

// Metrics holds all Prometheus instruments for the gateway service.
type Metrics struct {
	EventsPublished *prometheus.CounterVec
	EventsRouted    *prometheus.CounterVec

	DeliveryAttempts *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	DeliveryLatency  *prometheus.HistogramVec

	ReplayEvents    *prometheus.CounterVec
	AuditAlerts     *prometheus.CounterVec
	QuotaRejections *prometheus.CounterVec

	KafkaMessages *prometheus.CounterVec
	KafkaDuration *prometheus.HistogramVec
}

// New builds the instrument set on the service collector.
func New(mc *monitoring.MetricsCollector) *Metrics {
	m := &Metrics{
		EventsPublished:  mc.NewCounter("events_published_total", "Events accepted at an ingress surface", []string{"event_type", "channel"}),
		EventsRouted:     mc.NewCounter("events_routed_total", "Per-channel event copies stored by the router", []string{"channel"}),
		DeliveryAttempts: mc.NewCounter("delivery_attempts_total", "Webhook delivery attempts", []string{"semantics"}),
		Deliveries:       mc.NewCounter("deliveries_total", "Webhook delivery outcomes", []string{"semantics", "status"}),
		DeliveryLatency:  mc.NewHistogram("delivery_latency_seconds", "Last-attempt webhook round trip", []string{"semantics"}, nil),
		ReplayEvents:     mc.NewCounter("replay_events_total", "Events pushed by replay jobs", []string{"status"}),
		AuditAlerts:      mc.NewCounter("audit_alerts_total", "Audit records at alert severity", []string{"severity"}),
		QuotaRejections:  mc.NewCounter("quota_rejections_total", "Requests rejected by a quota gate", []string{"kind"}),

		KafkaMessages: mc.NewCounter("kafka_messages_total", "Messages pulled off the ingest topics", []string{"topic", "operation", "status"}),
		KafkaDuration: mc.NewHistogram("kafka_operation_duration_seconds", "Ingest message handling time", []string{"operation"}, nil),
	}
	return m
}
