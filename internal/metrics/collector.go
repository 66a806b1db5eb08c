package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/gateway"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/api/apix"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

// HubSource is the live-socket state the runtime collector scrapes.
type HubSource interface {
	Stats() apix.HubStats
	CountersSnapshot() gateway.Counters
}

// CircuitSource lists breaker snapshots.
type CircuitSource interface {
	CircuitStates() []models.CircuitBreakerState
}

// RuntimeCollector reads hub occupancy and circuit breaker state on every
// scrape. Register it on the service collector next to the vec instruments.
type RuntimeCollector struct {
	hub      HubSource
	circuits CircuitSource

	sessionsActive  *prometheus.Desc
	sessionsTotal   *prometheus.Desc
	roomsActive     *prometheus.Desc
	framesDelivered *prometheus.Desc
	framesDropped   *prometheus.Desc
	slowClosed      *prometheus.Desc
	tapsDropped     *prometheus.Desc
	circuitState    *prometheus.Desc
	circuitFailures *prometheus.Desc
}

// NewRuntimeCollector builds the collector. hub and circuits may each be nil,
// in which case their families are simply absent from the scrape.
func NewRuntimeCollector(namespace string, hub HubSource, circuits CircuitSource) *RuntimeCollector {
	if namespace == "" {
		namespace = "apixd"
	}
	name := func(s string) string { return namespace + "_" + s }
	return &RuntimeCollector{
		hub:             hub,
		circuits:        circuits,
		sessionsActive:  prometheus.NewDesc(name("sessions_active"), "Connected WebSocket and SSE clients", nil, nil),
		sessionsTotal:   prometheus.NewDesc(name("sessions_accepted_total"), "Sessions accepted since boot", nil, nil),
		roomsActive:     prometheus.NewDesc(name("rooms_active"), "Rooms with at least one member", nil, nil),
		framesDelivered: prometheus.NewDesc(name("frames_delivered_total"), "Frames written to client queues", nil, nil),
		framesDropped:   prometheus.NewDesc(name("frames_dropped_total"), "Frames dropped by backpressure", nil, nil),
		slowClosed:      prometheus.NewDesc(name("slow_clients_closed_total"), "Clients closed for sustained backpressure", nil, nil),
		tapsDropped:     prometheus.NewDesc(name("sse_frames_dropped_total"), "Frames dropped on SSE taps", nil, nil),
		circuitState:    prometheus.NewDesc(name("circuit_breaker_state"), "Breaker state: 0 closed, 1 half-open, 2 open", []string{"circuit_id"}, nil),
		circuitFailures: prometheus.NewDesc(name("circuit_breaker_failures"), "Consecutive failures recorded by the breaker", []string{"circuit_id"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *RuntimeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsActive
	ch <- c.sessionsTotal
	ch <- c.roomsActive
	ch <- c.framesDelivered
	ch <- c.framesDropped
	ch <- c.slowClosed
	ch <- c.tapsDropped
	ch <- c.circuitState
	ch <- c.circuitFailures
}

// Collect implements prometheus.Collector.
func (c *RuntimeCollector) Collect(ch chan<- prometheus.Metric) {
	if c.hub != nil {
		stats := c.hub.Stats()
		counters := c.hub.CountersSnapshot()
		ch <- prometheus.MustNewConstMetric(c.sessionsActive, prometheus.GaugeValue, float64(stats.Connections))
		ch <- prometheus.MustNewConstMetric(c.sessionsTotal, prometheus.CounterValue, float64(stats.TotalSessions))
		ch <- prometheus.MustNewConstMetric(c.roomsActive, prometheus.GaugeValue, float64(len(stats.ChannelSubscriptions)))
		ch <- prometheus.MustNewConstMetric(c.framesDelivered, prometheus.CounterValue, float64(counters.Delivered))
		ch <- prometheus.MustNewConstMetric(c.framesDropped, prometheus.CounterValue, float64(counters.Dropped))
		ch <- prometheus.MustNewConstMetric(c.slowClosed, prometheus.CounterValue, float64(counters.SlowClosed))
		ch <- prometheus.MustNewConstMetric(c.tapsDropped, prometheus.CounterValue, float64(counters.TapDropped))
	}
	if c.circuits != nil {
		for _, cb := range c.circuits.CircuitStates() {
			ch <- prometheus.MustNewConstMetric(c.circuitState, prometheus.GaugeValue, circuitValue(cb.State), cb.CircuitID)
			ch <- prometheus.MustNewConstMetric(c.circuitFailures, prometheus.GaugeValue, float64(cb.FailureCount), cb.CircuitID)
		}
	}
}

func circuitValue(state models.CircuitState) float64 {
	switch state {
	case models.CircuitOpen:
		return 2
	case models.CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}
