package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector owns a service's Prometheus instruments. Every metric it
// creates is prefixed with the service name so scrapes from several services
// land in disjoint namespaces.
type MetricsCollector struct {
	serviceName string
	registry    prometheus.Registerer
	gatherer    prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeConnections   prometheus.Gauge
	serviceInfo         *prometheus.GaugeVec

	customMetrics map[string]prometheus.Collector
}

// NewMetricsCollector builds a collector on the default Prometheus registry.
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	return newCollector(serviceName, version, commit, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsCollectorWithRegistry binds the collector to a private registry.
// Tests use this so repeated construction does not collide on the global one.
func NewMetricsCollectorWithRegistry(serviceName, version, commit string, reg *prometheus.Registry) *MetricsCollector {
	return newCollector(serviceName, version, commit, reg, reg)
}

func newCollector(serviceName, version, commit string, reg prometheus.Registerer, gat prometheus.Gatherer) *MetricsCollector {
	mc := &MetricsCollector{
		// Prometheus metric names cannot contain hyphens.
		serviceName:   strings.ReplaceAll(serviceName, "-", "_"),
		registry:      reg,
		gatherer:      gat,
		customMetrics: make(map[string]prometheus.Collector),
	}

	mc.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: mc.serviceName + "_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})
	mc.httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    mc.serviceName + "_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})
	mc.activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: mc.serviceName + "_active_connections",
		Help: "HTTP requests currently in flight",
	})
	mc.serviceInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: mc.serviceName + "_service_info",
		Help: "Build identity, always 1",
	}, []string{"version", "commit"})

	mc.registry.MustRegister(
		mc.httpRequestsTotal,
		mc.httpRequestDuration,
		mc.activeConnections,
		mc.serviceInfo,
	)
	mc.serviceInfo.WithLabelValues(version, commit).Set(1)

	return mc
}

// RegisterCustomMetric registers an externally built collector under the
// service registry.
func (mc *MetricsCollector) RegisterCustomMetric(name string, metric prometheus.Collector) {
	mc.customMetrics[name] = metric
	mc.registry.MustRegister(metric)
}

// NewCounter creates and registers a service-prefixed counter vector.
func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: mc.serviceName + "_" + name,
		Help: help,
	}, labels)
	mc.RegisterCustomMetric(name, counter)
	return counter
}

// NewHistogram creates and registers a service-prefixed histogram vector.
// Nil buckets fall back to the Prometheus defaults.
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    mc.serviceName + "_" + name,
		Help:    help,
		Buckets: buckets,
	}, labels)
	mc.RegisterCustomMetric(name, histogram)
	return histogram
}

// MetricsMiddleware records request count, duration, and in-flight gauge for
// every routed request. Unrouted paths are bucketed under "unknown" so label
// cardinality stays bounded.
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		mc.activeConnections.Inc()
		defer mc.activeConnections.Dec()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		mc.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
		mc.httpRequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the collector's gatherer in Prometheus text format.
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(mc.gatherer, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}
