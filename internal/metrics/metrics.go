package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// RouteOps counts route manager operations by outcome (ok or an error kind)
	RouteOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "route_operations_total", Help: "Route operations by op and outcome."},
		[]string{"op", "outcome"},
	)
	// RouteOpDuration tracks end-to-end operation latency including persistence
	RouteOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "route_operation_duration_seconds", Help: "Route operation duration in seconds.", Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}},
		[]string{"op"},
	)
	// StoreConflicts counts compare-and-swap losses that forced a reload
	StoreConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "route_store_conflicts_total", Help: "Version conflicts on route save."},
		[]string{"op"},
	)
	// OptimizedStops observes how many stops each ordering or insertion considered
	OptimizedStops = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "optimizer_stops", Help: "Stops considered per optimizer run.", Buckets: []float64{1, 5, 10, 20, 50, 100, 200}},
		[]string{"mode"},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)

	// GeocodeLookups counts address resolutions by source (cache, remote) and result
	GeocodeLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geocode_lookups_total", Help: "Geocode lookups by source and result."},
		[]string{"source", "result"},
	)
)

// RegisterDefault registers collectors to the dedicated registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(RouteOps)
		Registry.MustRegister(RouteOpDuration)
		Registry.MustRegister(StoreConflicts)
		Registry.MustRegister(OptimizedStops)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		Registry.MustRegister(GeocodeLookups)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
