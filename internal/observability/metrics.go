package observability

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a backplane node
type Metrics struct {
	// Relay metrics
	relayConnectsTotal  *prometheus.CounterVec
	relayReconnectsTotal prometheus.Counter
	relayReady          prometheus.Gauge
	relayPublishesTotal *prometheus.CounterVec
	relayDeliveriesTotal *prometheus.CounterVec

	// Bus metrics
	busMessagesTotal *prometheus.CounterVec
	busDroppedTotal  *prometheus.CounterVec
	busTopics        prometheus.Gauge
	busSubscribers   prometheus.Gauge

	// Websocket metrics
	wsSessions prometheus.Gauge

	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// System metrics
	systemUptime prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		// Relay metrics
		relayConnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backplane_relay_connects_total",
				Help: "Total number of relay connection attempts",
			},
			[]string{"result"},
		),
		relayReconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backplane_relay_reconnects_total",
				Help: "Total number of automatic reconnects after a lost connection",
			},
		),
		relayReady: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backplane_relay_ready",
				Help: "Whether the relay connection is open and subscribed (1) or not (0)",
			},
		),
		relayPublishesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backplane_relay_publishes_total",
				Help: "Total number of messages published to the shared channel",
			},
			[]string{"status"},
		),
		relayDeliveriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backplane_relay_deliveries_total",
				Help: "Total number of messages received from the shared channel",
			},
			[]string{"status"},
		),

		// Bus metrics
		busMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backplane_bus_messages_total",
				Help: "Total number of messages forwarded into the local bus",
			},
			[]string{"origin"},
		),
		busDroppedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backplane_bus_dropped_total",
				Help: "Total number of messages dropped by the local bus",
			},
			[]string{"reason"},
		),
		busTopics: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backplane_bus_topics",
				Help: "Current number of topics with history or subscribers",
			},
		),
		busSubscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backplane_bus_subscribers",
				Help: "Current number of bus subscribers",
			},
		),

		// Websocket metrics
		wsSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backplane_ws_sessions",
				Help: "Current number of websocket sessions",
			},
		),

		// HTTP metrics
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backplane_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backplane_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		httpRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backplane_http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// System metrics
		systemUptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backplane_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}

	return m
}

// MetricsMiddleware returns a Fiber middleware that collects HTTP metrics
func (m *Metrics) MetricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		m.httpRequestsInFlight.Inc()
		defer m.httpRequestsInFlight.Dec()

		path := c.Path()
		method := c.Method()

		err := c.Next()

		duration := time.Since(start).Seconds()
		status := statusClass(c.Response().StatusCode())

		m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)

		return err
	}
}

// RecordRelayConnect records a relay connection attempt
func (m *Metrics) RecordRelayConnect(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.relayConnectsTotal.WithLabelValues(result).Inc()
}

// RecordRelayReconnect records an automatic reconnect
func (m *Metrics) RecordRelayReconnect() {
	m.relayReconnectsTotal.Inc()
}

// UpdateRelayReady updates the relay readiness gauge
func (m *Metrics) UpdateRelayReady(ready bool) {
	if ready {
		m.relayReady.Set(1)
	} else {
		m.relayReady.Set(0)
	}
}

// RecordRelayPublish records a publish to the shared channel
func (m *Metrics) RecordRelayPublish(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.relayPublishesTotal.WithLabelValues(status).Inc()
}

// RecordRelayDelivery records an inbound message from the shared channel
func (m *Metrics) RecordRelayDelivery(status string) {
	m.relayDeliveriesTotal.WithLabelValues(status).Inc()
}

// RecordBusMessage records a message forwarded into the local bus
func (m *Metrics) RecordBusMessage(origin string) {
	m.busMessagesTotal.WithLabelValues(origin).Inc()
}

// RecordBusDrop records a message the local bus dropped
func (m *Metrics) RecordBusDrop(reason string) {
	m.busDroppedTotal.WithLabelValues(reason).Inc()
}

// UpdateBusStats updates the bus topic and subscriber gauges
func (m *Metrics) UpdateBusStats(topics, subscribers int) {
	m.busTopics.Set(float64(topics))
	m.busSubscribers.Set(float64(subscribers))
}

// UpdateWSSessions updates the websocket session gauge
func (m *Metrics) UpdateWSSessions(sessions int) {
	m.wsSessions.Set(float64(sessions))
}

// UpdateUptime updates the process uptime metric
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.systemUptime.Set(time.Since(startTime).Seconds())
}

// Handler returns a Fiber handler that exposes Prometheus metrics
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

// statusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx)
func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
