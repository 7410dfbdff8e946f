package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatclient_http_requests_total",
			Help: "Total number of HTTP requests processed by the chat gateway.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatclient_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatclient_frames_total",
			Help: "Total number of inbound frames routed by kind.",
		},
		[]string{"kind"},
	)
	staleResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatclient_stale_results_total",
			Help: "Results discarded because the session selection changed.",
		},
		[]string{"kind"},
	)
	transportReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatclient_transport_reconnects_total",
			Help: "Total number of broker reconnect attempts.",
		},
	)
	transportConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatclient_transport_connected",
			Help: "1 while the broker connection is up.",
		},
	)
	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatclient_sends_total",
			Help: "Outbound sends by outcome.",
		},
		[]string{"outcome"},
	)
	uiClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatclient_ui_clients",
			Help: "Number of connected UI websocket clients.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatclient_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		framesTotal,
		staleResultsTotal,
		transportReconnectsTotal,
		transportConnected,
		sendsTotal,
		uiClients,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncFrame(kind string) {
	framesTotal.WithLabelValues(kind).Inc()
}

func IncStaleResult(kind string) {
	staleResultsTotal.WithLabelValues(kind).Inc()
}

func IncReconnect() {
	transportReconnectsTotal.Inc()
}

func SetConnected(up bool) {
	if up {
		transportConnected.Set(1)
		return
	}
	transportConnected.Set(0)
}

func IncSend(outcome string) {
	sendsTotal.WithLabelValues(outcome).Inc()
}

func IncUIClients() {
	uiClients.Inc()
}

func DecUIClients() {
	uiClients.Dec()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
