package httpapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nathantilsley/preview-dispatch/internal/preview/app"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

type metrics struct {
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	webhookOutcomes *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "preview",
			Subsystem: "dispatch",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "preview",
			Subsystem: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		webhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "preview",
			Subsystem: "dispatch",
			Name:      "webhook_outcomes_total",
			Help:      "Number of webhook deliveries by dispatch outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.requestTotal, m.requestDuration, m.webhookOutcomes)
	return m
}

func (m *metrics) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := prometheus.Labels{
			"method": c.Request.Method,
			"route":  route,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		m.requestTotal.With(labels).Inc()
		m.requestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}

func (m *metrics) recordOutcome(kind app.OutcomeKind) {
	m.webhookOutcomes.With(prometheus.Labels{"outcome": string(kind)}).Inc()
}
