// Package observability provides Prometheus metrics and health checks for the
// chatbot service.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. It satisfies usecase.Recorder.
type Metrics struct {
	registry prometheus.Registerer
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	inferenceTotal      *prometheus.CounterVec
	inferenceDuration   *prometheus.HistogramVec
	persistenceFailures *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on reg. A nil reg uses a
// fresh private registry.
func NewMetrics(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		gatherer: reg,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbot_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatbot_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		inferenceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbot_inference_requests_total",
				Help: "Total number of model invocations",
			},
			[]string{"model", "outcome"},
		),
		inferenceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatbot_inference_duration_seconds",
				Help:    "Model invocation duration in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
			},
			[]string{"model"},
		),
		persistenceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbot_persistence_failures_total",
				Help: "Conversation store operations that failed",
			},
			[]string{"op"},
		),
	}
	for _, c := range []prometheus.Collector{
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.inferenceTotal,
		m.inferenceDuration,
		m.persistenceFailures,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RegisterActiveSessions exposes the number of live sessions, computed by fn
// on every scrape.
func (m *Metrics) RegisterActiveSessions(fn func() float64) error {
	return m.registry.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "chatbot_active_sessions",
			Help: "Number of sessions held by the session registry",
		},
		fn,
	))
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func (m *Metrics) ObserveInference(model, outcome string, d time.Duration) {
	m.inferenceTotal.WithLabelValues(model, outcome).Inc()
	m.inferenceDuration.WithLabelValues(model).Observe(d.Seconds())
}

func (m *Metrics) PersistenceFailure(op string) {
	m.persistenceFailures.WithLabelValues(op).Inc()
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records every request against its route template, so path
// parameters do not explode label cardinality.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			// Render the error now so the recorded status is the one sent.
			// The error still travels up for outer middleware; echo skips
			// committed responses when handling it again.
			if err != nil && !c.Response().Committed {
				c.Error(err)
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			m.RecordHTTPRequest(c.Request().Method, path, c.Response().Status, time.Since(start))
			return err
		}
	}
}
