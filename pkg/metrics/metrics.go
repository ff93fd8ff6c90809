package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arenactf/instanced/pkg/types"
)

// Acquire outcomes
const (
	ResultCreated  = "created"
	ResultExisting = "existing"
	ResultCapacity = "capacity"
	ResultTimeout  = "timeout"
	ResultError    = "error"
)

// Collectors holds every instanced metric on a private registry. All methods
// are safe on a nil receiver so one-shot commands can skip metrics entirely.
type Collectors struct {
	registry *prometheus.Registry

	acquireTotal      *prometheus.CounterVec
	provisionDuration *prometheus.HistogramVec
	teardownTotal     *prometheus.CounterVec
	instances         *prometheus.GaugeVec
	sweepDuration     *prometheus.HistogramVec
	sweepFailures     *prometheus.CounterVec
	httpReqsTotal     *prometheus.CounterVec
	httpReqDur        *prometheus.HistogramVec
}

func New() *Collectors {
	registry := prometheus.NewRegistry()

	acquireTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instanced_acquire_total",
			Help: "Acquire calls by template and outcome",
		},
		[]string{"template", "result"},
	)
	provisionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "instanced_provision_duration_seconds",
			Help:    "Time from reservation to a running sandbox",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"template"},
	)
	teardownTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instanced_teardown_total",
			Help: "Instances torn down by reason",
		},
		[]string{"template", "reason"},
	)
	instances := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "instanced_instances",
			Help: "Live instances per template and status, refreshed by the health sweeper",
		},
		[]string{"template", "status"},
	)
	sweepDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "instanced_sweep_duration_seconds",
			Help:    "Duration of sweeper passes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweeper"},
	)
	sweepFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instanced_sweep_failures_total",
			Help: "Per-instance failures during sweeper passes",
		},
		[]string{"sweeper"},
	)
	httpReqs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instanced_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "path", "status"},
	)
	httpDur := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "instanced_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	registry.MustRegister(
		acquireTotal,
		provisionDuration,
		teardownTotal,
		instances,
		sweepDuration,
		sweepFailures,
		httpReqs,
		httpDur,
	)
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return &Collectors{
		registry:          registry,
		acquireTotal:      acquireTotal,
		provisionDuration: provisionDuration,
		teardownTotal:     teardownTotal,
		instances:         instances,
		sweepDuration:     sweepDuration,
		sweepFailures:     sweepFailures,
		httpReqsTotal:     httpReqs,
		httpReqDur:        httpDur,
	}
}

func (m *Collectors) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Collectors) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Collectors) ObserveAcquire(templateId, result string) {
	if m == nil {
		return
	}
	m.acquireTotal.WithLabelValues(templateId, result).Inc()
}

func (m *Collectors) ObserveProvision(templateId string, d time.Duration) {
	if m == nil {
		return
	}
	m.provisionDuration.WithLabelValues(templateId).Observe(d.Seconds())
}

func (m *Collectors) ObserveTeardown(templateId, reason string) {
	if m == nil {
		return
	}
	m.teardownTotal.WithLabelValues(templateId, reason).Inc()
}

func (m *Collectors) ObserveSweep(sweeper string, d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.WithLabelValues(sweeper).Observe(d.Seconds())
}

func (m *Collectors) SweepFailed(sweeper string) {
	if m == nil {
		return
	}
	m.sweepFailures.WithLabelValues(sweeper).Inc()
}

// SetInstanceCounts replaces the instance gauges with a fresh snapshot
func (m *Collectors) SetInstanceCounts(counts map[string]map[types.InstanceStatus]int) {
	if m == nil {
		return
	}
	m.instances.Reset()
	for templateId, byStatus := range counts {
		for status, n := range byStatus {
			m.instances.WithLabelValues(templateId, string(status)).Set(float64(n))
		}
	}
}

// Middleware records request counts and latency per matched route
func (m *Collectors) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			status := strconv.Itoa(c.Response().Status)

			m.httpReqsTotal.WithLabelValues(c.Request().Method, path, status).Inc()
			m.httpReqDur.WithLabelValues(c.Request().Method, path, status).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}
