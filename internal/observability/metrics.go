package observability

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Mission lifecycle
	TransitionsTotal        *prometheus.CounterVec
	TransitionRejectedTotal *prometheus.CounterVec

	// Fan-out
	SessionsActive     prometheus.Gauge
	FanoutEventsTotal  *prometheus.CounterVec
	FanoutDroppedTotal prometheus.Counter

	// Positions
	PositionWritesTotal *prometheus.CounterVec

	// Relay
	RelayDeliveredTotal *prometheus.CounterVec
	RelayErrorsTotal    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ttm_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ttm_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ttm_mission_transitions_total",
				Help: "Mission status transitions applied",
			},
			[]string{"from", "to"},
		),
		TransitionRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ttm_mission_transitions_rejected_total",
				Help: "Mission status transitions rejected by the gate",
			},
			[]string{"reason"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ttm_realtime_sessions_active",
				Help: "Connected socket sessions",
			},
		),
		FanoutEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ttm_realtime_events_total",
				Help: "Events published to the fan-out hub",
			},
			[]string{"event"},
		),
		FanoutDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ttm_realtime_dropped_total",
				Help: "Events dropped because a session buffer was full",
			},
		),
		PositionWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ttm_position_writes_total",
				Help: "Operator position samples stored",
			},
			[]string{"backend"},
		),
		RelayDeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ttm_relay_delivered_total",
				Help: "Events delivered by the outbound relay",
			},
			[]string{"sink"},
		),
		RelayErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ttm_relay_errors_total",
				Help: "Outbound relay delivery failures",
			},
			[]string{"sink"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TransitionsTotal,
		m.TransitionRejectedTotal,
		m.SessionsActive,
		m.FanoutEventsTotal,
		m.FanoutDroppedTotal,
		m.PositionWritesTotal,
		m.RelayDeliveredTotal,
		m.RelayErrorsTotal,
	)

	return m
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.TransitionRejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) Fanout(event string) {
	if m == nil {
		return
	}
	m.FanoutEventsTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.FanoutDroppedTotal.Inc()
}

func (m *Metrics) PositionWrite(backend string) {
	if m == nil {
		return
	}
	m.PositionWritesTotal.WithLabelValues(backend).Inc()
}

func (m *Metrics) Relayed(sink string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.RelayErrorsTotal.WithLabelValues(sink).Inc()
		return
	}
	m.RelayDeliveredTotal.WithLabelValues(sink).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// HTTPMetricsMiddleware instruments HTTP requests, labelled by chi route pattern.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
