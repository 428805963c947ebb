// Package telemetry exposes Prometheus metrics for the HTTP surface, the
// audit ledger and the authorization gate.
package telemetry

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medchain/medchain/internal/domain/consent"
	"github.com/medchain/medchain/internal/platform/middleware"
)

const namespace = "medchain"

// Metrics owns a private registry so tests and multiple servers in one
// process do not collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	httpInFlight  prometheus.Gauge
	auditEvents   *prometheus.CounterVec
	gateDecisions *prometheus.CounterVec
	gateDuration  prometheus.Histogram
	phiAccess     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Requests currently being served.",
		}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Audit events committed to the ledger, by event type.",
		}, []string{"event"}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Authorization gate decisions by outcome (granted, denied, error).",
		}, []string{"outcome"}),
		gateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gate_decision_duration_seconds",
			Help:      "Time to evaluate one authorization decision.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		phiAccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phi_access_total",
			Help:      "Calls against patient-scoped API routes by role and status class.",
		}, []string{"role", "status"}),
	}

	m.registry.MustRegister(
		m.httpRequests, m.httpDuration, m.httpInFlight,
		m.auditEvents, m.gateDecisions, m.gateDuration, m.phiAccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is exposed so callers can attach their own collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Middleware records request count, latency and in-flight requests. The
// route label is the matched route pattern, never the raw path.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()

			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			var he *echo.HTTPError
			if !c.Response().Committed && errors.As(err, &he) {
				status = he.Code
			}

			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Notify counts committed audit events; it is wired as a ledger sink.
func (m *Metrics) Notify(_ context.Context, ev consent.AuditEvent) {
	m.auditEvents.WithLabelValues(string(ev.Event)).Inc()
}

// RecordAccess counts audited API calls; it is wired as an access recorder.
func (m *Metrics) RecordAccess(entry middleware.AccessEntry) error {
	role := entry.Role
	if role == "" {
		role = "anonymous"
	}
	m.phiAccess.WithLabelValues(role, statusClass(entry.StatusCode)).Inc()
	return nil
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}

// InstrumentAuthorizer wraps an authorizer so every decision is counted and
// timed.
func (m *Metrics) InstrumentAuthorizer(next consent.Authorizer) consent.Authorizer {
	return &instrumentedAuthorizer{next: next, m: m}
}

type instrumentedAuthorizer struct {
	next consent.Authorizer
	m    *Metrics
}

func (a *instrumentedAuthorizer) IsAuthorized(ctx context.Context, doctorID, patientID string) (bool, error) {
	start := time.Now()
	ok, err := a.next.IsAuthorized(ctx, doctorID, patientID)
	a.m.gateDuration.Observe(time.Since(start).Seconds())

	outcome := "denied"
	switch {
	case err != nil:
		outcome = "error"
	case ok:
		outcome = "granted"
	}
	a.m.gateDecisions.WithLabelValues(outcome).Inc()
	return ok, err
}
