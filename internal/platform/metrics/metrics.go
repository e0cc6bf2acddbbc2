// Package metrics holds the Prometheus collectors for the HTTP surface,
// the reconciler, the notification relay, token verification and the
// link-event consumer.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cm"

// Collector groups the service's metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	ReconcileTotal *prometheus.CounterVec

	RelayMatched       prometheus.Histogram
	RelayDispatchTotal *prometheus.CounterVec

	TokenVerifications  *prometheus.CounterVec
	RevocationLookupSec prometheus.Histogram

	ConsumedTotal *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector registers every metric with reg and serves reg from Handler.
func NewCollector(reg *prometheus.Registry) *Collector {
	f := promauto.With(reg)
	return &Collector{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "route"}),

		ReconcileTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "reconcile_total",
			Help:      "Subscription source reconciliations by outcome code.",
		}, []string{"outcome"}),

		RelayMatched: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "matched_subscriptions",
			Help:      "Subscriptions matched per link event.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),

		RelayDispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "dispatch_total",
			Help:      "Notification dispatches to the gateway by result.",
		}, []string{"result"}),

		TokenVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "token_verifications_total",
			Help:      "Bearer token verifications by verifier and result.",
		}, []string{"verifier", "result"}),

		RevocationLookupSec: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "revocation_lookup_duration_seconds",
			Help:      "Latency of revocation list lookups.",
			Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025},
		}),

		ConsumedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "records_consumed_total",
			Help:      "Queue records processed by topic and result.",
		}, []string{"topic", "result"}),

		gatherer: reg,
	}
}

func (c *Collector) ObserveReconcile(outcome string) {
	if c == nil {
		return
	}
	c.ReconcileTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveMatched(n int) {
	if c == nil {
		return
	}
	c.RelayMatched.Observe(float64(n))
}

func (c *Collector) ObserveDispatch(result string) {
	if c == nil {
		return
	}
	c.RelayDispatchTotal.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveTokenVerification(verifier, result string) {
	if c == nil {
		return
	}
	c.TokenVerifications.WithLabelValues(verifier, result).Inc()
}

func (c *Collector) ObserveRevocationLookup(d time.Duration) {
	if c == nil {
		return
	}
	c.RevocationLookupSec.Observe(d.Seconds())
}

func (c *Collector) ObserveConsumed(topic, result string) {
	if c == nil {
		return
	}
	c.ConsumedTotal.WithLabelValues(topic, result).Inc()
}

// Middleware records request counts and latency per matched route.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()
			err := next(ctx)

			status := ctx.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := ctx.Path()
			method := ctx.Request().Method

			c.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			c.RequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{}))
}
