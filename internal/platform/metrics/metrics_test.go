package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilCollector_IsNoop(t *testing.T) {
	var c *Collector
	c.ObserveDispatch("delivered")
	c.ObserveMatched(3)
	c.ObserveReconcile("ok")
	c.ObserveTokenVerification("primary", "accepted")
	c.ObserveConsumed("links", "ok")
}

func TestObserveDispatch(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.ObserveDispatch("delivered")
	c.ObserveDispatch("delivered")
	c.ObserveDispatch("failed")

	if got := testutil.ToFloat64(c.RelayDispatchTotal.WithLabelValues("delivered")); got != 2 {
		t.Errorf("expected 2 delivered, got %v", got)
	}
	if got := testutil.ToFloat64(c.RelayDispatchTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("expected 1 failed, got %v", got)
	}
}

func TestMiddleware_RecordsRouteAndHandler(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	e := echo.New()
	e.Use(c.Middleware())
	e.GET("/subscriptions/:id", func(ctx echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "subscription not found")
	})
	e.GET("/metrics", c.Handler())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/subscriptions/abc", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	if got := testutil.ToFloat64(c.RequestsTotal.WithLabelValues(http.MethodGet, "/subscriptions/:id", "404")); got != 1 {
		t.Errorf("expected 1 request recorded, got %v", got)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "cm_http_requests_total") {
		t.Error("expected exposition to include cm_http_requests_total")
	}
}
