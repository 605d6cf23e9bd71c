package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/arklim/webapp-admission/internal/core/domain"
)

func newMetricsRouter(t *testing.T, metrics *HTTPMetrics) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(metrics.Handler())
	router.GET("/limited", func(c *gin.Context) {
		c.Set(AdmissionDecisionKey, domain.AdmissionDecision{Scope: "public", Reason: domain.DecisionReasonRateLimited})
		c.AbortWithStatus(http.StatusTooManyRequests)
	})
	router.GET("/admitted", func(c *gin.Context) {
		c.Set(AdmissionDecisionKey, domain.AdmissionDecision{Scope: "public", Allowed: true, Reason: domain.DecisionReasonAllowed})
		c.Status(http.StatusCreated)
	})
	return router
}

func TestHTTPMetricsCountsAdmissionRejections(t *testing.T) {
	metrics, err := NewHTTPMetrics(HTTPMetricsOptions{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("NewHTTPMetrics: %v", err)
	}
	router := newMetricsRouter(t, metrics)

	for _, path := range []string{"/limited", "/limited", "/admitted"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(metrics.Rejected.WithLabelValues("public", "rate_limited")); got != 2 {
		t.Fatalf("expected 2 rejections, got %f", got)
	}
	if got := testutil.ToFloat64(metrics.Requests.WithLabelValues(http.MethodGet, "/admitted", "201")); got != 1 {
		t.Fatalf("expected 1 admitted request, got %f", got)
	}
	if got := testutil.ToFloat64(metrics.Requests.WithLabelValues(http.MethodGet, "/limited", "429")); got != 2 {
		t.Fatalf("expected 2 limited requests, got %f", got)
	}
	if got := testutil.ToFloat64(metrics.InFlight); got != 0 {
		t.Fatalf("expected in-flight gauge back at 0, got %f", got)
	}
	if n := testutil.CollectAndCount(metrics.Rejected); n != 1 {
		t.Fatalf("admitted requests must not create rejection series, got %d", n)
	}
}

func TestHTTPMetricsNilHandlerPassesThrough(t *testing.T) {
	router := newMetricsRouter(t, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admitted", nil))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
}

func TestHTTPMetricsGroupsUnmatchedRoutes(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics, err := NewHTTPMetrics(HTTPMetricsOptions{Registerer: registry, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewHTTPMetrics: %v", err)
	}
	router := newMetricsRouter(t, metrics)

	for _, path := range []string{"/a", "/b/c"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(metrics.Requests.WithLabelValues(http.MethodGet, "unmatched", "404")); got != 2 {
		t.Fatalf("expected unmatched counter 2, got %f", got)
	}

	again, err := NewHTTPMetrics(HTTPMetricsOptions{Registerer: registry, Namespace: "test"})
	if err != nil {
		t.Fatalf("re-registering metrics: %v", err)
	}
	if again.Rejected != metrics.Rejected {
		t.Fatal("expected existing collector to be reused")
	}
}
