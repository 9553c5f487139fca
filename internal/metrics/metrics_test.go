package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
)

func scrape(t *testing.T, e *echo.Echo) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 OK from /metrics, got %d", rec.Code)
	}
	return rec.Body.String()
}

// TestMetrics_Endpoint_Returns200 verifies /metrics endpoint serves Prometheus text
func TestMetrics_Endpoint_Returns200(t *testing.T) {
	e := echo.New()
	e.Use(echoprometheus.NewMiddleware(Namespace))
	e.GET("/metrics", echoprometheus.NewHandler())
	e.GET("/test", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200 OK, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("expected Content-Type text/plain, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "impxy_requests_total") {
		t.Error("expected echo request metrics under the impxy namespace")
	}
}

// TestMetrics_IntakeDepth_Updates verifies the dispatcher intake gauge is exported
func TestMetrics_IntakeDepth_Updates(t *testing.T) {
	e := echo.New()
	e.GET("/metrics", echoprometheus.NewHandler())

	IntakeDepthGauge.Set(0)
	if body := scrape(t, e); !strings.Contains(body, "impxy_dispatcher_intake_depth 0") {
		t.Error("expected impxy_dispatcher_intake_depth 0")
	}

	IntakeDepthGauge.Set(5)
	if body := scrape(t, e); !strings.Contains(body, "impxy_dispatcher_intake_depth 5") {
		t.Logf("Metrics output:\n%s", body)
		t.Error("expected intake depth gauge to show value 5")
	}
	IntakeDepthGauge.Set(0)
}

// TestMetrics_TransfersByOutcome verifies labelled counters appear once used
func TestMetrics_TransfersByOutcome(t *testing.T) {
	e := echo.New()
	e.GET("/metrics", echoprometheus.NewHandler())

	TransfersCounter.WithLabelValues("ok").Inc()
	ProbesCounter.WithLabelValues("unsupported").Inc()

	body := scrape(t, e)
	if !strings.Contains(body, `impxy_transfers_total{outcome="ok"}`) {
		t.Error("expected transfers_total with outcome label")
	}
	if !strings.Contains(body, `impxy_profile_probes_total{result="unsupported"}`) {
		t.Error("expected profile_probes_total with result label")
	}
}
