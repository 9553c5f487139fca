package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/zep-us/impxy/internal/engine/enginetest"
)

func newStartedApp(t *testing.T) (*App, *enginetest.Engine) {
	t.Helper()
	eng, probe := testEngine(t)
	app := NewApp(testConfig(), eng, probe)
	app.injectDependency()
	if err := app.preProcess(); err != nil {
		t.Fatalf("preProcess failed: %v", err)
	}
	t.Cleanup(app.forwarder.Stop)
	app.setupServer()
	app.readiness.Store(true)
	return app, eng
}

// TestCORS_PreflightRequest_Returns204 verifies preflight is answered without reaching upstream
func TestCORS_PreflightRequest_Returns204(t *testing.T) {
	app, eng := newStartedApp(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/items", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rec := httptest.NewRecorder()
	app.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected status 204 No Content for OPTIONS preflight, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPut) {
		t.Errorf("expected PUT in allowed methods, got %q", rec.Header().Get("Access-Control-Allow-Methods"))
	}
	if len(eng.Requests()) != 0 {
		t.Error("preflight should not reach the engine")
	}
}

// TestCORS_Headers_PresentInResponse verifies CORS headers on forwarded responses
// and that upstream CORS headers do not override them
func TestCORS_Headers_PresentInResponse(t *testing.T) {
	app, eng := newStartedApp(t)
	resp := enginetest.OK("ok")
	resp.HeaderLines = []string{"HTTP/1.1 200 OK", "Access-Control-Allow-Origin: https://evil.example.com", "Vary: Cookie", ""}
	eng.Route(testUpstream+"/v1/items", resp)

	req := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	app.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("expected Access-Control-Allow-Credentials: true, got %q", got)
	}
	if got := rec.Header().Values("Access-Control-Allow-Origin"); len(got) != 1 || got[0] != "https://app.example.com" {
		t.Errorf("expected only the local CORS origin, got %v", got)
	}
	if rec.Header().Get("Vary") == "" {
		t.Error("expected Vary header to be present for CORS, got empty")
	}
}

// TestBodyLimit_SmallRequest_Passes verifies requests within the limit are forwarded
func TestBodyLimit_SmallRequest_Passes(t *testing.T) {
	app, eng := newStartedApp(t)
	eng.Route(testUpstream+"/upload", enginetest.OK("stored"))

	body := strings.Repeat("x", 512*1024) // 512KB
	rec := httptest.NewRecorder()
	app.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 for 512KB request, got %d", rec.Code)
	}
	if got := eng.Requests()[0].BodyLength; got != int64(len(body)) {
		t.Errorf("expected %d uploaded bytes, got %d", len(body), got)
	}
}

// TestBodyLimit_LargeRequest_Returns413 verifies oversized requests are rejected before forwarding
// and still carry CORS headers
func TestBodyLimit_LargeRequest_Returns413(t *testing.T) {
	app, eng := newStartedApp(t)

	body := strings.Repeat("x", 1536*1024) // 1.5MB
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(body))
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	app.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413 for 1.5MB request, got %d", rec.Code)
	}
	if rec.Header().Get("Vary") == "" {
		t.Error("expected Vary header in 413 response (CORS should run before BodyLimit)")
	}
	if len(eng.Requests()) != 0 {
		t.Error("oversized request should not reach the engine")
	}
}

// TestRecover_PanicReturns500 verifies the recover middleware is installed
func TestRecover_PanicReturns500(t *testing.T) {
	app, _ := newStartedApp(t)
	app.echo.GET("/panic", func(c echo.Context) error { panic("boom") })

	rec := httptest.NewRecorder()
	app.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 after panic, got %d", rec.Code)
	}
}
