package health

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/atomic"

	"github.com/zep-us/impxy/internal/engine"
	"github.com/zep-us/impxy/pkg/logger"
)

// TargetLister reports the impersonation targets the running engine accepts
type TargetLister interface {
	SupportedTargets() ([]string, error)
}

// HealthHandler handles health check endpoints for Kubernetes probes
// Follows constructor injection pattern - no global state
type HealthHandler struct {
	readiness *atomic.Bool
	probe     engine.Probe
	targets   TargetLister
}

// NewHealthHandler creates a new HealthHandler with dependency injection
// readiness: Thread-safe boolean flag indicating if service is ready to handle traffic
// probe: engine availability captured when the engine was opened
// targets: optional source of supported impersonation targets, nil skips the listing
func NewHealthHandler(readiness *atomic.Bool, probe engine.Probe, targets TargetLister) *HealthHandler {
	return &HealthHandler{
		readiness: readiness,
		probe:     probe,
		targets:   targets,
	}
}

// HandleLiveness handles GET /healthz - liveness probe
// Always returns 200 OK to indicate the container is alive
// Used by Kubernetes to detect if the container needs to be restarted
func (h *HealthHandler) HandleLiveness(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// HandleReadiness handles GET /readyz - readiness probe
// Returns 200 OK when ready to accept traffic, 503 when not ready
// An unavailable engine keeps the service out of rotation
func (h *HealthHandler) HandleReadiness(c echo.Context) error {
	if h.readiness.Load() && h.probe.Available {
		return c.NoContent(http.StatusOK)
	}
	return c.NoContent(http.StatusServiceUnavailable)
}

// probeResponse is the body of GET /probe
type probeResponse struct {
	engine.Probe
	SupportedTargets []string `json:"supported_targets"`
	ProbeError       string   `json:"probe_error,omitempty"`
}

// HandleProbe handles GET /probe - engine availability and supported targets
// Returns 200 when the engine is available, 503 otherwise
func (h *HealthHandler) HandleProbe(c echo.Context) error {
	body := probeResponse{Probe: h.probe, SupportedTargets: []string{}}
	if !h.probe.Available {
		return c.JSON(http.StatusServiceUnavailable, body)
	}

	if h.targets != nil {
		supported, err := h.targets.SupportedTargets()
		if err != nil {
			logger.Warn("Supported target probe failed: %v", err)
			body.ProbeError = err.Error()
		}
		if supported != nil {
			body.SupportedTargets = supported
		}
	}
	return c.JSON(http.StatusOK, body)
}
