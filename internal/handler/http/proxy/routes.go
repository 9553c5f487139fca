package proxy

import (
	"github.com/labstack/echo/v4"
)

// SetupRoutes registers the catch-all forwarding route with the Echo instance
// Follows separated routes pattern - route registration separate from handler logic
// Routes registered by other handlers (/healthz, /metrics, ...) take precedence
func (h *ProxyHandler) SetupRoutes(e *echo.Echo) {
	e.Any("/*", h.HandleForward)
}
