package httpiface

import "github.com/labstack/echo/v4"

// HttpRouter is implemented by every HTTP handler the app mounts.
// The proxy handler registers a catch-all route, so handlers with fixed paths
// (health, probe) are listed before it.
type HttpRouter interface {
	// SetupRoutes registers the handler's HTTP routes with the Echo instance
	SetupRoutes(e *echo.Echo)
}
