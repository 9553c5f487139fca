package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/zep-us/impxy/internal/config"
	"github.com/zep-us/impxy/internal/engine"
	"github.com/zep-us/impxy/internal/forwarder"
	"github.com/zep-us/impxy/internal/handler/http/health"
	httpiface "github.com/zep-us/impxy/internal/handler/http/interface"
	"github.com/zep-us/impxy/internal/handler/http/proxy"
	"github.com/zep-us/impxy/internal/metrics"
	"github.com/zep-us/impxy/pkg/logger"
)

// unguardedPaths stay reachable while readiness is false
var unguardedPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
	"/probe":   true,
}

// App represents the application with its lifecycle management
type App struct {
	config       *config.Config
	echo         *echo.Echo
	readiness    *atomic.Bool
	httpHandlers []httpiface.HttpRouter
	engine       engine.Engine
	probe        engine.Probe
	forwarder    *forwarder.Executor
	registry     *prometheus.Registry
	cancel       context.CancelFunc
}

// NewApp creates a new App instance with the given configuration
// Follows constructor injection pattern - all dependencies passed via parameters
// eng may be nil when the probe reports the engine unavailable; the app then
// serves health and probe endpoints only
func NewApp(cfg *config.Config, eng engine.Engine, probe engine.Probe) *App {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	return &App{
		config:    cfg,
		echo:      e,
		readiness: atomic.NewBool(false),
		engine:    eng,
		probe:     probe,
		registry:  prometheus.NewRegistry(),
	}
}

// injectDependency initializes the executor and all HTTP handlers
// This centralizes handler initialization and makes it easy to add new handlers
func (a *App) injectDependency() {
	var targets health.TargetLister
	a.httpHandlers = nil

	if a.engine != nil && a.probe.Available {
		a.forwarder = forwarder.NewExecutor(a.engine, forwarder.Options{
			DefaultTarget:   a.config.ImpersonateTarget,
			Policy:          a.config.Policy,
			Candidates:      a.config.CandidateTargets,
			MaxConcurrent:   a.config.MaxConcurrent,
			RequestTimeout:  a.config.RequestTimeout(),
			QueueCapacity:   a.config.ChunkQueueCapacity,
			PollTimeout:     a.config.PollTimeout(),
			ShutdownTimeout: time.Duration(a.config.ShutdownTimeoutSeconds) * time.Second,
		})
		targets = a.forwarder
		logger.Info("Using impersonating executor (engine=%s, maxConcurrent=%d)", a.probe.Identity, a.config.MaxConcurrent)
	} else {
		logger.Warn("Impersonation engine unavailable (%s): forwarding disabled", a.probe.Reason)
	}

	a.httpHandlers = append(a.httpHandlers, health.NewHealthHandler(a.readiness, a.probe, targets))
	if a.forwarder != nil {
		a.httpHandlers = append(a.httpHandlers,
			proxy.NewProxyHandler(a.config.UpstreamURL, a.config.TargetHeader, a.forwarder))
	}
}

// preProcess is called before server starts
// Use this hook for initialization tasks that need to happen before accepting traffic
func (a *App) preProcess() error {
	logger.Info("Preparing to start server...")

	// Initialize the engine before accepting HTTP traffic
	if a.forwarder != nil {
		if err := a.forwarder.Start(); err != nil {
			return fmt.Errorf("failed to start executor: %w", err)
		}
	}
	return nil
}

// postProcess is called after shutdown signal is received
// Use this hook for cleanup tasks before graceful shutdown begins
func (a *App) postProcess() {
	logger.Info("Shutting down gracefully...")
}

// setupServer installs middleware and routes on the Echo instance
func (a *App) setupServer() {
	e := a.echo

	// 1. CORS middleware first so preflight and rejections carry CORS headers
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: a.config.AllowedOrigins,
		AllowMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders:     []string{"*"},
		AllowCredentials: true,
	}))

	// 2. Body size limit middleware
	limit := fmt.Sprintf("%dM", a.config.MaxRequestSizeMB)
	e.Use(middleware.BodyLimit(limit))

	// 3. Logging
	e.Use(middleware.Logger())

	// 4. Panic recovery
	e.Use(middleware.Recover())

	// 5. Readiness gate: reject new work when readiness=false, except health and metrics
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !a.readiness.Load() {
				p := c.Request().URL.Path
				if !unguardedPaths[p] {
					logger.Info("readiness=false: reject new request path=%s", p)
					return c.NoContent(http.StatusServiceUnavailable)
				}
			}
			return next(c)
		}
	})

	// 6. Prometheus HTTP metrics on a per-app registry; /metrics also exposes the default one
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  metrics.Namespace,
		Registerer: a.registry,
	}))
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{
		Gatherer: prometheus.Gatherers{prometheus.DefaultGatherer, a.registry},
	}))

	// 7. Update queue depth metric on each request
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if a.forwarder != nil {
				metrics.QueueDepthGauge.Set(float64(a.forwarder.GetQueueDepth()))
			}
			return next(c)
		}
	})

	// 8. Setup all handler routes
	for _, handler := range a.httpHandlers {
		handler.SetupRoutes(e)
	}
}

// Run starts the Echo server and handles graceful shutdown on SIGINT/SIGTERM
// This implements the full lifecycle: startup -> run -> graceful shutdown
func (a *App) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a.cancel = cancel
	defer cancel()
	return a.serve(ctx)
}

// serve runs the server until ctx is cancelled or the listener fails
func (a *App) serve(ctx context.Context) error {
	a.injectDependency()
	if err := a.preProcess(); err != nil {
		return err
	}
	a.setupServer()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", a.config.ServerPort)
		logger.Info("Starting impxy server on %s (upstream %s)", addr, a.config.UpstreamURL)

		// Mark readiness true just before starting to accept connections
		a.readiness.Store(true)

		// http.ErrServerClosed is expected during graceful shutdown, not an actual error
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("Server ready. Waiting for interrupt signal...")
		<-gctx.Done()
		return a.shutdown()
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped gracefully")
	return nil
}

// shutdown runs the graceful shutdown sequence
func (a *App) shutdown() error {
	a.postProcess()

	// Step 1: Mark as not ready (load balancers will stop routing traffic)
	a.readiness.Store(false)
	drainDuration := time.Duration(a.config.ShutdownDrainSeconds) * time.Second
	logger.Info("readiness=false: start drain window duration=%v", drainDuration)

	// Step 2: Drain period - allow load balancers to detect unhealthy state
	time.Sleep(drainDuration)

	// Step 3: Stop the executor (finish or cancel in-flight transfers)
	if a.forwarder != nil {
		logger.Info("Stopping executor...")
		a.forwarder.Stop()
	}

	// Step 4: Shutdown Echo server with timeout
	shutdownTimeout := time.Duration(a.config.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Info("Shutting down Echo server...")
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error: %v", err)
		return err
	}
	return nil
}
