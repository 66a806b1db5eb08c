// Package server owns the gateway's HTTP lifecycle: router assembly with the
// common middleware chain, health and metrics endpoints, and graceful
// shutdown on SIGINT/SIGTERM.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/config"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/middleware"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/monitoring"
)

// Config carries the listen address and connection timeouts.
type Config struct {
	Port         string
	ServiceName  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig resolves the port from PORT and applies standard timeouts.
// WriteTimeout must stay generous; SSE responses hold the connection open.
func DefaultConfig(serviceName, defaultPort string) Config {
	return Config{
		Port:         config.GetEnv("PORT", defaultPort),
		ServiceName:  serviceName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// SetupServiceRouter builds the gin engine every gateway surface hangs off:
// common middleware, request metrics, and the /health and /metrics endpoints.
func SetupServiceRouter(logger logging.Logger, healthChecker *monitoring.HealthChecker, metricsCollector *monitoring.MetricsCollector) *gin.Engine {
	if config.GetEnv("GIN_MODE", "debug") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	middleware.SetupCommonMiddleware(router, logger, config.GetEnv("CORS_ALLOWED_ORIGINS", "*"))

	if metricsCollector != nil {
		router.Use(metricsCollector.MetricsMiddleware())
		router.GET("/metrics", metricsCollector.Handler())
	}
	if healthChecker != nil {
		router.GET("/health", healthChecker.Handler())
	}

	return router
}

// Start serves until SIGINT/SIGTERM or a listen failure, then drains
// in-flight requests. Listen failures are returned so the caller can map
// them to an exit code.
func Start(cfg Config, router *gin.Engine, logger logging.Logger) error {
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logging.Fields{
			"port":    cfg.Port,
			"service": cfg.ServiceName,
		}).Info("Starting HTTP server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-quit:
	}

	logger.WithField("service", cfg.ServiceName).Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.WithField("service", cfg.ServiceName).Info("Server stopped")
	return nil
}
