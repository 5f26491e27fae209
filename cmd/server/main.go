package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/copyleftdev/SPHERE/internal/config"
	"github.com/copyleftdev/SPHERE/internal/errors"
	"github.com/copyleftdev/SPHERE/internal/logging"
	"github.com/copyleftdev/SPHERE/internal/metrics"
	"github.com/copyleftdev/SPHERE/internal/optimization/kernels"
	"github.com/copyleftdev/SPHERE/internal/optimization/likelihood"
	"github.com/copyleftdev/SPHERE/internal/server"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use standard logger as fallback if config loading fails
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize base logger
	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	serviceLogger := logger.With(
		zap.String("service", "sphere-kernel-server"),
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
	)

	// Kernel, instrumented on the default registry served at /metrics
	collector, err := metrics.NewCollector(prometheus.DefaultRegisterer)
	if err != nil {
		serviceLogger.Fatal("Failed to register metrics", zap.Error(err))
	}
	kernel, err := kernels.NewSphericalCovariance(cfg.KernelOptions()...)
	if err != nil {
		serviceLogger.Fatal("Invalid kernel configuration", zap.Error(err))
	}
	evaluator := likelihood.New(cfg.LikelihoodConfig(), serviceLogger)

	serviceLogger.Info("Kernel configured",
		zap.Any("params", kernel.Values()),
		zap.Float64("reg_param", evaluator.RegParam()),
		zap.Int("workers", cfg.Likelihood.Workers),
	)

	// Create router
	r := chi.NewRouter()

	// Add middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(serviceLogger))
	r.Use(errors.RecoveryMiddleware(serviceLogger))
	r.Use(middleware.Timeout(cfg.HTTP.RequestTimeout))

	// Add health check endpoint
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Add metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	srv := server.NewServer(cfg, metrics.Instrument(kernel, collector), evaluator, serviceLogger)
	srv.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// Start HTTP server
	go func() {
		serviceLogger.Info("Starting server", zap.String("address", httpServer.Addr))

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serviceLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	serviceLogger.Info("Shutting down server...")

	// Abort candidate sweeps first so in-flight requests can drain
	if err := srv.Close(); err != nil {
		serviceLogger.Error("Error closing server resources", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		serviceLogger.Error("Server forced to shutdown", zap.Error(err))
		os.Exit(1)
	}

	serviceLogger.Info("Server exited properly")
}
