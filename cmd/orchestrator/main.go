package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/autosalon/purchase-system/orchestrator-service/config"
	"github.com/autosalon/purchase-system/shared/logger"
	"github.com/autosalon/purchase-system/shared/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.ReadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if _, err := logger.Init(cfg.ServiceName, cfg.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.L().Info("starting service",
		zap.String("service", cfg.ServiceName),
		zap.String("env", cfg.Env),
		zap.String("port", cfg.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, telShutdown, err := telemetry.InitTelemetry(ctx, telemetry.OrchestratorConfig)
	if err != nil {
		logger.L().Warn("telemetry disabled", zap.Error(err))
	} else {
		defer telShutdown()
	}

	deps, err := config.BuildDependencies(cfg)
	if err != nil {
		logger.L().Fatal("failed to build dependencies", zap.Error(err))
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.L().Error("error closing dependencies", zap.Error(err))
		}
	}()

	// Workers first, then recovery re-enqueues whatever a previous run left
	// unfinished.
	deps.Executor.Start(ctx)

	if count, err := deps.RecoverSagas.Execute(ctx); err != nil {
		logger.L().Error("saga recovery failed", zap.Error(err))
	} else if count > 0 {
		logger.L().Info("saga recovery complete", zap.Int("sagas", count))
	}

	// Sweeps events the broker never acknowledged back onto the topic.
	go deps.EventRelay.Run(ctx)

	// Outcome events from downstream services.
	go func() {
		if err := deps.EventSubscriber.Subscribe(ctx, "", deps.OutcomeEventHandler); err != nil {
			logger.L().Error("event subscriber stopped", zap.Error(err))
		}
	}()

	router := setupRouter(tel, deps)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L().Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.L().Info("shutting down", zap.String("service", cfg.ServiceName))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.L().Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.L().Info("stopped", zap.String("service", cfg.ServiceName))
}

func setupRouter(tel *telemetry.Telemetry, deps *config.Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	if tel != nil {
		r.Use(telemetry.Middleware(tel))
	}

	deps.SagaHandlers.RegisterRoutes(r)

	return r
}
