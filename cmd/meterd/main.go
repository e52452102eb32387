package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/meter-billing/config"
	"github.com/vnmchuo/meter-billing/internal/api"
	"github.com/vnmchuo/meter-billing/internal/billing"
	"github.com/vnmchuo/meter-billing/internal/bootstrap"
	"github.com/vnmchuo/meter-billing/internal/logger"
	"github.com/vnmchuo/meter-billing/internal/seeder"
	"github.com/vnmchuo/meter-billing/internal/telemetry"
	"github.com/vnmchuo/meter-billing/internal/worker"
)

const serviceName = "meter-billing"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init logger
	zl, err := logger.New(logger.Config{ServiceName: serviceName, Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg)
	if err != nil {
		zl.Fatal("failed to init tracer", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			zl.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	// 4. Open store
	ctx := context.Background()
	store, closeStore, err := bootstrap.OpenStore(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()

	// 5. Open rate limiter
	limiter, closeLimiter, err := bootstrap.OpenLimiter(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("failed to open rate limiter", zap.Error(err))
	}
	defer closeLimiter()

	// 6. Init billing
	ingestor := billing.NewIngestor(store, cfg.Rates, cfg.BillingLocation, zl.Named("ingest"))
	aggregator := billing.NewAggregator(store, cfg.AggregatePageSize, cfg.BillingLocation)

	// 7. Start ingest workers
	dispatcher := worker.NewDispatcher(ingestor, cfg.IngestWorkers, zl.Named("worker"))
	dispatcher.Start()
	defer dispatcher.Stop()

	// 8. Replay seed readings if RUN_SEED=true
	if cfg.RunSeed {
		_, err := seeder.ReplayCSV(ctx, cfg.SeedCSV, func(ctx context.Context, r billing.MeterReading) error {
			_, err := dispatcher.Submit(ctx, r)
			return err
		}, zl.Named("seeder"))
		if err != nil {
			zl.Warn("seed replay finished with errors", zap.Error(err))
		}
	}

	// 9. Init handler and router
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	handler := api.NewHandler(dispatcher, aggregator, limiter, tracer, zl.Named("http"))

	// 10. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		zl.Info("meter billing service starting", zap.String("port", cfg.Port), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	zl.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("forced shutdown", zap.Error(err))
	}
	zl.Info("server stopped")
}
