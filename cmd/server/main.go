package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gigavox/internal/catalog"
	"gigavox/internal/config"
	httphandlers "gigavox/internal/http"
	"gigavox/internal/loader"
	"gigavox/internal/logger"
	"gigavox/internal/metrics"
	"gigavox/internal/planner"
	"gigavox/internal/source"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("Starting Gigavox server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.Uint64("memory_limit_bytes", cfg.MemoryLimitBytes),
	)

	cat := catalog.New(cfg.DataDir, log.Named("catalog"))
	if err := cat.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	sourceOpts := source.Options{
		DataDir:          cfg.DataDir,
		CacheDir:         cfg.SourceCacheDir,
		HTTPTimeout:      cfg.HTTPTimeout,
		IOLimitBytesPSec: cfg.IOLimitBytesPerSec,
	}
	if cfg.ObjectStorageEnabled() {
		sourceOpts.Object = source.ObjectConfig{
			Endpoint:  strings.TrimSpace(cfg.S3Endpoint),
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
		}
	}
	reader, readers, err := source.NewReader(sourceOpts, log.Named("source"))
	if err != nil {
		log.Fatal("Failed to initialize sources", zap.Error(err))
	}
	defer readers.Close()

	var registry *prometheus.Registry
	if cfg.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	opts := loader.DefaultOptions()
	opts.MemoryLimit = cfg.MemoryLimitBytes
	opts.Workers = cfg.DecompWorkers
	opts.EvictRetries = cfg.EvictRetries
	opts.EvictRetryInterval = cfg.EvictRetryInterval
	if registry != nil {
		opts.Metrics = metrics.NewMetrics(registry)
	}
	ld := loader.New(reader, opts, log.Named("loader"))

	plan := planner.New(cat, ld, log.Named("planner"))
	handlers := httphandlers.New(cfg, log, cat, plan, ld)

	mux := http.NewServeMux()
	handlers.Routes(mux)
	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	warmupCtx, stopWarmup := context.WithCancel(context.Background())
	defer stopWarmup()
	if cfg.WarmupLevels > 0 {
		go func() {
			if err := plan.Warmup(warmupCtx, cfg.WarmupLevels); err != nil && warmupCtx.Err() == nil {
				log.Warn("Brick warmup failed", zap.Error(err))
			}
		}()
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stopWarmup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	if err := ld.Close(); err != nil {
		log.Error("Failed to close loader", zap.Error(err))
	}

	log.Info("Server stopped")
}
