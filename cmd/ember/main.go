package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/emberkv/ember/internal/config"
	"github.com/emberkv/ember/internal/metrics"
	"github.com/emberkv/ember/internal/service"
	"github.com/emberkv/ember/internal/storage/kvstore"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.NodeID),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.String("mutation_log", cfg.MutationLog.Path))

	// Create data directories
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}
	if dir := filepath.Dir(cfg.MutationLog.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Fatal("Failed to create mutation log directory", zap.Error(err))
		}
	}

	// Initialize metrics
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(cfg.NodeID, registry)

	// Initialize the engine
	var store kvstore.KVStore
	if config.PersistenceDisabled() {
		store = kvstore.NewMemStore(logger)
	} else {
		fs, err := kvstore.NewFileStore(filepath.Join(cfg.Storage.DataDir, "rows"), logger)
		if err != nil {
			logger.Fatal("Failed to open file store", zap.Error(err))
		}
		defer fs.Close()
		store = fs
	}
	ep, err := service.NewEPStore(cfg, store, logger, m, clock.New())
	if err != nil {
		logger.Fatal("Failed to initialize engine", zap.Error(err))
	}

	if err := ep.Start(); err != nil {
		logger.Fatal("Failed to start engine", zap.Error(err))
	}

	// Serve prometheus metrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			logger.Info("Metrics endpoint listening",
				zap.Int("port", cfg.Metrics.Port),
				zap.String("path", cfg.Metrics.Path))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	if metricsServer != nil {
		metricsServer.Close()
	}
	ep.Stop()
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err == nil {
		zc.Level = level
	}
	return zc.Build()
}
