package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"houseprice/config"
	"houseprice/db"
	qhttp "houseprice/http"
	"houseprice/logging"
	"houseprice/ml"
	"houseprice/monitoring"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Look for config in root even if run from cmd/
	if _, err := os.Stat(*configPath); os.IsNotExist(err) && !filepath.IsAbs(*configPath) {
		if _, err := os.Stat(filepath.Join("..", *configPath)); err == nil {
			*configPath = filepath.Join("..", *configPath)
		}
	}

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logger.Sync()

	// 2. Load model artifacts
	artifacts, err := ml.LoadArtifacts(ml.ArtifactPaths{
		ModelType:    cfg.Model.Type,
		ModelPath:    cfg.Model.ModelPath,
		FeaturesPath: cfg.Model.FeatureNamesPath,
		MetadataPath: cfg.Model.MetadataPath,
	})
	if err != nil {
		logger.Fatal("failed to load model artifacts", zap.Error(err))
	}
	predictor, err := ml.NewPredictor(artifacts, logger.Named("predictor"))
	if err != nil {
		logger.Fatal("failed to build predictor", zap.Error(err))
	}
	logger.Info("model loaded",
		zap.String("type", cfg.Model.Type),
		zap.Strings("features", predictor.FeatureNames()))

	// 3. Initialize database
	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()
	logger.Info("database initialized", zap.String("path", cfg.Database.Path))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)

	api, err := qhttp.NewAPI(qhttp.Deps{
		Predictor:    monitoring.InstrumentedPredictor{Next: predictor, Metrics: metrics},
		FeatureNames: predictor.FeatureNames(),
		Metadata:     predictor.Metadata(),
		Store:        store,
		Metrics:      metrics,
		Logger:       logger.Named("http"),
		CacheSize:    cfg.Batch.CacheSize,
	})
	if err != nil {
		logger.Fatal("failed to build API", zap.Error(err))
	}

	// 4. Start HTTP server
	server := qhttp.NewServer(qhttp.ServerConfig{
		Port:           cfg.HTTP.Port,
		Timeout:        cfg.HTTP.Timeout,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
	}, api, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// 5. Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}

	if err := server.Stop(); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	logger.Info("exiting")
}
