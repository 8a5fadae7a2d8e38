// auditpiped is the audit event ingestion pipeline daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/auditpipe/auditpipe/internal/backend"
	"github.com/auditpipe/auditpipe/internal/backend/duckstore"
	"github.com/auditpipe/auditpipe/internal/backend/parquetstore"
	"github.com/auditpipe/auditpipe/internal/logging"
	"github.com/auditpipe/auditpipe/internal/metrics"
	"github.com/auditpipe/auditpipe/internal/pipeline"
	"github.com/auditpipe/auditpipe/internal/pipeline/breaker"
	"github.com/auditpipe/auditpipe/internal/pipeline/config"
	"github.com/auditpipe/auditpipe/internal/pipeline/pool"
	"github.com/auditpipe/auditpipe/internal/pipeline/tiered"
	"github.com/auditpipe/auditpipe/internal/pipeline/types"
	"github.com/auditpipe/auditpipe/internal/source"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	metricsListen := flag.String("metrics-listen", "", "metrics listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			slog.Error("load config", "path", *cfgPath, "error", err)
			os.Exit(1)
		}
	}

	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *metricsListen != "" {
		cfg.Metrics.Listen = *metricsListen
	}

	if cfg.Logging.File != "" {
		logging.InitWithFile(cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups,
			logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	} else {
		logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	}
	log := logging.Component("main")
	log.Info("auditpiped starting", "version", Version, "data_dir", cfg.DataDir)

	if err := cfg.EnsureDirectories(); err != nil {
		log.Error("ensure directories", "error", err)
		os.Exit(1)
	}

	// Tier backends, each guarded by its own breaker and pool.
	hot, err := duckstore.Open(cfg.HotPath(), duckstore.Options{MemoryLimit: cfg.Hot.MemoryLimit})
	if err != nil {
		log.Error("open hot tier", "error", err)
		os.Exit(1)
	}

	warm, err := parquetstore.Open(cfg.TierDir(types.TierWarm), parquetstore.Options{
		Compression: parquetstore.ParseCompressionType(cfg.Warm.Compression),
	})
	if err != nil {
		log.Error("open warm tier", "error", err)
		os.Exit(1)
	}

	cold, err := parquetstore.Open(cfg.TierDir(types.TierCold), parquetstore.Options{
		Compression: parquetstore.ParseCompressionType(cfg.Cold.Compression),
		ZstdBest:    true,
	})
	if err != nil {
		log.Error("open cold tier", "error", err)
		os.Exit(1)
	}

	guard := func(name string, s backend.Store) backend.Store {
		return backend.NewGuardedStore(s,
			breaker.New(name, cfg.Breaker),
			pool.New(name, cfg.Pool, backend.SessionDialer(s)))
	}

	orch := tiered.New(map[types.Tier]backend.Store{
		types.TierHot:  guard("hot", hot),
		types.TierWarm: guard("warm", warm),
		types.TierCold: guard("cold", cold),
	}, cfg.Lifecycle)

	svc, err := pipeline.New(cfg, orch)
	if err != nil {
		log.Error("create pipeline", "error", err)
		os.Exit(1)
	}
	if err := svc.Start(); err != nil {
		log.Error("start pipeline", "error", err)
		os.Exit(1)
	}

	var kafka *source.KafkaSource
	if cfg.Kafka.Enabled {
		kafka, err = source.NewKafkaSource(cfg.Kafka, svc)
		if err != nil {
			log.Error("create kafka source", "error", err)
			os.Exit(1)
		}
		if err := kafka.Start(); err != nil {
			log.Error("start kafka source", "error", err)
			os.Exit(1)
		}
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metrics.Register(svc, nil)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			log.Info("metrics endpoint listening", "addr", cfg.Metrics.Listen)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server", "error", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	// Sources first, so no new events arrive while the queue drains.
	if kafka != nil {
		if err := kafka.Stop(); err != nil {
			log.Warn("stop kafka source", "error", err)
		}
	}
	if err := svc.Stop(); err != nil {
		log.Warn("stop pipeline", "error", err)
	}
	if err := orch.Close(); err != nil {
		log.Warn("close storage", "error", err)
	}
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(ctx); err != nil {
			log.Warn("stop metrics server", "error", err)
		}
	}

	log.Info("auditpiped stopped")
}
