package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/S0me0neR0man/tsstash/internal/config"
	"github.com/S0me0neR0man/tsstash/internal/fileset"
	"github.com/S0me0neR0man/tsstash/internal/meta"
	"github.com/S0me0neR0man/tsstash/internal/metrics"
	"github.com/S0me0neR0man/tsstash/internal/tsdb"
)

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

func main() {
	cfg, err := config.NewConfig(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	catalog, err := meta.LoadFile(cfg.CatalogFile, logger)
	if err != nil {
		sugar.Fatalw("catalog", "error", err)
	}
	codec, err := fileset.NewCodec(cfg.DataDir, logger)
	if err != nil {
		sugar.Fatalw("data dir", "error", err)
	}
	mode, err := tsdb.ParseCompactMode(cfg.CompactMode)
	if err != nil {
		sugar.Fatalw("compaction mode", "error", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	db, err := tsdb.Open(tsdb.Options{
		MinRows: cfg.MinRows,
		MaxRows: cfg.MaxRows,
		Codec:   codec,
		Catalog: meta.NewCache(catalog, logger),
		Metrics: metrics.NewMetrics(reg),
	}, logger)
	if err != nil {
		sugar.Fatalw("open store", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	if cfg.CompactInterval == 0 {
		if _, err := db.Compact(ctx, mode); err != nil {
			sugar.Fatalw("compaction", "error", err)
		}
		return
	}

	var wg sync.WaitGroup

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		wg.Add(1)
		go func() {
			defer wg.Done()
			sugar.Infow("metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sugar.Errorw("metrics server", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func(ctx context.Context) {
		defer wg.Done()
		ticker := time.NewTicker(cfg.CompactInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := db.Compact(ctx, mode); err != nil && !errors.Is(err, context.Canceled) {
					sugar.Errorw("compaction", "error", err)
				}
			}
		}
	}(ctx)

	<-ctx.Done()
	sugar.Info("shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			sugar.Warnw("metrics server shutdown", "error", err)
		}
		cancel()
	}
	wg.Wait()
}
