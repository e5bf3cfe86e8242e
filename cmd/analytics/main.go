// Command analytics runs the standalone query-analytics service.
//
// It consumes query and index-build events from Kafka, aggregates them in
// memory (queries per op, latency percentiles, cache hit rate, error rate,
// most-queried users), optionally snapshots the aggregate to PostgreSQL, and
// serves it at GET /api/v1/analytics.
//
// Usage:
//
//	analytics [-config adlog.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/analytics/aggregator"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting analytics service", "port", cfg.Server.Port, "topic", cfg.Kafka.Topics.QueryEvents)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agg := analytics.NewKafkaAggregator(cfg.Kafka)
	go func() {
		if err := agg.Start(ctx); err != nil {
			slog.Error("aggregator error", "error", err)
		}
	}()

	checker := health.NewChecker()
	var snapshots analytics.SnapshotLister
	if cfg.Postgres.Enabled {
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		snapStore := aggregator.NewStore(db)
		if err := snapStore.EnsureSchema(ctx); err != nil {
			slog.Error("failed to prepare snapshot schema", "error", err)
			os.Exit(1)
		}
		snapStore.StartPeriodicSave(ctx, agg, cfg.Analytics.SnapshotInterval)
		snapshots = snapStore
		checker.Register("postgres", health.PingCheck(db.Ping, false))
	}

	h := analytics.NewHandler(agg, snapshots)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/analytics", h.Stats)
	mux.HandleFunc("GET /api/v1/analytics/snapshots", h.Snapshots)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware.Chain(mux, middleware.RequestID, middleware.Metrics(m)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("analytics service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("analytics service stopped")
}
