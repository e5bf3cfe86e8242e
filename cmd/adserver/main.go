// Command adserver indexes an impression/click log and serves the query
// operations over HTTP, with optional Redis caching and Kafka analytics.
//
// Usage:
//
//	adserver [-config adlog.yaml] [log-path]
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
	"time"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/observe"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/query"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/query/cache"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/server/handler"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/server/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/server/router"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/store"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/redis"
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

	path := cfg.Log.Path
	if flag.NArg() > 0 {
		path = flag.Arg(0)
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "no log path given (argument or log.path)")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}
	hooks := observe.FromMetrics(m, slog.Default())

	ready := health.NewFlag("index building")
	checker := health.NewChecker()
	checker.Register("index", ready.Check())

	slog.Info("starting query server", "port", cfg.Server.Port, "log", path)
	tree, stats, err := indexer.NewBuilder(cfg.Index, hooks).BuildFile(ctx, path)
	if err != nil {
		slog.Error("failed to index log", "path", path, "error", err)
		os.Exit(1)
	}
	st, err := store.Open(path)
	if err != nil {
		slog.Error("failed to open log for reading", "path", path, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	engine := query.NewEngine(tree, st, cfg.Query, hooks)

	var queryCache *cache.QueryCache
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, query caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			queryCache = cache.New(redisClient, cfg.Redis, st.Fingerprint().String(), m)
			checker.Register("redis", health.PingCheck(redisClient.Ping, true))
			slog.Info("query cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	var tracker analytics.Tracker = analytics.Discard{}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.QueryEvents)
		defer producer.Close()
		collector := analytics.NewCollector(producer, cfg.Analytics.BufferSize)
		collector.Start(ctx)
		defer collector.Close()
		tracker = collector
		slog.Info("analytics collector started", "topic", cfg.Kafka.Topics.QueryEvents)
	}
	tracker.Track(analytics.BuildEvent{
		Type:         analytics.EventIndexBuild,
		Path:         path,
		Lines:        stats.Lines,
		DistinctKeys: stats.DistinctKeys,
		ElapsedMs:    stats.Elapsed.Milliseconds(),
		Timestamp:    time.Now().UTC(),
	})

	info := handler.IndexInfo{
		Path:         path,
		Fingerprint:  st.Fingerprint().String(),
		Lines:        stats.Lines,
		BlankLines:   stats.BlankLines,
		Bytes:        stats.Bytes,
		DistinctKeys: stats.DistinctKeys,
		Height:       stats.Height,
		BuildMs:      float64(stats.Elapsed.Microseconds()) / 1000,
	}
	h := handler.New(engine, queryCache, tracker, info, cfg.Tracing.Enabled)

	opts := router.Options{
		Metrics:     m,
		Timeout:     cfg.Server.RequestTimeout,
		CORSOrigins: cfg.Server.CORSOrigins,
	}
	if cfg.Server.RateLimit > 0 {
		opts.Limiter = ratelimit.New(ctx, cfg.Server.RateLimit, time.Minute)
		slog.Info("rate limiting enabled", "per_minute", cfg.Server.RateLimit)
	}
	ready.Set()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router.New(h, checker, opts),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("query server listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	// In-flight requests still track events; wait for them before the
	// deferred collector and store cleanup runs.
	<-shutdownDone
	slog.Info("query server stopped")
}
