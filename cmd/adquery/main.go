// Command adquery indexes an impression/click log and answers commands read
// from standard input.
//
// Usage:
//
//	adquery [-config adlog.yaml] <log-path>
//
// Commands, whitespace separated:
//
//	get <user> <ad> <query> <position> <depth>
//	clicked <user>
//	impressed <user1> <user2>
//	profit <ad> <ratio>
//	quit
//
// Results go to standard output; logs go to standard error.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/observe"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/query"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/session"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/store"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/metrics"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config file] <log-path>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	logger.SetupWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	path := cfg.Log.Path
	switch flag.NArg() {
	case 0:
	case 1:
		path = flag.Arg(0)
	default:
		flag.Usage()
		return 1
	}
	if path == "" {
		flag.Usage()
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdown := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx)
		}()
	}
	hooks := observe.FromMetrics(m, slog.Default())

	tree, stats, err := indexer.NewBuilder(cfg.Index, hooks).BuildFile(ctx, path)
	if err != nil {
		slog.Error("failed to index log", "path", path, "error", err)
		return 1
	}

	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.QueryEvents)
		defer producer.Close()
		collector := analytics.NewCollector(producer, cfg.Analytics.BufferSize)
		collector.Start(ctx)
		collector.Track(analytics.BuildEvent{
			Type:         analytics.EventIndexBuild,
			Path:         path,
			Lines:        stats.Lines,
			DistinctKeys: stats.DistinctKeys,
			ElapsedMs:    stats.Elapsed.Milliseconds(),
			Timestamp:    time.Now().UTC(),
		})
		defer collector.Close()
	}

	st, err := store.Open(path)
	if err != nil {
		slog.Error("failed to open log for reading", "path", path, "error", err)
		return 1
	}
	defer st.Close()

	engine := query.NewEngine(tree, st, cfg.Query, hooks)
	if err := session.New(engine, cfg.Session).Run(ctx, os.Stdin, os.Stdout); err != nil {
		slog.Error("session failed", "error", err)
		return 1
	}
	return 0
}
