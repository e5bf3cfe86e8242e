package analytics

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/kafka"
)

const (
	latencyWindow = 10000
	topUsersLimit = 10
)

type AggregatedStats struct {
	TotalQueries     int64            `json:"total_queries"`
	QueriesByOp      map[string]int64 `json:"queries_by_op"`
	Errors           int64            `json:"errors"`
	EmptyResults     int64            `json:"empty_results"`
	CacheHits        int64            `json:"cache_hits"`
	CacheMisses      int64            `json:"cache_misses"`
	IndexBuilds      int64            `json:"index_builds"`
	LastBuildLines   int64            `json:"last_build_lines"`
	AvgLatencyMs     float64          `json:"avg_latency_ms"`
	P50LatencyMs     float64          `json:"p50_latency_ms"`
	P95LatencyMs     float64          `json:"p95_latency_ms"`
	P99LatencyMs     float64          `json:"p99_latency_ms"`
	TopUsers         []UserCount      `json:"top_users"`
	QueriesPerMinute float64          `json:"queries_per_minute"`
}

type UserCount struct {
	User  uint32 `json:"user"`
	Count int64  `json:"count"`
}

// Aggregator folds query and build events into running statistics. Events
// arrive either from a Kafka consumer or directly through Track.
type Aggregator struct {
	mu             sync.RWMutex
	totalQueries   int64
	byOp           map[string]int64
	errors         int64
	emptyResults   int64
	cacheHits      int64
	cacheMisses    int64
	indexBuilds    int64
	lastBuildLines int64
	latencies      []float64
	nextLatency    int
	userCounts     map[uint32]int64
	startTime      time.Time

	consumer *kafka.Consumer
	logger   *slog.Logger
}

// NewAggregator creates an aggregator. consumer may be nil when events are fed
// in-process.
func NewAggregator(consumer *kafka.Consumer) *Aggregator {
	return &Aggregator{
		byOp:       make(map[string]int64),
		latencies:  make([]float64, 0, latencyWindow),
		userCounts: make(map[uint32]int64),
		startTime:  time.Now(),
		consumer:   consumer,
		logger:     slog.Default().With("component", "analytics-aggregator"),
	}
}

// NewKafkaAggregator creates an aggregator fed by a consumer on the
// query-events topic.
func NewKafkaAggregator(cfg config.KafkaConfig) *Aggregator {
	a := NewAggregator(nil)
	a.consumer = kafka.NewConsumer(cfg, cfg.Topics.QueryEvents, HandleEvent(a))
	return a
}

// Start consumes from Kafka until ctx ends.
func (a *Aggregator) Start(ctx context.Context) error {
	if a.consumer == nil {
		return fmt.Errorf("aggregator has no kafka consumer")
	}
	a.logger.Info("analytics aggregator starting")
	return a.consumer.Start(ctx)
}

// HandleEvent decodes raw Kafka messages into agg. Undecodable messages are
// logged and acknowledged so they do not block the partition.
func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		if err := agg.Ingest(value); err != nil {
			agg.logger.Error("failed to decode analytics event", "key", string(key), "error", err)
		}
		return nil
	}
}

// Ingest decodes one JSON event and records it.
func (a *Aggregator) Ingest(value []byte) error {
	var env envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return fmt.Errorf("decoding event envelope: %w", err)
	}
	switch env.Type {
	case EventQuery:
		event, err := kafka.DecodeJSON[QueryEvent](value)
		if err != nil {
			return err
		}
		a.recordQuery(event)
	case EventIndexBuild:
		event, err := kafka.DecodeJSON[BuildEvent](value)
		if err != nil {
			return err
		}
		a.recordBuild(event)
	default:
		return fmt.Errorf("unknown event type %q", env.Type)
	}
	return nil
}

// Track records an event directly, bypassing Kafka.
func (a *Aggregator) Track(event any) {
	switch e := event.(type) {
	case QueryEvent:
		a.recordQuery(e)
	case BuildEvent:
		a.recordBuild(e)
	default:
		a.logger.Warn("ignoring unknown event", "type", fmt.Sprintf("%T", event))
	}
}

func (a *Aggregator) recordQuery(event QueryEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalQueries++
	a.byOp[event.Op]++
	if event.Error != "" {
		a.errors++
	} else if event.Results == 0 {
		a.emptyResults++
	}
	if event.CacheHit {
		a.cacheHits++
	} else {
		a.cacheMisses++
	}
	for _, u := range event.Users {
		a.userCounts[u]++
	}

	if len(a.latencies) < latencyWindow {
		a.latencies = append(a.latencies, event.LatencyMs)
	} else {
		a.latencies[a.nextLatency] = event.LatencyMs
		a.nextLatency = (a.nextLatency + 1) % latencyWindow
	}
}

func (a *Aggregator) recordBuild(event BuildEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.indexBuilds++
	a.lastBuildLines = event.Lines
}

func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := AggregatedStats{
		TotalQueries:   a.totalQueries,
		QueriesByOp:    make(map[string]int64, len(a.byOp)),
		Errors:         a.errors,
		EmptyResults:   a.emptyResults,
		CacheHits:      a.cacheHits,
		CacheMisses:    a.cacheMisses,
		IndexBuilds:    a.indexBuilds,
		LastBuildLines: a.lastBuildLines,
	}
	for op, n := range a.byOp {
		stats.QueriesByOp[op] = n
	}
	if len(a.latencies) > 0 {
		sorted := slices.Clone(a.latencies)
		slices.Sort(sorted)
		var sum float64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = sum / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	stats.TopUsers = topUsers(a.userCounts, topUsersLimit)
	if elapsed := time.Since(a.startTime).Minutes(); elapsed > 0 {
		stats.QueriesPerMinute = float64(stats.TotalQueries) / elapsed
	}
	return stats
}

func percentile(sorted []float64, pct int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// topUsers orders by count descending, then user id ascending.
func topUsers(counts map[uint32]int64, n int) []UserCount {
	result := make([]UserCount, 0, len(counts))
	for user, count := range counts {
		result = append(result, UserCount{User: user, Count: count})
	}
	slices.SortFunc(result, func(x, y UserCount) int {
		if c := cmp.Compare(y.Count, x.Count); c != 0 {
			return c
		}
		return cmp.Compare(x.User, y.User)
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
