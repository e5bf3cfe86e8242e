package analytics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/resilience"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 2 * time.Second
)

// Tracker accepts analytics events without blocking the caller.
type Tracker interface {
	Track(event any)
}

// Publisher is the Kafka side of the collector; *kafka.Producer satisfies it.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Collector buffers events in a channel and publishes them in batches, either
// when a batch fills or when the flush interval elapses.
type Collector struct {
	publisher     Publisher
	eventCh       chan any
	batchSize     int
	flushInterval time.Duration
	retry         resilience.RetryConfig
	logger        *slog.Logger
	done          chan struct{}
	mu            sync.RWMutex
	closed        bool
	dropped       atomic.Int64
	published     atomic.Int64
}

func NewCollector(publisher Publisher, bufferSize int) *Collector {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Collector{
		publisher:     publisher,
		eventCh:       make(chan any, bufferSize),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
		},
		logger: slog.Default().With("component", "analytics-collector"),
		done:   make(chan struct{}),
	}
}

// Start launches the publish loop. It returns immediately; Close waits for
// the loop to drain.
func (c *Collector) Start(ctx context.Context) {
	go c.loop(ctx)
	c.logger.Info("analytics collector started",
		"buffer_size", cap(c.eventCh),
		"batch_size", c.batchSize,
		"flush_interval", c.flushInterval,
	)
}

func (c *Collector) loop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	batch := make([]kafka.Event, 0, c.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		c.publish(ctx, batch)
		batch = make([]kafka.Event, 0, c.batchSize)
	}

	for {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				flush(context.Background())
				return
			}
			batch = append(batch, kafka.Event{Key: eventKey(event), Value: event})
			if len(batch) >= c.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.drainInto(&batch)
			flush(drainCtx)
			cancel()
			return
		}
	}
}

func (c *Collector) drainInto(batch *[]kafka.Event) {
	for {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				return
			}
			*batch = append(*batch, kafka.Event{Key: eventKey(event), Value: event})
		default:
			return
		}
	}
}

func (c *Collector) publish(ctx context.Context, batch []kafka.Event) {
	err := resilience.Retry(ctx, "analytics-publish", c.retry, func() error {
		return c.publisher.PublishBatch(ctx, batch)
	})
	if err != nil {
		c.dropped.Add(int64(len(batch)))
		c.logger.Error("failed to publish analytics batch", "events", len(batch), "error", err)
		return
	}
	c.published.Add(int64(len(batch)))
}

// Track enqueues event. When the buffer is full, or the collector is closed,
// the event is dropped and counted.
func (c *Collector) Track(event any) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.dropped.Add(1)
		return
	}
	select {
	case c.eventCh <- event:
	default:
		c.dropped.Add(1)
		c.logger.Warn("analytics event dropped (buffer full)")
	}
}

// Close stops accepting events and waits for buffered ones to be published.
func (c *Collector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.eventCh)
	c.mu.Unlock()
	<-c.done
}

func (c *Collector) Published() int64 {
	return c.published.Load()
}

func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

// Discard is a Tracker that ignores every event.
type Discard struct{}

func (Discard) Track(any) {}
