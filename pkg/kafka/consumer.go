// Package kafka carries analytics events over segmentio/kafka-go. The
// producer serialises events as JSON; the consumer hands raw values to a
// MessageHandler and commits after each successful call.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/config"
	"github.com/segmentio/kafka-go"
)

const fetchBackoff = time.Second

// MessageHandler receives each message's key and value. Returning an error
// leaves the message uncommitted.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

type Consumer struct {
	reader  *kafka.Reader
	logger  *slog.Logger
	handler MessageHandler
}

// NewConsumer joins cfg.ConsumerGroup on topic, starting from the earliest
// offset when the group has none committed.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		StartOffset: kafka.FirstOffset,
	})

	return &Consumer{
		reader:  r,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler: handler,
	}
}

// Start consumes until ctx ends, then closes the reader. A message is
// committed only after the handler accepts it; fetch errors are retried after
// fetchBackoff.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	for ctx.Err() == nil {
		msg, err := c.reader.FetchMessage(ctx)
		if err == nil {
			c.process(ctx, msg)
			continue
		}
		if ctx.Err() != nil {
			break
		}
		c.logger.Error("fetch failed", "error", err, "retry_in", fetchBackoff)
		timer := time.NewTimer(fetchBackoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
	c.logger.Info("consumer stopping", "reason", ctx.Err())
	return c.reader.Close()
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	log := c.logger.With("partition", msg.Partition, "offset", msg.Offset)
	if err := c.handler(ctx, msg.Key, msg.Value); err != nil {
		log.Error("handler rejected message, not committing", "error", err)
		return
	}
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.Error("commit failed", "error", err)
	}
}

// DecodeJSON unmarshals a message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
