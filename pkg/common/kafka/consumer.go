package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mist-health/mdf-pipeline/pkg/common/config"
	"github.com/mist-health/mdf-pipeline/pkg/common/httpclient"
	"github.com/mist-health/mdf-pipeline/pkg/common/logger"
	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/segmentio/kafka-go"
)

// messageReader is the part of kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader messageReader
	// Retry bounds how often a failing handler is retried before the
	// message is given up.
	Retry httpclient.Backoff
	// OnGiveUp is called with the last handler error before a message that
	// never succeeded is committed.
	OnGiveUp func(ctx context.Context, event models.Event, err error)
}

type EventHandler func(ctx context.Context, event models.Event) error

func NewConsumer(topic string, groupID string) *Consumer {
	cfg := config.Load()
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: int(cfg.KafkaBatchBytes),
		MaxWait:  500 * time.Millisecond,
	})

	return newConsumer(reader)
}

func newConsumer(r messageReader) *Consumer {
	return &Consumer{
		reader: r,
		Retry:  httpclient.Backoff{Attempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second},
	}
}

// Consume hands each message to handler. The reader's position moves past a
// message as soon as it is fetched, so a failing handler is retried in place;
// once the retries are spent OnGiveUp is called and the message is committed.
// A message is left uncommitted only when ctx ends first, in which case it is
// fetched again after the consumer group restarts.
func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			logger.Log.WithError(err).Error("Failed to fetch message")
			continue
		}

		var event models.Event
		if err := json.Unmarshal(message.Value, &event); err != nil {
			logger.Log.WithError(err).Error("Failed to unmarshal event")
			_ = c.reader.CommitMessages(ctx, message)
			continue
		}

		retry := c.Retry
		retry.OnRetry = func(attempt int, err error, wait time.Duration) {
			logger.Log.WithError(err).WithFields(map[string]interface{}{
				"event_id": event.ID,
				"attempt":  attempt,
				"wait":     wait.String(),
			}).Warn("Failed to process event, retrying")
		}
		if err := retry.Do(ctx, func(int) error { return handler(ctx, event) }); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Log.WithError(err).WithField("event_id", event.ID).Error("Giving up on event")
			if c.OnGiveUp != nil {
				c.OnGiveUp(ctx, event, err)
			}
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			logger.Log.WithError(err).Error("Failed to commit message")
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
