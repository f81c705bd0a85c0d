package ingestion

import (
	"context"
	"fmt"

	"github.com/mist-health/mdf-pipeline/pkg/common/logger"
	"github.com/mist-health/mdf-pipeline/pkg/pipeline"
)

// Dispatcher hands a job to whatever runs pipelines: an in-process worker
// pool or the job topic.
type Dispatcher interface {
	Dispatch(ctx context.Context, j pipeline.Job) error
}

// Publisher is satisfied by kafka.Producer.
type Publisher interface {
	PublishEvent(ctx context.Context, eventType, source, key string, data map[string]interface{}) error
}

// KafkaDispatcher publishes jobs keyed by dataset id. Jobs that cannot be
// published are copied to the dead-letter topic when one is configured.
type KafkaDispatcher struct {
	producer Publisher
	dlq      Publisher
}

func NewKafkaDispatcher(producer, dlq Publisher) *KafkaDispatcher {
	return &KafkaDispatcher{producer: producer, dlq: dlq}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, j pipeline.Job) error {
	payload := jobPayload(j)
	sendErr := d.producer.PublishEvent(ctx, EventDatasetSubmitted, eventSource, j.DatasetID, payload)
	if sendErr == nil {
		return nil
	}
	logger.ForDataset(j.DatasetID).WithError(sendErr).Error("failed to publish job event")
	if d.dlq != nil {
		if dlqErr := d.dlq.PublishEvent(ctx, EventDatasetSubmitted, eventSource, j.DatasetID, payload); dlqErr != nil {
			logger.ForDataset(j.DatasetID).WithError(dlqErr).Error("failed to push job event to DLQ")
		}
	}
	return fmt.Errorf("publishing job: %w", sendErr)
}
