// Package publisher enqueues indexing tasks: it records them in the task
// table and publishes their batch events to Kafka, keyed by index so that
// the batches of one index keep their order.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/kafka"
)

// EventPublisher writes events to the batch topic.
type EventPublisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// TaskRecorder records newly enqueued tasks.
type TaskRecorder interface {
	Enqueue(ctx context.Context, taskID, indexUID string) error
}

// Publisher coordinates task recording and Kafka event production.
type Publisher struct {
	tasks    TaskRecorder
	producer EventPublisher
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Publisher. tasks may be nil.
func New(tasks TaskRecorder, producer EventPublisher) *Publisher {
	return &Publisher{
		tasks:    tasks,
		producer: producer,
		now:      time.Now,
		logger:   slog.Default().With("component", "publisher"),
	}
}

// Enqueue assigns a task id when the event has none, validates the event,
// records the task and publishes it.
func (p *Publisher) Enqueue(ctx context.Context, event ingestion.BatchEvent) (ingestion.BatchEvent, error) {
	if event.TaskID == "" {
		event.TaskID = uuid.NewString()
	}
	event.EnqueuedAt = p.now().UTC()
	if err := validator.ValidateBatchEvent(&event); err != nil {
		return event, fmt.Errorf("invalid batch: %w", err)
	}
	if p.tasks != nil {
		if err := p.tasks.Enqueue(ctx, event.TaskID, event.IndexUID); err != nil {
			return event, fmt.Errorf("recording task: %w", err)
		}
	}
	if err := p.producer.Publish(ctx, kafka.Event{
		Key:     event.IndexUID,
		Value:   event,
		Headers: map[string]string{ingestion.HeaderTaskID: event.TaskID},
	}); err != nil {
		p.logger.Error("failed to publish batch, task stuck in enqueued",
			"task_id", event.TaskID,
			"index", event.IndexUID,
			"error", err,
		)
		return event, err
	}
	p.logger.Info("batch enqueued",
		"task_id", event.TaskID,
		"index", event.IndexUID,
		"kind", event.Kind(),
	)
	return event, nil
}
