// Package events handles event emission for entity lifecycle changes
package events

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Emitter publishes entity lifecycle events to Kafka
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EmitEntityEvent publishes a single entity lifecycle event
func (e *Emitter) EmitEntityEvent(ctx context.Context, event models.EntityEvent) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitEntityEvent")
	defer span.End()

	if err := e.producer.PublishEntityEvent(ctx, &event); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type": event.Type,
			"entity_id":  event.Entity.ID,
		}).Error("Failed to emit entity event")
		return err
	}

	return nil
}
