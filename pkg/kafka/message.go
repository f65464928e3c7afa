package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string
	TraceState  string

	// Parsed content
	Change *models.ChangeMessage
}

// ParseChangeMessage parses the message value as a source change notification
func (m *IncomingMessage) ParseChangeMessage() error {
	var msg models.ChangeMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return err
	}
	m.Change = &msg
	return nil
}

// GetSourceType returns the source type from the change, falling back to headers
func (m *IncomingMessage) GetSourceType() string {
	if m.Change != nil && m.Change.SourceType != "" {
		return m.Change.SourceType
	}
	return m.Headers["source_type"]
}

// GetSourceID returns the source record identifier for the change
func (m *IncomingMessage) GetSourceID() string {
	if m.Change != nil && m.Change.SourceID != "" {
		return m.Change.SourceID
	}
	return m.Key
}

// GetOp returns the change operation, defaulting to upsert
func (m *IncomingMessage) GetOp() string {
	if m.Change != nil && m.Change.Op != "" {
		return m.Change.Op
	}
	if op := m.Headers["op"]; op != "" {
		return op
	}
	return models.ChangeOpUpsert
}

// ChangeHandler adapts a change processor to a MessageHandler. The change is
// assembled from the parsed payload with header fallbacks, so producers that
// only set headers and a key still route correctly.
func ChangeHandler(processor interface {
	HandleChange(ctx context.Context, msg models.ChangeMessage) error
}) MessageHandler {
	return func(ctx context.Context, msg *IncomingMessage) error {
		change := models.ChangeMessage{
			SourceType: msg.GetSourceType(),
			SourceID:   msg.GetSourceID(),
			Op:         msg.GetOp(),
			Timestamp:  msg.Timestamp,
		}
		return processor.HandleChange(ctx, change)
	}
}
