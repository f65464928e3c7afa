package models

import "time"

// Change operations carried on the source change topic
const (
	ChangeOpUpsert = "upsert"
	ChangeOpDelete = "delete"
)

// ChangeMessage is an incoming change notification for a source record
type ChangeMessage struct {
	SourceType string    `json:"source_type"`
	SourceID   string    `json:"source_id"`
	Op         string    `json:"op"`
	Timestamp  time.Time `json:"timestamp"`
}

// Entity event types emitted after a committed sync
const (
	EventEntityCreated = "entity.created"
	EventEntityUpdated = "entity.updated"
	EventEntityDeleted = "entity.deleted"
)

// EntityEvent is emitted for every entity a committed sync created, updated or deleted
type EntityEvent struct {
	Type      string    `json:"type"`
	Entity    Entity    `json:"entity"`
	Timestamp time.Time `json:"timestamp"`
}

// Edge event types emitted after a committed sync
const (
	EventEdgeCreated = "edge.created"
	EventEdgeDeleted = "edge.deleted"
)

// EdgeEvent is emitted for every sub/super edge a committed sync created or deleted
type EdgeEvent struct {
	Type      string           `json:"type"`
	Edge      RelationshipPair `json:"edge"`
	Timestamp time.Time        `json:"timestamp"`
}
