package models

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
)

// EntityKind categorizes mirrored entities, one row per source record type
type EntityKind struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	DisplayName string    `json:"display_name" db:"display_name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// SourceKey identifies a record in the source system
type SourceKey struct {
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
}

// Entity is the mirrored representation of a single source record
// Field order matches schema: id, kind_id, source_type, source_id, ...
type Entity struct {
	ID          string                         `json:"id" db:"id"`
	KindID      string                         `json:"kind_id" db:"kind_id"`
	SourceType  string                         `json:"source_type" db:"source_type"`
	SourceID    string                         `json:"source_id" db:"source_id"`
	DisplayName string                         `json:"display_name" db:"display_name"`
	IsActive    bool                           `json:"is_active" db:"is_active"`
	Meta        database.JSONB[map[string]any] `json:"meta" db:"meta"`
	CreatedAt   time.Time                      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time                      `json:"updated_at" db:"updated_at"`

	// Populated by a join with entity_kinds on reads
	KindName string `json:"kind_name,omitempty" db:"kind_name"`
}

// Source returns the entity's source key
func (e *Entity) Source() SourceKey {
	return SourceKey{SourceType: e.SourceType, SourceID: e.SourceID}
}

// EntityRelationship is a sub/super edge between two mirrored entities
type EntityRelationship struct {
	ID            string    `json:"id" db:"id"`
	SubEntityID   string    `json:"sub_entity_id" db:"sub_entity_id"`
	SuperEntityID string    `json:"super_entity_id" db:"super_entity_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// RelationshipPair identifies an edge without its row ID, used for diffing
type RelationshipPair struct {
	SubEntityID   string `json:"sub_entity_id"`
	SuperEntityID string `json:"super_entity_id"`
}

// SyncSourceRequest asks the sync engine to refresh specific source records
type SyncSourceRequest struct {
	SourceType string   `json:"source_type" validate:"required"`
	SourceIDs  []string `json:"source_ids" validate:"omitempty"`
}

// EntityListResponse is the response for listing entities
type EntityListResponse struct {
	Items      []Entity `json:"items"`
	TotalCount int      `json:"total_count"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
}

// EntityKindListResponse is the response for listing entity kinds
type EntityKindListResponse struct {
	Items      []EntityKind `json:"items"`
	TotalCount int          `json:"total_count"`
}
