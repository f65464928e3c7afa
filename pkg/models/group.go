package models

import "time"

// EntityGroup is a named collection of entities resolved at read time
type EntityGroup struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	DisplayName string    `json:"display_name" db:"display_name"`
	LogicString *string   `json:"logic_string,omitempty" db:"logic_string"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// EntityGroupMembership is one membership rule inside a group.
// Three shapes are valid:
//   - entity only: that single entity
//   - entity + kind: all entities of the kind that are sub to the entity
//   - kind only: all entities of the kind
type EntityGroupMembership struct {
	ID        string    `json:"id" db:"id"`
	GroupID   string    `json:"group_id" db:"group_id"`
	EntityID  *string   `json:"entity_id,omitempty" db:"entity_id"`
	KindID    *string   `json:"kind_id,omitempty" db:"kind_id"`
	SortOrder int       `json:"sort_order" db:"sort_order"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// Populated by a join with entity_kinds on reads
	KindName *string `json:"kind_name,omitempty" db:"kind_name"`
}

// CreateEntityGroupRequest is the request for creating a group
type CreateEntityGroupRequest struct {
	Name        string  `json:"name" validate:"required"`
	DisplayName string  `json:"display_name" validate:"omitempty"`
	LogicString *string `json:"logic_string,omitempty"`
}

// UpdateEntityGroupRequest is the request for updating a group
type UpdateEntityGroupRequest struct {
	DisplayName *string `json:"display_name,omitempty"`
	LogicString *string `json:"logic_string,omitempty"`
}

// AddMembershipRequest is the request for adding a membership rule to a group
type AddMembershipRequest struct {
	EntityID  *string `json:"entity_id,omitempty"`
	KindName  *string `json:"kind_name,omitempty"`
	SortOrder *int    `json:"sort_order,omitempty"`
}

// EntityGroupListResponse is the response for listing groups
type EntityGroupListResponse struct {
	Items      []EntityGroup `json:"items"`
	TotalCount int           `json:"total_count"`
}
