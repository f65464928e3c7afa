package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Projector mirrors entities and sub/super edges into the graph database.
// It is registered as a sync event sink, so the projection follows every
// committed sync without touching the sync transaction itself.
type Projector struct {
	client *Client
	logger ectologger.Logger
}

// NewProjector creates a new graph projector
func NewProjector(client *Client, logger ectologger.Logger) *Projector {
	return &Projector{
		client: client,
		logger: logger,
	}
}

// EmitEntityEvent projects a single entity lifecycle event
func (p *Projector) EmitEntityEvent(ctx context.Context, event models.EntityEvent) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.EmitEntityEvent")
	defer span.End()

	switch event.Type {
	case models.EventEntityCreated, models.EventEntityUpdated:
		return p.UpsertEntity(ctx, event.Entity)
	case models.EventEntityDeleted:
		return p.DeleteEntity(ctx, event.Entity.ID)
	default:
		return nil
	}
}

// EmitEdgeEvent projects a single edge lifecycle event
func (p *Projector) EmitEdgeEvent(ctx context.Context, event models.EdgeEvent) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.EmitEdgeEvent")
	defer span.End()

	switch event.Type {
	case models.EventEdgeCreated:
		return p.LinkSuper(ctx, event.Edge)
	case models.EventEdgeDeleted:
		return p.UnlinkSuper(ctx, event.Edge)
	default:
		return nil
	}
}

// UpsertEntity creates or updates an entity node. The node label is the
// entity kind (e.g. :account, :team).
func (p *Projector) UpsertEntity(ctx context.Context, entity models.Entity) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.UpsertEntity")
	defer span.End()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_id":   entity.ID,
		"source_type": entity.SourceType,
		"source_id":   entity.SourceID,
	})

	cypher := fmt.Sprintf(`
		MERGE (e:%s {id: $id})
		SET e = $props
		RETURN e
	`, sanitizeLabel(entity.KindName))

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":    entity.ID,
			"props": nodeProps(entity),
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		log.WithError(err).Error("Failed to upsert entity node in graph")
		return fmt.Errorf("failed to upsert entity node: %w", err)
	}

	log.Debug("Upserted entity node in graph")
	return nil
}

// DeleteEntity removes an entity node and all its edges
func (p *Projector) DeleteEntity(ctx context.Context, entityID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.DeleteEntity")
	defer span.End()

	cypher := `
		MATCH (e {id: $id})
		DETACH DELETE e
	`

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"id": entityID})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to delete entity node in graph")
		return fmt.Errorf("failed to delete entity node: %w", err)
	}

	return nil
}

// LinkSuper creates a SUB_OF edge from the sub entity to the super entity
func (p *Projector) LinkSuper(ctx context.Context, pair models.RelationshipPair) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.LinkSuper")
	defer span.End()

	cypher := `
		MATCH (sub {id: $sub_id})
		MATCH (super {id: $super_id})
		MERGE (sub)-[:SUB_OF]->(super)
	`

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"sub_id":   pair.SubEntityID,
			"super_id": pair.SuperEntityID,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to link entities in graph")
		return fmt.Errorf("failed to link entities: %w", err)
	}

	return nil
}

// UnlinkSuper removes the SUB_OF edge between the sub and super entities
func (p *Projector) UnlinkSuper(ctx context.Context, pair models.RelationshipPair) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.UnlinkSuper")
	defer span.End()

	cypher := `
		MATCH (sub {id: $sub_id})-[r:SUB_OF]->(super {id: $super_id})
		DELETE r
	`

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"sub_id":   pair.SubEntityID,
			"super_id": pair.SuperEntityID,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to unlink entities in graph")
		return fmt.Errorf("failed to unlink entities: %w", err)
	}

	return nil
}

// Rebuild replaces the whole projection with the given entities and edges.
// Entities are grouped by kind so each batch shares one label.
func (p *Projector) Rebuild(ctx context.Context, entities []models.Entity, pairs []models.RelationshipPair) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.Rebuild")
	defer span.End()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_count": len(entities),
		"edge_count":   len(pairs),
	})

	byKind := make(map[string][]models.Entity)
	for _, entity := range entities {
		byKind[entity.KindName] = append(byKind[entity.KindName], entity)
	}

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `MATCH (e) DETACH DELETE e`, nil); err != nil {
			return nil, err
		}

		for kind, kindEntities := range byKind {
			batch := make([]map[string]any, len(kindEntities))
			for i, entity := range kindEntities {
				batch[i] = nodeProps(entity)
			}

			cypher := fmt.Sprintf(`
				UNWIND $batch AS props
				MERGE (e:%s {id: props.id})
				SET e = props
			`, sanitizeLabel(kind))

			if _, err := tx.Run(ctx, cypher, map[string]any{"batch": batch}); err != nil {
				return nil, err
			}
		}

		if len(pairs) > 0 {
			batch := make([]map[string]any, len(pairs))
			for i, pair := range pairs {
				batch[i] = map[string]any{
					"sub_id":   pair.SubEntityID,
					"super_id": pair.SuperEntityID,
				}
			}

			cypher := `
				UNWIND $batch AS edge
				MATCH (sub {id: edge.sub_id})
				MATCH (super {id: edge.super_id})
				MERGE (sub)-[:SUB_OF]->(super)
			`
			if _, err := tx.Run(ctx, cypher, map[string]any{"batch": batch}); err != nil {
				return nil, err
			}
		}

		return nil, nil
	})

	if err != nil {
		log.WithError(err).Error("Failed to rebuild graph projection")
		return fmt.Errorf("failed to rebuild graph projection: %w", err)
	}

	log.Info("Rebuilt graph projection")
	return nil
}

func nodeProps(entity models.Entity) map[string]any {
	props := map[string]any{
		"id":           entity.ID,
		"kind":         entity.KindName,
		"source_type":  entity.SourceType,
		"source_id":    entity.SourceID,
		"display_name": entity.DisplayName,
		"is_active":    entity.IsActive,
		"created_at":   entity.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		"updated_at":   entity.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}

	// meta values are flattened onto the node where they are scalar
	for k, v := range entity.Meta.Data {
		switch v.(type) {
		case string, bool, int, int64, float64:
			props["meta_"+k] = v
		}
	}

	return props
}

// sanitizeLabel ensures the label is safe for Cypher
func sanitizeLabel(label string) string {
	// Only allow alphanumeric and underscore
	result := ""
	for _, c := range label {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result += string(c)
		}
	}
	if result == "" {
		return "Entity"
	}
	return result
}
