package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// QueryService handles read queries against the graph projection
type QueryService struct {
	client *Client
	logger ectologger.Logger
}

// NewQueryService creates a new query service
func NewQueryService(client *Client, logger ectologger.Logger) *QueryService {
	return &QueryService{
		client: client,
		logger: logger,
	}
}

// NodeResult represents a node from query results
type NodeResult struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// Ancestors returns every entity reachable by following SUB_OF edges up
// from the given entity, within the hop limit
func (s *QueryService) Ancestors(ctx context.Context, entityID string, maxHops int) ([]NodeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.QueryService.Ancestors")
	defer span.End()

	if maxHops <= 0 {
		maxHops = 10
	}

	cypher := fmt.Sprintf(`
		MATCH (e {id: $id})-[:SUB_OF*1..%d]->(super)
		RETURN DISTINCT super
	`, maxHops)

	return s.collectNodes(ctx, cypher, map[string]any{"id": entityID}, "super")
}

// Descendants returns every entity reachable by following SUB_OF edges down
// to the given entity, within the hop limit
func (s *QueryService) Descendants(ctx context.Context, entityID string, maxHops int) ([]NodeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.QueryService.Descendants")
	defer span.End()

	if maxHops <= 0 {
		maxHops = 10
	}

	cypher := fmt.Sprintf(`
		MATCH (sub)-[:SUB_OF*1..%d]->(e {id: $id})
		RETURN DISTINCT sub
	`, maxHops)

	return s.collectNodes(ctx, cypher, map[string]any{"id": entityID}, "sub")
}

// Neighbors returns entities connected within N hops in either direction
func (s *QueryService) Neighbors(ctx context.Context, entityID string, hops int) ([]NodeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.QueryService.Neighbors")
	defer span.End()

	if hops <= 0 {
		hops = 1
	}

	cypher := fmt.Sprintf(`
		MATCH (e {id: $id})-[:SUB_OF*1..%d]-(neighbor)
		RETURN DISTINCT neighbor
	`, hops)

	return s.collectNodes(ctx, cypher, map[string]any{"id": entityID}, "neighbor")
}

func (s *QueryService) collectNodes(ctx context.Context, cypher string, params map[string]any, key string) ([]NodeResult, error) {
	result, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}

		nodes := make([]NodeResult, 0)
		for result.Next(ctx) {
			record := result.Record()
			val, ok := record.Get(key)
			if !ok {
				continue
			}
			node, ok := val.(neo4j.Node)
			if !ok {
				continue
			}
			nodes = append(nodes, NodeResult{
				ID:         fmt.Sprintf("%v", node.Props["id"]),
				Labels:     node.Labels,
				Properties: node.Props,
			})
		}
		return nodes, nil
	})

	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to execute graph query")
		return nil, fmt.Errorf("failed to execute graph query: %w", err)
	}

	return result.([]NodeResult), nil
}
