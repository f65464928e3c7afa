package sync

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/registry"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// TargetEntity is the mirrored shape one source record should have after a
// sync. Primary marks records the caller asked to sync; super entities pulled
// in to satisfy edges are mirrored too but keep their existing edges.
type TargetEntity struct {
	Key             models.SourceKey
	KindName        string
	KindDisplayName string
	DisplayName     string
	IsActive        bool
	Meta            map[string]any
	Supers          []models.SourceKey
	Primary         bool
}

// TargetState is the desired mirror state for one sync batch.
type TargetState struct {
	SourceType string
	Kinds      map[string]string // kind name -> display name
	Entities   []TargetEntity
}

// Computer turns source records into their target mirror state using the
// accessors registered for each source type.
type Computer struct {
	registry *registry.Registry
	logger   ectologger.Logger
}

func NewComputer(reg *registry.Registry, logger ectologger.Logger) *Computer {
	return &Computer{
		registry: reg,
		logger:   logger,
	}
}

// Compute builds the target state for a batch of records of one source type.
// Super references to unregistered source types are dropped. Referenced super
// records outside the batch are loaded and added as non-primary entities so
// every edge has both ends mirrored.
func (c *Computer) Compute(ctx context.Context, sourceType string, records []registry.SourceRecord) (*TargetState, error) {
	ctx, span := tracing.StartSpan(ctx, "sync.Computer.Compute")
	defer span.End()

	cfg, ok := c.registry.Get(sourceType)
	if !ok {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "source type %s is not registered", sourceType)
	}

	state := &TargetState{
		SourceType: sourceType,
		Kinds:      make(map[string]string),
	}

	inState := make(map[models.SourceKey]bool)
	missingByType := make(map[string][]string)
	seenMissing := make(map[models.SourceKey]bool)

	for _, record := range records {
		target := c.targetFor(cfg, record, true)
		state.Kinds[target.KindName] = target.KindDisplayName

		supers := cfg.SuperEntities(record)
		target.Supers = make([]models.SourceKey, 0, len(supers))
		for _, superKey := range supers {
			if superKey == target.Key {
				c.logger.WithContext(ctx).WithFields(map[string]any{
					"source_type": sourceType,
					"source_id":   record.SourceID(),
				}).Warn("dropping self reference, an entity cannot be its own super")
				continue
			}
			if _, registered := c.registry.Get(superKey.SourceType); !registered {
				c.logger.WithContext(ctx).WithFields(map[string]any{
					"source_type":       sourceType,
					"source_id":         record.SourceID(),
					"super_source_type": superKey.SourceType,
				}).Warn("dropping super reference to unregistered source type")
				continue
			}
			target.Supers = append(target.Supers, superKey)
			if !seenMissing[superKey] {
				seenMissing[superKey] = true
				missingByType[superKey.SourceType] = append(missingByType[superKey.SourceType], superKey.SourceID)
			}
		}

		state.Entities = append(state.Entities, target)
		inState[target.Key] = true
	}

	// mirror referenced supers that are not already part of the batch
	for superType, superIDs := range missingByType {
		toLoad := make([]string, 0, len(superIDs))
		for _, id := range superIDs {
			if !inState[models.SourceKey{SourceType: superType, SourceID: id}] {
				toLoad = append(toLoad, id)
			}
		}
		if len(toLoad) == 0 {
			continue
		}

		superCfg, _ := c.registry.Get(superType)
		superRecords, err := superCfg.Load(ctx, toLoad)
		if err != nil {
			c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"source_type": superType,
				"id_count":    len(toLoad),
			}).Error("failed to load super records")
			return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to load %s records", superType)
		}

		for _, record := range superRecords {
			target := c.targetFor(superCfg, record, false)
			if inState[target.Key] {
				continue
			}
			state.Kinds[target.KindName] = target.KindDisplayName
			state.Entities = append(state.Entities, target)
			inState[target.Key] = true
		}
	}

	return state, nil
}

func (c *Computer) targetFor(cfg *registry.Config, record registry.SourceRecord, primary bool) TargetEntity {
	kindName, kindDisplay := cfg.Kind(record)
	return TargetEntity{
		Key: models.SourceKey{
			SourceType: record.SourceType(),
			SourceID:   record.SourceID(),
		},
		KindName:        kindName,
		KindDisplayName: kindDisplay,
		DisplayName:     cfg.DisplayName(record),
		IsActive:        cfg.IsActive(record),
		Meta:            cfg.Meta(record),
		Primary:         primary,
	}
}
