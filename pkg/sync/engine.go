package sync

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/registry"
	"github.com/Ramsey-B/fern/pkg/tracing"

	"github.com/Ramsey-B/fern/internal/repositories/entitykind"
)

// KindStore persists entity kinds for the engine
type KindStore interface {
	UpsertMany(ctx context.Context, kinds []entitykind.KindUpsert) ([]models.EntityKind, error)
}

// EntityStore persists mirrored entities for the engine
type EntityStore interface {
	GetBySourceKeys(ctx context.Context, keys []models.SourceKey) ([]models.Entity, error)
	ListForSourceType(ctx context.Context, sourceType string) ([]models.Entity, error)
	InsertMany(ctx context.Context, entities []models.Entity) ([]models.Entity, error)
	Update(ctx context.Context, entity models.Entity) (*models.Entity, error)
	DeleteForSource(ctx context.Context, sourceType string, sourceIDs []string) ([]models.Entity, error)
}

// RelationshipStore persists sub/super edges for the engine
type RelationshipStore interface {
	ListBySubIDs(ctx context.Context, subIDs []string) ([]models.EntityRelationship, error)
	InsertMany(ctx context.Context, pairs []models.RelationshipPair) error
	DeleteMany(ctx context.Context, pairs []models.RelationshipPair) error
}

// TxStarter begins or joins a transaction carried on the context
type TxStarter interface {
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error)
}

// EventSink receives entity events after a sync commits
type EventSink interface {
	EmitEntityEvent(ctx context.Context, event models.EntityEvent) error
}

// EdgeSink is an optional extension for sinks that also want edge events
type EdgeSink interface {
	EmitEdgeEvent(ctx context.Context, event models.EdgeEvent) error
}

// Result reports what one sync changed
type Result struct {
	SourceType   string
	Created      []models.Entity
	Updated      []models.Entity
	Deleted      []models.Entity
	EdgesCreated []models.RelationshipPair
	EdgesDeleted []models.RelationshipPair
}

func (r *Result) merge(other *Result) {
	r.Created = append(r.Created, other.Created...)
	r.Updated = append(r.Updated, other.Updated...)
	r.Deleted = append(r.Deleted, other.Deleted...)
	r.EdgesCreated = append(r.EdgesCreated, other.EdgesCreated...)
	r.EdgesDeleted = append(r.EdgesDeleted, other.EdgesDeleted...)
}

// Engine reconciles source records into the mirror. Each batch runs in one
// transaction: kinds, entities and edges all land or none do. Events are
// emitted only after a commit.
type Engine struct {
	registry      *registry.Registry
	computer      *Computer
	kinds         KindStore
	entities      EntityStore
	relationships RelationshipStore
	tx            TxStarter
	logger        ectologger.Logger
	batchSize     int
	sinks         []EventSink
}

const defaultBatchSize = 500

func NewEngine(
	reg *registry.Registry,
	computer *Computer,
	kinds KindStore,
	entities EntityStore,
	relationships RelationshipStore,
	tx TxStarter,
	logger ectologger.Logger,
	batchSize int,
) *Engine {
	if batchSize < 1 {
		batchSize = defaultBatchSize
	}
	return &Engine{
		registry:      reg,
		computer:      computer,
		kinds:         kinds,
		entities:      entities,
		relationships: relationships,
		tx:            tx,
		logger:        logger,
		batchSize:     batchSize,
	}
}

// AddSink registers an event sink. Sinks are called best-effort after commit;
// a failing sink never fails the sync.
func (e *Engine) AddSink(sink EventSink) {
	e.sinks = append(e.sinks, sink)
}

// Sync refreshes the mirror for the given source records. With no IDs the
// whole source type is synced and mirrored entities whose records are gone
// are deleted. With IDs, records the source no longer returns are left
// untouched; only the external delete trigger removes them.
func (e *Engine) Sync(ctx context.Context, sourceType string, sourceIDs []string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "sync.Engine.Sync")
	defer span.End()

	cfg, ok := e.registry.Get(sourceType)
	if !ok {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "source type %s is not registered", sourceType)
	}

	result := &Result{SourceType: sourceType}

	if len(sourceIDs) == 0 {
		records, err := cfg.LoadAll(ctx)
		if err != nil {
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"source_type": sourceType,
			}).Error("failed to load all source records")
			return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to load %s records", sourceType)
		}

		missing, err := e.missingSourceIDs(ctx, sourceType, records)
		if err != nil {
			return nil, err
		}

		if err := e.syncChunked(ctx, sourceType, records, missing, result); err != nil {
			return nil, err
		}
	} else {
		for start := 0; start < len(sourceIDs); start += e.batchSize {
			end := start + e.batchSize
			if end > len(sourceIDs) {
				end = len(sourceIDs)
			}
			chunk := sourceIDs[start:end]

			records, err := cfg.Load(ctx, chunk)
			if err != nil {
				e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"source_type": sourceType,
					"id_count":    len(chunk),
				}).Error("failed to load source records")
				return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to load %s records", sourceType)
			}

			// requested records the source no longer returns are left alone;
			// only a full sync or the external delete trigger removes rows
			batchResult, err := e.syncBatch(ctx, sourceType, records, nil)
			if err != nil {
				return nil, err
			}
			result.merge(batchResult)
		}
	}

	e.emitEvents(ctx, result)

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"source_type":   sourceType,
		"created":       len(result.Created),
		"updated":       len(result.Updated),
		"deleted":       len(result.Deleted),
		"edges_created": len(result.EdgesCreated),
		"edges_deleted": len(result.EdgesDeleted),
	}).Info("sync completed")

	return result, nil
}

// SyncAll syncs every registered source type
func (e *Engine) SyncAll(ctx context.Context) ([]*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "sync.Engine.SyncAll")
	defer span.End()

	var results []*Result
	for _, sourceType := range e.registry.SourceTypes() {
		result, err := e.Sync(ctx, sourceType, nil)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// SyncWatching re-syncs the records of every source type watching changes of
// the given record. A watcher failing to compute or sync its dependents is
// logged and skipped; the remaining watchers still run.
func (e *Engine) SyncWatching(ctx context.Context, sourceType, sourceID string) ([]*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "sync.Engine.SyncWatching")
	defer span.End()

	watchers := e.registry.WatchersOf(sourceType)
	if len(watchers) == 0 {
		return nil, nil
	}

	cfg, ok := e.registry.Get(sourceType)
	if !ok {
		return nil, nil
	}

	records, err := cfg.Load(ctx, []string{sourceID})
	if err != nil || len(records) == 0 {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_type": sourceType,
			"source_id":   sourceID,
		}).Warn("could not load changed record for watchers")
		return nil, nil
	}
	changed := records[0]

	var results []*Result
	for _, watcher := range watchers {
		affected, err := watcher.Affected(ctx, changed)
		if err != nil {
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"watcher":     watcher.SourceType,
				"source_type": sourceType,
				"source_id":   sourceID,
			}).Warn("watcher failed to compute affected records")
			continue
		}
		if len(affected) == 0 {
			continue
		}

		result, err := e.Sync(ctx, watcher.SourceType, affected)
		if err != nil {
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"watcher":        watcher.SourceType,
				"affected_count": len(affected),
			}).Warn("watcher sync failed")
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// DeleteForSource removes the mirrored entities for source records that are
// gone. Their edges in both directions are removed with them.
func (e *Engine) DeleteForSource(ctx context.Context, sourceType string, sourceIDs []string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "sync.Engine.DeleteForSource")
	defer span.End()

	result := &Result{SourceType: sourceType}
	if len(sourceIDs) == 0 {
		return result, nil
	}

	ctxTx, tx, err := e.tx.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	deleted, err := e.entities.DeleteForSource(ctxTx, sourceType, sourceIDs)
	if err != nil {
		return nil, err
	}
	result.Deleted = deleted

	if err := tx.Commit(ctxTx); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit")
	}

	e.emitEvents(ctx, result)

	return result, nil
}

func (e *Engine) missingSourceIDs(ctx context.Context, sourceType string, records []registry.SourceRecord) ([]string, error) {
	mirrored, err := e.entities.ListForSourceType(ctx, sourceType)
	if err != nil {
		return nil, err
	}

	loaded := make(map[string]bool, len(records))
	for _, r := range records {
		loaded[r.SourceID()] = true
	}

	var missing []string
	for _, entity := range mirrored {
		if !loaded[entity.SourceID] {
			missing = append(missing, entity.SourceID)
		}
	}
	return missing, nil
}

func (e *Engine) syncChunked(ctx context.Context, sourceType string, records []registry.SourceRecord, missing []string, result *Result) error {
	for start := 0; start < len(records); start += e.batchSize {
		end := start + e.batchSize
		if end > len(records) {
			end = len(records)
		}

		// deletions ride along with the first batch
		var batchMissing []string
		if start == 0 {
			batchMissing = missing
		}

		batchResult, err := e.syncBatch(ctx, sourceType, records[start:end], batchMissing)
		if err != nil {
			return err
		}
		result.merge(batchResult)
	}

	if len(records) == 0 && len(missing) > 0 {
		batchResult, err := e.syncBatch(ctx, sourceType, nil, missing)
		if err != nil {
			return err
		}
		result.merge(batchResult)
	}

	return nil
}

// syncBatch reconciles one batch inside a single transaction.
func (e *Engine) syncBatch(ctx context.Context, sourceType string, records []registry.SourceRecord, missing []string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "sync.Engine.syncBatch")
	defer span.End()

	result := &Result{SourceType: sourceType}
	if len(records) == 0 && len(missing) == 0 {
		return result, nil
	}

	ctxTx, tx, err := e.tx.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	if len(missing) > 0 {
		deleted, err := e.entities.DeleteForSource(ctxTx, sourceType, missing)
		if err != nil {
			return nil, err
		}
		result.Deleted = deleted
	}

	if len(records) > 0 {
		if err := e.reconcile(ctxTx, sourceType, records, result); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit")
	}

	return result, nil
}

func (e *Engine) reconcile(ctx context.Context, sourceType string, records []registry.SourceRecord, result *Result) error {
	state, err := e.computer.Compute(ctx, sourceType, records)
	if err != nil {
		return err
	}

	kinds, err := e.kinds.UpsertMany(ctx, KindUpserts(state))
	if err != nil {
		return err
	}
	kindIDs := make(map[string]string, len(kinds))
	for _, kind := range kinds {
		kindIDs[kind.Name] = kind.ID
	}

	keys := make([]models.SourceKey, 0, len(state.Entities))
	for _, target := range state.Entities {
		keys = append(keys, target.Key)
	}
	existing, err := e.entities.GetBySourceKeys(ctx, keys)
	if err != nil {
		return err
	}

	diff := DiffEntities(state.Entities, existing, kindIDs)

	created, err := e.entities.InsertMany(ctx, diff.Creates)
	if err != nil {
		return err
	}
	result.Created = append(result.Created, created...)

	for _, update := range diff.Updates {
		updated, err := e.entities.Update(ctx, update)
		if err != nil {
			return err
		}
		result.Updated = append(result.Updated, *updated)
	}

	idByKey := make(map[models.SourceKey]string, len(existing)+len(created))
	for _, entity := range existing {
		idByKey[entity.Source()] = entity.ID
	}
	for _, entity := range created {
		idByKey[entity.Source()] = entity.ID
	}

	// edges are replaced only for the records this batch was asked to sync;
	// supers mirrored for edge targets keep whatever edges they already have
	var desired []models.RelationshipPair
	var primarySubIDs []string
	for _, target := range state.Entities {
		if !target.Primary {
			continue
		}
		subID, ok := idByKey[target.Key]
		if !ok {
			continue
		}
		primarySubIDs = append(primarySubIDs, subID)
		for _, superKey := range target.Supers {
			superID, ok := idByKey[superKey]
			if !ok {
				e.logger.WithContext(ctx).WithFields(map[string]any{
					"source_type":       superKey.SourceType,
					"source_id":         superKey.SourceID,
					"sub_source_type":   target.Key.SourceType,
					"sub_source_id":     target.Key.SourceID,
				}).Warn("super record not mirrored, skipping edge")
				continue
			}
			desired = append(desired, models.RelationshipPair{
				SubEntityID:   subID,
				SuperEntityID: superID,
			})
		}
	}

	current, err := e.relationships.ListBySubIDs(ctx, primarySubIDs)
	if err != nil {
		return err
	}

	edgeDiff := DiffEdges(desired, current)
	if err := e.relationships.InsertMany(ctx, edgeDiff.Creates); err != nil {
		return err
	}
	if err := e.relationships.DeleteMany(ctx, edgeDiff.Deletes); err != nil {
		return err
	}
	result.EdgesCreated = append(result.EdgesCreated, edgeDiff.Creates...)
	result.EdgesDeleted = append(result.EdgesDeleted, edgeDiff.Deletes...)

	return nil
}

func (e *Engine) emitEvents(ctx context.Context, result *Result) {
	if len(e.sinks) == 0 {
		return
	}

	now := time.Now().UTC()
	events := make([]models.EntityEvent, 0, len(result.Created)+len(result.Updated)+len(result.Deleted))
	for _, entity := range result.Created {
		events = append(events, models.EntityEvent{Type: models.EventEntityCreated, Entity: entity, Timestamp: now})
	}
	for _, entity := range result.Updated {
		events = append(events, models.EntityEvent{Type: models.EventEntityUpdated, Entity: entity, Timestamp: now})
	}
	for _, entity := range result.Deleted {
		events = append(events, models.EntityEvent{Type: models.EventEntityDeleted, Entity: entity, Timestamp: now})
	}

	edgeEvents := make([]models.EdgeEvent, 0, len(result.EdgesCreated)+len(result.EdgesDeleted))
	for _, pair := range result.EdgesCreated {
		edgeEvents = append(edgeEvents, models.EdgeEvent{Type: models.EventEdgeCreated, Edge: pair, Timestamp: now})
	}
	for _, pair := range result.EdgesDeleted {
		edgeEvents = append(edgeEvents, models.EdgeEvent{Type: models.EventEdgeDeleted, Edge: pair, Timestamp: now})
	}

	for _, sink := range e.sinks {
		for _, event := range events {
			if err := sink.EmitEntityEvent(ctx, event); err != nil {
				e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"event_type": event.Type,
					"entity_id":  event.Entity.ID,
				}).Warn("failed to emit entity event")
			}
		}

		edgeSink, ok := sink.(EdgeSink)
		if !ok {
			continue
		}
		for _, event := range edgeEvents {
			if err := edgeSink.EmitEdgeEvent(ctx, event); err != nil {
				e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"event_type":      event.Type,
					"sub_entity_id":   event.Edge.SubEntityID,
					"super_entity_id": event.Edge.SuperEntityID,
				}).Warn("failed to emit edge event")
			}
		}
	}
}
