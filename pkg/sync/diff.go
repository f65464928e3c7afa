package sync

import (
	"bytes"
	"encoding/json"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"

	"github.com/Ramsey-B/fern/internal/repositories/entitykind"
)

// EntityDiff is the write plan for one batch: rows to insert, rows whose
// mirrored fields drifted, and rows that are already correct.
type EntityDiff struct {
	Creates   []models.Entity
	Updates   []models.Entity
	Unchanged []models.Entity
}

// KindUpserts collects the kind rows a target state needs.
func KindUpserts(state *TargetState) []entitykind.KindUpsert {
	kinds := make([]entitykind.KindUpsert, 0, len(state.Kinds))
	for name, displayName := range state.Kinds {
		kinds = append(kinds, entitykind.KindUpsert{Name: name, DisplayName: displayName})
	}
	return kinds
}

// DiffEntities compares target entities against the mirrored rows that exist.
// kindIDs maps kind name to its row ID. The result is deterministic given the
// same inputs, so re-running a sync with an unchanged source is a no-op plan.
func DiffEntities(targets []TargetEntity, existing []models.Entity, kindIDs map[string]string) EntityDiff {
	existingByKey := make(map[models.SourceKey]models.Entity, len(existing))
	for _, e := range existing {
		existingByKey[e.Source()] = e
	}

	var diff EntityDiff
	for _, target := range targets {
		kindID := kindIDs[target.KindName]

		current, ok := existingByKey[target.Key]
		if !ok {
			diff.Creates = append(diff.Creates, models.Entity{
				KindID:      kindID,
				SourceType:  target.Key.SourceType,
				SourceID:    target.Key.SourceID,
				DisplayName: target.DisplayName,
				IsActive:    target.IsActive,
				Meta:        database.JSONB[map[string]any]{Data: target.Meta},
				KindName:    target.KindName,
			})
			continue
		}

		if entityChanged(current, target, kindID) {
			updated := current
			updated.KindID = kindID
			updated.KindName = target.KindName
			updated.DisplayName = target.DisplayName
			updated.IsActive = target.IsActive
			updated.Meta = database.JSONB[map[string]any]{Data: target.Meta}
			diff.Updates = append(diff.Updates, updated)
		} else {
			diff.Unchanged = append(diff.Unchanged, current)
		}
	}

	return diff
}

func entityChanged(current models.Entity, target TargetEntity, kindID string) bool {
	if current.KindID != kindID ||
		current.DisplayName != target.DisplayName ||
		current.IsActive != target.IsActive {
		return true
	}
	return !metaEqual(current.Meta.Data, target.Meta)
}

// metaEqual compares meta maps by their canonical JSON encoding. Rows read
// back from jsonb hold float64 numbers while registry closures usually return
// ints; comparing the encodings keeps an unchanged source from looking like
// drift.
func metaEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	aJSON, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bJSON, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aJSON, bJSON)
}

// EdgeDiff is the edge write plan for one batch.
type EdgeDiff struct {
	Creates []models.RelationshipPair
	Deletes []models.RelationshipPair
}

// DiffEdges compares the desired edges of a batch against the edges currently
// stored for the same sub entities. Desired edges missing from current are
// created; current edges absent from desired are deleted.
func DiffEdges(desired []models.RelationshipPair, current []models.EntityRelationship) EdgeDiff {
	desiredSet := make(map[models.RelationshipPair]bool, len(desired))
	for _, p := range desired {
		desiredSet[p] = true
	}

	currentSet := make(map[models.RelationshipPair]bool, len(current))
	for _, edge := range current {
		currentSet[models.RelationshipPair{
			SubEntityID:   edge.SubEntityID,
			SuperEntityID: edge.SuperEntityID,
		}] = true
	}

	var diff EdgeDiff
	for p := range desiredSet {
		if !currentSet[p] {
			diff.Creates = append(diff.Creates, p)
		}
	}
	for p := range currentSet {
		if !desiredSet[p] {
			diff.Deletes = append(diff.Deletes, p)
		}
	}

	return diff
}
