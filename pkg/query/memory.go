package query

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Source supplies the super entities of an entity for in-memory evaluation.
// It is satisfied by a relationship cache handle or anything else that can
// answer the sub-to-super direction.
type Source interface {
	SupersOf(ctx context.Context, entity models.Entity) ([]models.Entity, error)
}

// Matches evaluates the filter against one entity using the given source for
// relationship lookups. The semantics mirror Apply exactly, so a filter gives
// the same answer in memory as it does in SQL.
func (f Filter) Matches(ctx context.Context, src Source, e models.Entity) (bool, error) {
	if f.active != nil && e.IsActive != *f.active {
		return false, nil
	}
	if f.hasSourceType && e.SourceType != f.sourceType {
		return false, nil
	}
	if len(f.kinds) > 0 && !containsString(f.kinds, e.KindName) {
		return false, nil
	}
	if len(f.notKinds) > 0 && containsString(f.notKinds, e.KindName) {
		return false, nil
	}

	if !f.needsSupers() {
		return true, nil
	}

	supers, err := src.SupersOf(ctx, e)
	if err != nil {
		return false, err
	}

	superIDs := make(map[string]bool, len(supers))
	superKinds := make(map[string]bool, len(supers))
	for _, s := range supers {
		superIDs[s.ID] = true
		superKinds[s.KindName] = true
	}

	if f.subToAllSet {
		for _, id := range f.subToAll {
			if !superIDs[id] {
				return false, nil
			}
		}
	}

	if f.subToAnySet {
		matched := false
		for _, id := range f.subToAny {
			if superIDs[id] {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}

	for _, kindName := range f.subToAllKinds {
		if !superKinds[kindName] {
			return false, nil
		}
	}

	if f.subToAnyKSet {
		matched := false
		for _, kindName := range f.subToAnyKinds {
			if superKinds[kindName] {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}

	return true, nil
}

// Select returns the entities matching the filter, preserving input order.
func (f Filter) Select(ctx context.Context, src Source, entities []models.Entity) ([]models.Entity, error) {
	var out []models.Entity
	for _, e := range entities {
		ok, err := f.Matches(ctx, src, e)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f Filter) needsSupers() bool {
	return (f.subToAllSet && len(f.subToAll) > 0) ||
		f.subToAnySet ||
		len(f.subToAllKinds) > 0 ||
		f.subToAnyKSet
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
