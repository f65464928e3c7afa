package query

import (
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

// Filter is an immutable, composable entity query. Every method returns a new
// Filter, so partial filters can be shared and extended safely:
//
//	base := query.New().Active()
//	admins := base.IsSubToAll(adminTeamID)
//
// A filter translates to SQL against the entities table (see Apply) and
// evaluates in memory against a Source (see Matches). Empty argument lists
// follow set semantics: IsSubToAll with no supers restricts nothing, while
// IsSubToAny with no supers matches nothing.
type Filter struct {
	active        *bool
	kinds         []string
	notKinds      []string
	subToAll      []string
	subToAllSet   bool
	subToAny      []string
	subToAnySet   bool
	subToAllKinds []string
	subToAnyKinds []string
	subToAnyKSet  bool
	sourceType    string
	hasSourceType bool
}

// New returns an empty filter that matches every entity.
func New() Filter {
	return Filter{}
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func (f Filter) clone() Filter {
	f.kinds = copyStrings(f.kinds)
	f.notKinds = copyStrings(f.notKinds)
	f.subToAll = copyStrings(f.subToAll)
	f.subToAny = copyStrings(f.subToAny)
	f.subToAllKinds = copyStrings(f.subToAllKinds)
	f.subToAnyKinds = copyStrings(f.subToAnyKinds)
	return f
}

// Active restricts the filter to active entities.
func (f Filter) Active() Filter {
	f = f.clone()
	active := true
	f.active = &active
	return f
}

// Inactive restricts the filter to inactive entities.
func (f Filter) Inactive() Filter {
	f = f.clone()
	active := false
	f.active = &active
	return f
}

// ForSourceType restricts the filter to entities mirrored from one source type.
func (f Filter) ForSourceType(sourceType string) Filter {
	f = f.clone()
	f.sourceType = sourceType
	f.hasSourceType = true
	return f
}

// IsAnyKind restricts to entities whose kind name is one of the given names.
func (f Filter) IsAnyKind(kindNames ...string) Filter {
	f = f.clone()
	f.kinds = append(f.kinds, kindNames...)
	return f
}

// IsNotAnyKind excludes entities whose kind name is one of the given names.
func (f Filter) IsNotAnyKind(kindNames ...string) Filter {
	f = f.clone()
	f.notKinds = append(f.notKinds, kindNames...)
	return f
}

// IsSubToAll restricts to entities that are sub to every one of the given
// super entity IDs. With no IDs the restriction is a no-op.
func (f Filter) IsSubToAll(superIDs ...string) Filter {
	f = f.clone()
	f.subToAll = append(f.subToAll, superIDs...)
	f.subToAllSet = true
	return f
}

// IsSubToAny restricts to entities that are sub to at least one of the given
// super entity IDs. With no IDs nothing matches.
func (f Filter) IsSubToAny(superIDs ...string) Filter {
	f = f.clone()
	f.subToAny = append(f.subToAny, superIDs...)
	f.subToAnySet = true
	return f
}

// IsSubToAllKinds restricts to entities that have at least one super of every
// given kind. With no kinds the restriction is a no-op.
func (f Filter) IsSubToAllKinds(kindNames ...string) Filter {
	f = f.clone()
	f.subToAllKinds = append(f.subToAllKinds, kindNames...)
	return f
}

// IsSubToAnyKind restricts to entities that have at least one super of any of
// the given kinds. With no kinds nothing matches.
func (f Filter) IsSubToAnyKind(kindNames ...string) Filter {
	f = f.clone()
	f.subToAnyKinds = append(f.subToAnyKinds, kindNames...)
	f.subToAnyKSet = true
	return f
}

// Apply appends the filter's conditions to a select over
// "entities e JOIN entity_kinds k ON k.id = e.kind_id".
func (f Filter) Apply(sb *sqlbuilder.SelectBuilder) {
	if f.active != nil {
		sb.Where(sb.Equal("e.is_active", *f.active))
	}
	if f.hasSourceType {
		sb.Where(sb.Equal("e.source_type", f.sourceType))
	}
	if len(f.kinds) > 0 {
		sb.Where(sb.In("k.name", sqlbuilder.Flatten(f.kinds)...))
	}
	if len(f.notKinds) > 0 {
		sb.Where(sb.NotIn("k.name", sqlbuilder.Flatten(f.notKinds)...))
	}

	if f.subToAllSet && len(f.subToAll) > 0 {
		if len(f.subToAll) == 1 {
			// single super fast path, no aggregation needed
			sb.Where(fmt.Sprintf(
				"e.id IN (SELECT r.sub_entity_id FROM entity_relationships r WHERE r.super_entity_id = %s)",
				sb.Var(f.subToAll[0]),
			))
		} else {
			vars := make([]string, len(f.subToAll))
			for i, id := range f.subToAll {
				vars[i] = sb.Var(id)
			}
			sb.Where(fmt.Sprintf(
				"e.id IN (SELECT r.sub_entity_id FROM entity_relationships r WHERE r.super_entity_id IN (%s) GROUP BY r.sub_entity_id HAVING COUNT(DISTINCT r.super_entity_id) = %s)",
				strings.Join(vars, ", "),
				sb.Var(len(f.subToAll)),
			))
		}
	}

	if f.subToAnySet {
		if len(f.subToAny) == 0 {
			sb.Where("FALSE")
		} else {
			vars := make([]string, len(f.subToAny))
			for i, id := range f.subToAny {
				vars[i] = sb.Var(id)
			}
			sb.Where(fmt.Sprintf(
				"e.id IN (SELECT r.sub_entity_id FROM entity_relationships r WHERE r.super_entity_id IN (%s))",
				strings.Join(vars, ", "),
			))
		}
	}

	for _, kindName := range f.subToAllKinds {
		sb.Where(fmt.Sprintf(
			"e.id IN (SELECT r.sub_entity_id FROM entity_relationships r JOIN entities s ON s.id = r.super_entity_id JOIN entity_kinds sk ON sk.id = s.kind_id WHERE sk.name = %s)",
			sb.Var(kindName),
		))
	}

	if f.subToAnyKSet {
		if len(f.subToAnyKinds) == 0 {
			sb.Where("FALSE")
		} else {
			vars := make([]string, len(f.subToAnyKinds))
			for i, kindName := range f.subToAnyKinds {
				vars[i] = sb.Var(kindName)
			}
			sb.Where(fmt.Sprintf(
				"e.id IN (SELECT r.sub_entity_id FROM entity_relationships r JOIN entities s ON s.id = r.super_entity_id JOIN entity_kinds sk ON sk.id = s.kind_id WHERE sk.name IN (%s))",
				strings.Join(vars, ", "),
			))
		}
	}
}
