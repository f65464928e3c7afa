package relcache

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Loader fetches edges and entities for the cache. Satisfied by the
// relationship and entity repositories together.
type Loader interface {
	ListBySubIDs(ctx context.Context, subIDs []string) ([]models.EntityRelationship, error)
	ListBySuperIDs(ctx context.Context, superIDs []string) ([]models.EntityRelationship, error)
	GetByIDs(ctx context.Context, ids []string) ([]models.Entity, error)
}

// Option selects which relationship directions Load warms.
type Option func(*loadOptions)

type loadOptions struct {
	supers bool
	subs   bool
}

// WithSupers caches the super entities of every loaded entity.
func WithSupers() Option {
	return func(o *loadOptions) { o.supers = true }
}

// WithSubs caches the sub entities of every loaded entity.
func WithSubs() Option {
	return func(o *loadOptions) { o.subs = true }
}

// Cache builds immutable relationship handles for batches of entities.
type Cache struct {
	loader Loader
	logger ectologger.Logger
}

func New(loader Loader, logger ectologger.Logger) *Cache {
	return &Cache{
		loader: loader,
		logger: logger,
	}
}

// Load warms each requested direction with one edge query and at most one
// entity query for the whole batch. Entities outside the batch that appear
// on the far side of an edge are fetched in that single query; entities
// already in the batch are reused.
func (c *Cache) Load(ctx context.Context, entities []models.Entity, opts ...Option) (*Handle, error) {
	ctx, span := tracing.StartSpan(ctx, "relcache.Cache.Load")
	defer span.End()

	options := loadOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.supers && !options.subs {
		options.supers = true
	}

	ids := make([]string, 0, len(entities))
	byID := make(map[string]models.Entity, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
		byID[e.ID] = e
	}

	h := &Handle{
		loader: c.loader,
		logger: c.logger,
	}

	if options.supers {
		edges, err := c.loader.ListBySubIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		supersOf, err := c.resolve(ctx, edges, byID, ids, func(e models.EntityRelationship) (string, string) {
			return e.SubEntityID, e.SuperEntityID
		})
		if err != nil {
			return nil, err
		}
		h.supersOf = supersOf
	}

	if options.subs {
		edges, err := c.loader.ListBySuperIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		subsOf, err := c.resolve(ctx, edges, byID, ids, func(e models.EntityRelationship) (string, string) {
			return e.SuperEntityID, e.SubEntityID
		})
		if err != nil {
			return nil, err
		}
		h.subsOf = subsOf
	}

	return h, nil
}

// resolve groups edge far sides by near side, fetching far-side entities not
// already known in one query.
func (c *Cache) resolve(
	ctx context.Context,
	edges []models.EntityRelationship,
	byID map[string]models.Entity,
	nearIDs []string,
	split func(models.EntityRelationship) (near string, far string),
) (map[string][]models.Entity, error) {
	var missing []string
	seenMissing := make(map[string]bool)
	for _, edge := range edges {
		_, far := split(edge)
		if _, ok := byID[far]; !ok && !seenMissing[far] {
			seenMissing[far] = true
			missing = append(missing, far)
		}
	}

	fetched := make(map[string]models.Entity, len(missing))
	if len(missing) > 0 {
		farEntities, err := c.loader.GetByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, e := range farEntities {
			fetched[e.ID] = e
		}
	}

	out := make(map[string][]models.Entity, len(nearIDs))
	for _, id := range nearIDs {
		// an empty slice marks "cached, no relations" so lookups do not fall back
		out[id] = []models.Entity{}
	}
	for _, edge := range edges {
		near, far := split(edge)
		if e, ok := byID[far]; ok {
			out[near] = append(out[near], e)
			continue
		}
		if e, ok := fetched[far]; ok {
			out[near] = append(out[near], e)
		}
	}

	return out, nil
}

// Handle is an immutable snapshot of the relations loaded for one batch.
// Lookups for entities outside the batch fall back to a direct fetch without
// changing the handle, so a handle can be shared across goroutines freely.
type Handle struct {
	loader   Loader
	logger   ectologger.Logger
	supersOf map[string][]models.Entity
	subsOf   map[string][]models.Entity
}

// SupersOf returns the super entities of e, from the snapshot when e was part
// of the loaded batch.
func (h *Handle) SupersOf(ctx context.Context, e models.Entity) ([]models.Entity, error) {
	if cached, ok := h.supersOf[e.ID]; ok {
		return cached, nil
	}
	return h.fetch(ctx, e, true)
}

// SubsOf returns the sub entities of e, from the snapshot when e was part of
// the loaded batch.
func (h *Handle) SubsOf(ctx context.Context, e models.Entity) ([]models.Entity, error) {
	if cached, ok := h.subsOf[e.ID]; ok {
		return cached, nil
	}
	return h.fetch(ctx, e, false)
}

func (h *Handle) fetch(ctx context.Context, e models.Entity, supers bool) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "relcache.Handle.fetch")
	defer span.End()

	var edges []models.EntityRelationship
	var err error
	if supers {
		edges, err = h.loader.ListBySubIDs(ctx, []string{e.ID})
	} else {
		edges, err = h.loader.ListBySuperIDs(ctx, []string{e.ID})
	}
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, nil
	}

	farIDs := make([]string, 0, len(edges))
	for _, edge := range edges {
		if supers {
			farIDs = append(farIDs, edge.SuperEntityID)
		} else {
			farIDs = append(farIDs, edge.SubEntityID)
		}
	}

	return h.loader.GetByIDs(ctx, farIDs)
}
