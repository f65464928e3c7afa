package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/Ramsey-B/fern/pkg/models"
)

// SourceRecord is a single record loaded from a source system.
type SourceRecord interface {
	SourceType() string
	SourceID() string
}

// Watch re-syncs records of the owning source type when a record of
// another source type changes. Affected maps the changed record to the
// source IDs (of the owning type) that need a refresh.
type Watch struct {
	SourceType string
	Affected   func(ctx context.Context, changed SourceRecord) ([]string, error)
}

// Config describes how records of one source type mirror into entities.
// Only SourceType, Load and LoadAll are required; the accessor funcs
// default to sensible no-ops at Register time.
type Config struct {
	SourceType string
	Load       func(ctx context.Context, sourceIDs []string) ([]SourceRecord, error)
	LoadAll    func(ctx context.Context) ([]SourceRecord, error)

	// Kind returns the kind name and display name for a record. Defaults
	// to the source type for both.
	Kind func(r SourceRecord) (name string, displayName string)

	// IsActive defaults to true for every record.
	IsActive func(r SourceRecord) bool

	// Meta defaults to nil.
	Meta func(r SourceRecord) map[string]any

	// DisplayName defaults to the record's source ID.
	DisplayName func(r SourceRecord) string

	// SuperEntities lists the records this record is sub to. Defaults to none.
	SuperEntities func(r SourceRecord) []models.SourceKey

	Watching []Watch
}

// Registry holds the source type configurations and the watch graph
// between them. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	configs  map[string]*Config
	watchers map[string][]watcher
}

type watcher struct {
	sourceType string
	watch      Watch
}

func New() *Registry {
	return &Registry{
		configs:  make(map[string]*Config),
		watchers: make(map[string][]watcher),
	}
}

// Register validates and stores a config, applying defaults for the
// optional accessors. Registering the same source type twice is an error.
func (r *Registry) Register(cfg Config) error {
	if cfg.SourceType == "" {
		return fmt.Errorf("registry: source type is required")
	}
	if cfg.Load == nil {
		return fmt.Errorf("registry: %s: Load is required", cfg.SourceType)
	}
	if cfg.LoadAll == nil {
		return fmt.Errorf("registry: %s: LoadAll is required", cfg.SourceType)
	}
	for i, w := range cfg.Watching {
		if w.SourceType == "" || w.Affected == nil {
			return fmt.Errorf("registry: %s: watch %d is missing a source type or Affected func", cfg.SourceType, i)
		}
	}

	applyDefaults(&cfg)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.configs[cfg.SourceType]; ok {
		return fmt.Errorf("registry: source type %s is already registered", cfg.SourceType)
	}
	r.configs[cfg.SourceType] = &cfg
	for _, w := range cfg.Watching {
		r.watchers[w.SourceType] = append(r.watchers[w.SourceType], watcher{sourceType: cfg.SourceType, watch: w})
	}
	return nil
}

func applyDefaults(cfg *Config) {
	sourceType := cfg.SourceType
	if cfg.Kind == nil {
		cfg.Kind = func(SourceRecord) (string, string) { return sourceType, sourceType }
	}
	if cfg.IsActive == nil {
		cfg.IsActive = func(SourceRecord) bool { return true }
	}
	if cfg.Meta == nil {
		cfg.Meta = func(SourceRecord) map[string]any { return nil }
	}
	if cfg.DisplayName == nil {
		cfg.DisplayName = func(r SourceRecord) string { return r.SourceID() }
	}
	if cfg.SuperEntities == nil {
		cfg.SuperEntities = func(SourceRecord) []models.SourceKey { return nil }
	}
}

// Get returns the config for a source type.
func (r *Registry) Get(sourceType string) (*Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[sourceType]
	return cfg, ok
}

// SourceTypes returns every registered source type.
func (r *Registry) SourceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.configs))
	for t := range r.configs {
		types = append(types, t)
	}
	return types
}

// Watcher pairs a watching source type with the watch that triggered.
type Watcher struct {
	SourceType string
	Affected   func(ctx context.Context, changed SourceRecord) ([]string, error)
}

// WatchersOf returns the source types watching changes of the given type.
func (r *Registry) WatchersOf(sourceType string) []Watcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws := r.watchers[sourceType]
	out := make([]Watcher, 0, len(ws))
	for _, w := range ws {
		out = append(out, Watcher{SourceType: w.sourceType, Affected: w.watch.Affected})
	}
	return out
}
