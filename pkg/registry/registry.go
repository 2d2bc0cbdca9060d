// Package registry implements the experiment-type registry (SPEC_FULL.md
// §4.3): registration, lookup, instantiation, and search over named
// experiment constructors.
package registry

import (
	"context"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/netlab/pkg/log"
	"github.com/cuemby/netlab/pkg/remote"
	"github.com/cuemby/netlab/pkg/types"
)

// Experiment is the six-phase pipeline every experiment type implements
// (SPEC_FULL.md §4.4). It is declared here, not in pkg/lifecycle, so that
// the registry stays a standalone leaf package and pkg/lifecycle can depend
// on it instead of the other way around.
type Experiment interface {
	Initialize(ctx context.Context) (bool, error)
	Execute(ctx context.Context) (bool, error)
	CollectData(ctx context.Context) (bool, error)
	AnalyzeData(ctx context.Context) (map[string]any, error)
	SaveData(ctx context.Context) (bool, error)
	Cleanup(ctx context.Context)
}

// Constructor builds an Experiment instance from a config and the remote
// capability the runner will drive it against. The compiler enforces that
// whatever it returns satisfies Experiment, replacing the original's
// runtime issubclass check.
type Constructor func(cfg types.ExperimentConfig, cap remote.Capability) (Experiment, error)

// Info describes a registered experiment type for read-only queries.
type Info struct {
	Type         string
	Description  string
	Tags         []string
	Module       string
	RegisteredAt time.Time
}

type entry struct {
	constructor Constructor
	description string
	tags        []string
	module      string
	registered  time.Time
}

// Registry is a thread-safe map of experiment-type name to constructor.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

func funcModule(c Constructor) string {
	ptr := reflect.ValueOf(c).Pointer()
	fn := runtime.FuncForPC(ptr)
	if fn == nil {
		return ""
	}
	name := fn.Name()
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		return name[:idx]
	}
	return name
}

// Register adds or replaces an experiment type. A replacement logs a
// warning rather than erroring, matching the original's last-registration-
// wins behavior.
func (r *Registry) Register(experimentType string, constructor Constructor, description string, tags []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[experimentType]; exists {
		log.Logger.Warn().Str("type", experimentType).Msg("overwriting existing experiment registration")
	}

	r.entries[experimentType] = entry{
		constructor: constructor,
		description: description,
		tags:        append([]string(nil), tags...),
		module:      funcModule(constructor),
		registered:  time.Now(),
	}
	log.Logger.Info().Str("type", experimentType).Msg("registered experiment type")
}

// Unregister removes an experiment type, reporting whether it existed.
func (r *Registry) Unregister(experimentType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[experimentType]; !ok {
		log.Logger.Warn().Str("type", experimentType).Msg("unregister of unknown experiment type")
		return false
	}
	delete(r.entries, experimentType)
	return true
}

// CreateExperiment instantiates a registered experiment type. It returns
// (nil, false) — logging the reason — when the type is unknown or the
// constructor itself errors, matching the original's "return None on any
// failure" contract rather than propagating the error to the caller.
func (r *Registry) CreateExperiment(experimentType string, cfg types.ExperimentConfig, cap remote.Capability) (Experiment, bool) {
	r.mu.RLock()
	e, ok := r.entries[experimentType]
	r.mu.RUnlock()
	if !ok {
		log.Logger.Error().Str("type", experimentType).Msg("experiment type not registered")
		return nil, false
	}

	exp, err := e.constructor(cfg, cap)
	if err != nil {
		log.Logger.Error().Str("type", experimentType).Err(err).Msg("experiment construction failed")
		return nil, false
	}
	return exp, true
}

// List returns all registered experiment type names, unordered.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	return types
}

// GetInfo returns registration metadata for one experiment type.
func (r *Registry) GetInfo(experimentType string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[experimentType]
	if !ok {
		return Info{}, false
	}
	return Info{
		Type:         experimentType,
		Description:  e.description,
		Tags:         append([]string(nil), e.tags...),
		Module:       e.module,
		RegisteredAt: e.registered,
	}, true
}

// AllInfo returns registration metadata for every registered type.
func (r *Registry) AllInfo() map[string]Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Info, len(r.entries))
	for t, e := range r.entries {
		out[t] = Info{
			Type:         t,
			Description:  e.description,
			Tags:         append([]string(nil), e.tags...),
			Module:       e.module,
			RegisteredAt: e.registered,
		}
	}
	return out
}

// Search matches query as a case-insensitive substring of the type name,
// description, or any tag.
func (r *Registry) Search(query string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q := strings.ToLower(query)
	var results []string
	for t, e := range r.entries {
		if strings.Contains(strings.ToLower(t), q) {
			results = append(results, t)
			continue
		}
		if strings.Contains(strings.ToLower(e.description), q) {
			results = append(results, t)
			continue
		}
		for _, tag := range e.tags {
			if strings.Contains(strings.ToLower(tag), q) {
				results = append(results, t)
				break
			}
		}
	}
	return results
}

// ByTag returns every experiment type carrying the given tag (case-insensitive).
func (r *Registry) ByTag(tag string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tag = strings.ToLower(tag)
	var results []string
	for t, e := range r.entries {
		for _, candidate := range e.tags {
			if strings.ToLower(candidate) == tag {
				results = append(results, t)
				break
			}
		}
	}
	return results
}

// ByModule returns every experiment type whose constructor's package path
// contains moduleName (case-insensitive).
func (r *Registry) ByModule(moduleName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	moduleName = strings.ToLower(moduleName)
	var results []string
	for t, e := range r.entries {
		if strings.Contains(strings.ToLower(e.module), moduleName) {
			results = append(results, t)
		}
	}
	return results
}

// Validate reports whether experimentType is registered.
func (r *Registry) Validate(experimentType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[experimentType]
	return ok
}

// Count returns the number of registered experiment types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clear removes every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	r.entries = make(map[string]entry)
	log.Logger.Info().Int("count", n).Msg("cleared experiment registry")
}

// TagCounts returns how many registered types carry each tag.
func (r *Registry) TagCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, e := range r.entries {
		for _, tag := range e.tags {
			counts[tag]++
		}
	}
	return counts
}

// ModuleCounts returns how many registered types come from each constructor
// package path.
func (r *Registry) ModuleCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, e := range r.entries {
		counts[e.module]++
	}
	return counts
}

// Summary is the shape returned by ExportSummary, mirroring the original's
// export_registry_info payload.
type Summary struct {
	TotalCount     int             `json:"total_count"`
	Experiments    map[string]Info `json:"experiments"`
	TagsSummary    map[string]int  `json:"tags_summary"`
	ModulesSummary map[string]int  `json:"modules_summary"`
}

// ExportSummary assembles a full snapshot of the registry's contents.
func (r *Registry) ExportSummary() Summary {
	return Summary{
		TotalCount:     r.Count(),
		Experiments:    r.AllInfo(),
		TagsSummary:    r.TagCounts(),
		ModulesSummary: r.ModuleCounts(),
	}
}

var (
	globalMu  sync.Mutex
	globalReg *Registry
)

// Global returns the process-wide registry, creating it on first use.
func Global() *Registry {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalReg == nil {
		globalReg = New()
	}
	return globalReg
}

// RegisterGlobal registers an experiment type on the global registry.
func RegisterGlobal(experimentType string, constructor Constructor, description string, tags []string) {
	Global().Register(experimentType, constructor, description, tags)
}

// CreateGlobal instantiates an experiment type from the global registry.
func CreateGlobal(experimentType string, cfg types.ExperimentConfig, cap remote.Capability) (Experiment, bool) {
	return Global().CreateExperiment(experimentType, cfg, cap)
}

// ListGlobal lists every experiment type on the global registry.
func ListGlobal() []string {
	return Global().List()
}
