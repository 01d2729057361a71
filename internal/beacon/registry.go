package beacon

import (
	"sort"
	"sync"
)

// Logger defines the logging interface used by beacon components.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NoopLogger is a logger that does nothing.
type NoopLogger struct{}

func (NoopLogger) Debug(string, ...any) {}
func (NoopLogger) Info(string, ...any)  {}
func (NoopLogger) Warn(string, ...any)  {}
func (NoopLogger) Error(string, ...any) {}

// Registry is the set of regions currently being monitored, keyed by
// identifier.
//
// All public methods are thread-safe. The registry has no side effects
// beyond its own map; pairing it with ranging state is the aggregator's job.
type Registry struct {
	regions    map[string]Region
	generation uint64
	mu         sync.RWMutex
}

// NewRegistry creates an empty region registry.
func NewRegistry() *Registry {
	return &Registry{regions: make(map[string]Region)}
}

// Register validates and upserts a region. Registering an existing
// identifier replaces the previous definition. Every call stamps a new
// generation on the stored copy.
func (r *Registry) Register(region Region) error {
	if err := ValidateRegion(region); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	region.generation = r.generation
	r.regions[region.Identifier] = region
	return nil
}

// Unregister removes a region and reports whether it was present.
func (r *Registry) Unregister(identifier string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.regions[identifier]; !ok {
		return false
	}
	delete(r.regions, identifier)
	return true
}

// Get returns the region registered under identifier.
func (r *Registry) Get(identifier string) (Region, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	region, ok := r.regions[identifier]
	return region, ok
}

// List returns all registered regions sorted by identifier.
func (r *Registry) List() []Region {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Region, 0, len(r.regions))
	for _, region := range r.regions {
		out = append(out, region)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Count returns the number of registered regions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regions)
}

// Match returns every registered region the advertisement belongs to.
// Overlapping regions (for example a UUID-only region and a specific
// major/minor region) all match.
func (r *Registry) Match(adv Advertisement) []Region {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Region
	for _, region := range r.regions {
		if region.Matches(adv) {
			out = append(out, region)
		}
	}
	return out
}
