package ranging

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
)

// Defaults for Options.
const (
	DefaultExitTimeout    = 10 * time.Second
	DefaultSweepInterval  = 1 * time.Second
	DefaultSmoothingAlpha = 0.3
	DefaultEnterThreshold = 1
)

// Publisher receives events. Publish must not block.
type Publisher interface {
	Publish(event beacon.Event)
}

// Options configures an Aggregator.
type Options struct {
	// ExitTimeout is how long an Inside region may go unsighted before it
	// is considered Outside. Default: 10s.
	ExitTimeout time.Duration

	// SweepInterval is the timeout check period for RunSweeper. Default: 1s.
	SweepInterval time.Duration

	// SmoothingAlpha is the EMA weight of the newest distance. Default: 0.3.
	SmoothingAlpha float64

	// EnterThreshold is the number of sightings required before Enter.
	// Default: 1 (enter on first sighting).
	EnterThreshold int

	// DefaultMeasuredPower is used when neither region nor frame carries
	// a calibration value. Default: -59.
	DefaultMeasuredPower int

	// Clock returns the current time for the sweeper. Default: time.Now.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ExitTimeout <= 0 {
		o.ExitTimeout = DefaultExitTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.SmoothingAlpha <= 0 || o.SmoothingAlpha > 1 {
		o.SmoothingAlpha = DefaultSmoothingAlpha
	}
	if o.EnterThreshold < 1 {
		o.EnterThreshold = DefaultEnterThreshold
	}
	if o.DefaultMeasuredPower == 0 {
		o.DefaultMeasuredPower = beacon.DefaultMeasuredPower
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// entry pairs a registered region with its ranging state.
type entry struct {
	region beacon.Region
	state  beacon.BeaconState

	// prior is the status to fall back to if a Ranging region never
	// reaches the enter threshold.
	prior beacon.Status

	// generation of the registry entry; sightings from other
	// registrations are stale.
	generation uint64
}

// Stats holds aggregator statistics.
type Stats struct {
	Accepted   uint64 // Sightings that updated state
	Rejected   uint64 // Sightings for unregistered regions
	Stale      uint64 // Sightings matched against an earlier registration
	OutOfOrder uint64 // Sightings older than last_seen, or losing a tie-break
	Enters     uint64
	Exits      uint64
}

// Aggregator owns the BeaconState table.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - The core lock is never held while blocking on I/O; Publish is
//     required to be non-blocking.
type Aggregator struct {
	mu        sync.Mutex // Core lock: registry membership + state table
	registry  *beacon.Registry
	entries   map[string]*entry
	publisher Publisher
	opts      Options
	logger    beacon.Logger

	accepted   atomic.Uint64
	rejected   atomic.Uint64
	stale      atomic.Uint64
	outOfOrder atomic.Uint64
	enters     atomic.Uint64
	exits      atomic.Uint64
}

// New creates an aggregator over the given registry.
//
// The registry must only be mutated through Track and Forget from here on,
// otherwise the state table drifts from it.
func New(registry *beacon.Registry, publisher Publisher, opts Options) *Aggregator {
	return &Aggregator{
		registry:  registry,
		entries:   make(map[string]*entry),
		publisher: publisher,
		opts:      opts.withDefaults(),
		logger:    beacon.NoopLogger{},
	}
}

// SetLogger sets the logger for the aggregator.
func (a *Aggregator) SetLogger(logger beacon.Logger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if logger == nil {
		logger = beacon.NoopLogger{}
	}
	a.logger = logger
}

// Registry returns the registry the aggregator keeps in step with its
// state table. Callers must treat it as read-only.
func (a *Aggregator) Registry() *beacon.Registry {
	return a.registry
}

// Options returns the effective options.
func (a *Aggregator) Options() Options {
	return a.opts
}

// Track registers a region and creates its state in one step.
//
// Re-tracking an identical region keeps its state. Replacing a region with
// a different definition resets the state, emitting Exit first if the old
// definition was Inside.
//
// Returns:
//   - []beacon.Event: Events emitted by the replacement (may be empty)
//   - error: Wraps beacon.ErrInvalidRegion; nothing changes on error
func (a *Aggregator) Track(region beacon.Region) ([]beacon.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, ok := a.entries[region.Identifier]
	if ok && existing.region.Equal(region) {
		return nil, nil
	}

	if err := a.registry.Register(region); err != nil {
		return nil, err
	}

	var events []beacon.Event
	if ok {
		if existing.state.Status == beacon.StatusInside {
			events = append(events, beacon.NewExit(existing.region, a.opts.Clock()))
			a.exits.Add(1)
		}
		a.logger.Info("region definition replaced", "region", region.Identifier)
	}

	registered, _ := a.registry.Get(region.Identifier)
	a.entries[region.Identifier] = &entry{
		region: region,
		state: beacon.BeaconState{
			RegionID: region.Identifier,
			Status:   beacon.StatusUnseen,
		},
		prior:      beacon.StatusUnseen,
		generation: registered.Generation(),
	}

	a.publish(events)
	return events, nil
}

// Forget unregisters a region and drops its state in one step.
// No Exit is emitted. Returns false if the region was not tracked.
func (a *Aggregator) Forget(identifier string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.entries[identifier]
	delete(a.entries, identifier)
	removed := a.registry.Unregister(identifier)
	return ok || removed
}

// Tracked reports whether a region is registered.
func (a *Aggregator) Tracked(identifier string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.entries[identifier]
	return ok
}

// Count returns the number of tracked regions.
func (a *Aggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Process applies one sighting and returns the events it produced.
//
// Sightings for unregistered regions are discarded, as are sightings
// matched against an earlier registration of the identifier (queued before
// a stop and restart). Sightings older than last_seen are ignored; on an
// identical timestamp the higher RSSI wins.
func (a *Aggregator) Process(s beacon.Sighting) []beacon.Event {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[s.RegionID]
	if !ok {
		a.rejected.Add(1)
		return nil
	}
	if s.Generation != 0 && s.Generation != e.generation {
		a.stale.Add(1)
		return nil
	}

	st := &e.state
	if !st.LastSeen.IsZero() {
		if s.Timestamp.Before(st.LastSeen) ||
			(s.Timestamp.Equal(st.LastSeen) && s.RSSI <= st.LastRSSI) {
			a.outOfOrder.Add(1)
			return nil
		}
	}
	a.accepted.Add(1)

	power := beacon.ResolveMeasuredPower(e.region, s.MeasuredPower, a.opts.DefaultMeasuredPower)
	distance := beacon.EstimateDistance(s.RSSI, power)

	st.LastSeen = s.Timestamp
	st.LastRSSI = s.RSSI

	var events []beacon.Event

	switch st.Status {
	case beacon.StatusUnseen, beacon.StatusOutside:
		e.prior = st.Status
		st.Status = beacon.StatusRanging
		st.Sightings = 0
		st.SmoothedDistance = distance
		events = a.advanceRanging(e, s, distance, true)
	case beacon.StatusRanging:
		events = a.advanceRanging(e, s, distance, false)
	case beacon.StatusInside:
		a.smooth(st, distance)
		st.Sightings++
		events = append(events, beacon.NewRange(e.region, st.SmoothedDistance, s.RSSI, s.Timestamp))
	}

	a.publish(events)
	return events
}

// advanceRanging counts a sighting toward the enter threshold.
func (a *Aggregator) advanceRanging(e *entry, s beacon.Sighting, distance float64, first bool) []beacon.Event {
	st := &e.state
	if !first {
		a.smooth(st, distance)
	}
	st.Sightings++

	if st.Sightings < a.opts.EnterThreshold {
		return nil
	}

	st.Status = beacon.StatusInside
	a.enters.Add(1)
	return []beacon.Event{
		beacon.NewEnter(e.region, s.Timestamp),
		beacon.NewRange(e.region, st.SmoothedDistance, s.RSSI, s.Timestamp),
	}
}

// smooth folds a new distance into the EMA. Unknown distances are skipped.
func (a *Aggregator) smooth(st *beacon.BeaconState, distance float64) {
	if distance < 0 {
		return
	}
	if st.SmoothedDistance < 0 {
		st.SmoothedDistance = distance
		return
	}
	alpha := a.opts.SmoothingAlpha
	st.SmoothedDistance = alpha*distance + (1-alpha)*st.SmoothedDistance
}

// Sweep applies the exit timeout at instant now and returns the Exit
// events it produced. Inside regions unsighted for at least ExitTimeout
// become Outside; Ranging regions that never confirmed fall back silently.
func (a *Aggregator) Sweep(now time.Time) []beacon.Event {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]string, 0, len(a.entries))
	for id := range a.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var events []beacon.Event
	for _, id := range ids {
		e := a.entries[id]
		st := &e.state
		if now.Sub(st.LastSeen) < a.opts.ExitTimeout {
			continue
		}

		switch st.Status {
		case beacon.StatusInside:
			st.Status = beacon.StatusOutside
			st.Sightings = 0
			a.exits.Add(1)
			events = append(events, beacon.NewExit(e.region, now))
		case beacon.StatusRanging:
			st.Status = e.prior
			st.Sightings = 0
		}
	}

	a.publish(events)
	return events
}

// Run consumes a sighting stream until it closes or ctx is done.
func (a *Aggregator) Run(ctx context.Context, sightings <-chan beacon.Sighting) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-sightings:
			if !ok {
				return
			}
			a.Process(s)
		}
	}
}

// RunSweeper runs Sweep every SweepInterval until ctx is done.
func (a *Aggregator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(a.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep(a.opts.Clock())
		}
	}
}

// Snapshot returns a copy of a region's state.
func (a *Aggregator) Snapshot(identifier string) (beacon.BeaconState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[identifier]
	if !ok {
		return beacon.BeaconState{}, false
	}
	return e.state, true
}

// States returns copies of all states ordered by region identifier.
func (a *Aggregator) States() []beacon.BeaconState {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]beacon.BeaconState, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegionID < out[j].RegionID })
	return out
}

// Stats returns aggregator statistics.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Accepted:   a.accepted.Load(),
		Rejected:   a.rejected.Load(),
		Stale:      a.stale.Load(),
		OutOfOrder: a.outOfOrder.Load(),
		Enters:     a.enters.Load(),
		Exits:      a.exits.Load(),
	}
}

// publish hands events over while the core lock is held.
func (a *Aggregator) publish(events []beacon.Event) {
	if a.publisher == nil {
		return
	}
	for _, ev := range events {
		a.publisher.Publish(ev)
	}
}
