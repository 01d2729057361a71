package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
	"github.com/nerrad567/gray-logic-beacon/internal/dispatch"
	"github.com/nerrad567/gray-logic-beacon/internal/ranging"
)

// Scanner is the scan engine as seen by the controller.
// *scan.Engine satisfies it.
type Scanner interface {
	Arm(ctx context.Context) (<-chan beacon.Sighting, error)
	Disarm() error
	Armed() bool
	SetUnavailableHandler(fn func(error))
}

// Options configures a Controller.
type Options struct {
	// Repository persists regions across restarts. Optional.
	Repository beacon.RegionRepository

	// PersistTimeout bounds each repository call. Default: 5s.
	PersistTimeout time.Duration
}

const defaultPersistTimeout = 5 * time.Second

// Controller is the beacon lifecycle controller.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - StartBeacon, StopBeacon, RestoreRegions and Close are serialised.
type Controller struct {
	opMu sync.Mutex // Serialises start/stop; never held by the aggregator

	aggregator *ranging.Aggregator
	dispatcher *dispatch.Dispatcher
	scanner    Scanner
	opts       Options

	state    atomic.Int32
	handles  map[string]dispatch.Handle // StartBeacon listener per region, guarded by opMu
	closed   bool
	runStop  context.CancelFunc
	runDone  chan struct{}
	sweepCtl context.CancelFunc
	sweepWG  sync.WaitGroup

	logger   beacon.Logger
	loggerMu sync.RWMutex

	unavailable atomic.Uint64
}

// New creates a controller and starts the exit-timeout sweeper.
//
// Parameters:
//   - aggregator: Owns the registry and state table
//   - dispatcher: Receives every event the aggregator emits
//   - scanner: Radio session owner (usually *scan.Engine)
//   - opts: Optional persistence
//
// Returns:
//   - *Controller: Idle controller; call Close to stop the sweeper
func New(aggregator *ranging.Aggregator, dispatcher *dispatch.Dispatcher, scanner Scanner, opts Options) *Controller {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}

	c := &Controller{
		aggregator: aggregator,
		dispatcher: dispatcher,
		scanner:    scanner,
		opts:       opts,
		handles:    make(map[string]dispatch.Handle),
		logger:     beacon.NoopLogger{},
	}
	c.state.Store(int32(StateIdle))
	scanner.SetUnavailableHandler(c.onRadioUnavailable)

	sweepCtx, cancel := context.WithCancel(context.Background())
	c.sweepCtl = cancel
	c.sweepWG.Add(1)
	go func() {
		defer c.sweepWG.Done()
		aggregator.RunSweeper(sweepCtx)
	}()

	return c
}

// SetLogger sets the logger for the controller.
func (c *Controller) SetLogger(logger beacon.Logger) {
	c.loggerMu.Lock()
	defer c.loggerMu.Unlock()
	if logger == nil {
		logger = beacon.NoopLogger{}
	}
	c.logger = logger
}

func (c *Controller) log() beacon.Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.log().Debug("controller state changed", "from", prev.String(), "to", s.String())
	}
}

// StartBeacon registers a region, subscribes listener to its events and
// arms the radio if it is not already running.
//
// Starting a region that is already registered with the same definition is
// idempotent: its state is kept and no second Enter is produced. A non-nil
// listener replaces the one given by a previous StartBeacon for the same
// identifier.
//
// Parameters:
//   - ctx: Bounds arm retries and persistence
//   - region: Region to monitor
//   - listener: Receives this region's events and radio errors; may be nil
//
// Returns:
//   - dispatch.Handle: The listener's subscription ("" when listener is nil)
//   - error: beacon.ErrInvalidRegion or beacon.ErrRadioUnavailable; the
//     registration and any previous state are left unchanged
func (c *Controller) StartBeacon(ctx context.Context, region beacon.Region, listener dispatch.Listener) (dispatch.Handle, error) {
	if err := beacon.ValidateRegion(region); err != nil {
		return "", err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.closed {
		return "", ErrClosed
	}

	var handle dispatch.Handle
	if listener != nil {
		handle = c.dispatcher.Subscribe(region.Identifier, listener)
	}

	// The radio is armed before the registration changes, so a failed start
	// leaves any previous definition of the region and its state intact.
	// Running with a lost radio counts as idle: settleIdle may not have
	// caught up yet.
	if c.State() != StateRunning || !c.scanner.Armed() {
		c.stopRun()
		if err := c.arm(ctx); err != nil {
			if handle != "" {
				c.dispatcher.Unsubscribe(handle)
			}
			return "", err
		}
	}

	if _, err := c.aggregator.Track(region); err != nil {
		if handle != "" {
			c.dispatcher.Unsubscribe(handle)
		}
		c.disarmIfEmpty()
		return "", err
	}

	if handle != "" {
		if old, ok := c.handles[region.Identifier]; ok {
			c.dispatcher.Unsubscribe(old)
		}
		c.handles[region.Identifier] = handle
	}

	c.persistSave(ctx, region)
	c.log().Info("beacon started", "region", region.Identifier, "uuid", region.UUID.String())
	return handle, nil
}

// StartBeaconDetached is the fire-and-forget StartBeacon: it takes no
// listener and reports failures only as an Error event and a log line.
// Radio failures are already announced by the unavailable handler.
func (c *Controller) StartBeaconDetached(ctx context.Context, region beacon.Region) {
	if _, err := c.StartBeacon(ctx, region, nil); err != nil {
		c.log().Warn("detached start failed", "region", region.Identifier, "error", err)
		if !errors.Is(err, beacon.ErrRadioUnavailable) {
			r := region
			c.dispatcher.Publish(beacon.NewError(&r, err, time.Now()))
		}
	}
}

// StopBeacon stops monitoring a region. Queued events for it are discarded
// and nothing further is delivered. Stopping the last region disarms the
// radio.
//
// Returns beacon.ErrRegionNotFound, without emitting anything, when the
// region is not registered.
func (c *Controller) StopBeacon(ctx context.Context, identifier string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.aggregator.Tracked(identifier) {
		return fmt.Errorf("%w: %s", beacon.ErrRegionNotFound, identifier)
	}

	c.aggregator.Forget(identifier)
	c.dispatcher.DropRegion(identifier)
	if h, ok := c.handles[identifier]; ok {
		c.dispatcher.Unsubscribe(h)
		delete(c.handles, identifier)
	}
	c.persistDelete(ctx, identifier)

	c.log().Info("beacon stopped", "region", identifier)

	c.disarmIfEmpty()
	return nil
}

// RestoreRegions registers every persisted region and arms the radio if
// any were found. Regions stay registered even if arming fails, so a later
// StartBeacon can recover.
//
// Returns the number of regions restored.
func (c *Controller) RestoreRegions(ctx context.Context) (int, error) {
	if c.opts.Repository == nil {
		return 0, nil
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}

	regions, err := c.opts.Repository.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing persisted regions: %w", err)
	}

	restored := 0
	for _, r := range regions {
		if _, err := c.aggregator.Track(r); err != nil {
			c.log().Warn("skipping invalid persisted region", "region", r.Identifier, "error", err)
			continue
		}
		restored++
	}

	if restored > 0 && c.State() == StateIdle {
		if err := c.arm(ctx); err != nil {
			return restored, err
		}
	}

	c.log().Info("regions restored", "count", restored)
	return restored, nil
}

// Subscribe adds a listener for one region, or every region with
// dispatch.AllRegions.
func (c *Controller) Subscribe(identifier string, listener dispatch.Listener) dispatch.Handle {
	return c.dispatcher.Subscribe(identifier, listener)
}

// Unsubscribe removes a listener added with Subscribe or StartBeacon.
func (c *Controller) Unsubscribe(h dispatch.Handle) bool {
	return c.dispatcher.Unsubscribe(h)
}

// Regions returns the registered regions.
func (c *Controller) Regions() []beacon.Region {
	return c.aggregator.Registry().List()
}

// Region returns one registered region and its state.
func (c *Controller) Region(identifier string) (beacon.Region, beacon.BeaconState, bool) {
	r, ok := c.aggregator.Registry().Get(identifier)
	if !ok {
		return beacon.Region{}, beacon.BeaconState{}, false
	}
	st, ok := c.aggregator.Snapshot(identifier)
	return r, st, ok
}

// States returns the state of every registered region.
func (c *Controller) States() []beacon.BeaconState {
	return c.aggregator.States()
}

// Armed reports whether the radio session is active.
func (c *Controller) Armed() bool {
	return c.scanner.Armed()
}

// RadioUnavailableCount returns how many times the radio was given up on.
func (c *Controller) RadioUnavailableCount() uint64 {
	return c.unavailable.Load()
}

// Close disarms the radio and stops the sweeper. Registrations are kept in
// the repository. The dispatcher is not closed.
func (c *Controller) Close() error {
	c.opMu.Lock()
	if c.closed {
		c.opMu.Unlock()
		return nil
	}
	c.closed = true

	var err error
	if c.State() == StateRunning {
		c.setState(StateStopping)
		err = c.disarm()
		c.setState(StateIdle)
	}
	c.opMu.Unlock()

	c.sweepCtl()
	c.sweepWG.Wait()
	return err
}

// arm moves Idle -> Starting -> Running, or back to Idle on failure.
// Must be called with opMu held.
func (c *Controller) arm(ctx context.Context) error {
	c.setState(StateStarting)

	sightings, err := c.scanner.Arm(ctx)
	if err != nil {
		c.setState(StateIdle)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.runStop, c.runDone = cancel, done
	go func() {
		defer close(done)
		c.aggregator.Run(runCtx, sightings)
	}()

	c.setState(StateRunning)
	return nil
}

// disarm stops the radio and the sighting consumer. Must be called with
// opMu held.
func (c *Controller) disarm() error {
	err := c.scanner.Disarm()
	c.stopRun()
	if err != nil {
		c.log().Warn("disarming radio failed", "error", err)
	}
	return err
}

func (c *Controller) stopRun() {
	if c.runStop == nil {
		return
	}
	c.runStop()
	<-c.runDone
	c.runStop, c.runDone = nil, nil
}

// disarmIfEmpty moves Running -> Stopping -> Idle once no region is left.
// Must be called with opMu held.
func (c *Controller) disarmIfEmpty() {
	if c.aggregator.Count() != 0 || c.State() != StateRunning {
		return
	}
	c.setState(StateStopping)
	c.disarm() //nolint:errcheck // logged by disarm
	c.setState(StateIdle)
}

// onRadioUnavailable is the scan engine's unavailable handler. It may run
// with opMu held (from arm) or on the engine's pump goroutine.
func (c *Controller) onRadioUnavailable(err error) {
	c.unavailable.Add(1)
	c.dispatcher.Publish(beacon.NewError(nil, err, time.Now()))
	go c.settleIdle()
}

// settleIdle returns to Idle after the radio was lost while running.
// Registrations are kept; the next StartBeacon re-arms.
func (c *Controller) settleIdle() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.State() != StateRunning || c.scanner.Armed() {
		return
	}
	c.stopRun()
	c.setState(StateIdle)
	c.log().Warn("radio unavailable, controller idle", "regions", c.aggregator.Count())
}

func (c *Controller) persistSave(ctx context.Context, region beacon.Region) {
	if c.opts.Repository == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.PersistTimeout)
	defer cancel()
	if err := c.opts.Repository.Save(ctx, region); err != nil {
		c.log().Warn("persisting region failed", "region", region.Identifier, "error", err)
	}
}

func (c *Controller) persistDelete(ctx context.Context, identifier string) {
	if c.opts.Repository == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.PersistTimeout)
	defer cancel()
	if err := c.opts.Repository.Delete(ctx, identifier); err != nil && !errors.Is(err, beacon.ErrRegionNotFound) {
		c.log().Warn("removing persisted region failed", "region", identifier, "error", err)
	}
}
