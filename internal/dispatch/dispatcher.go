// Package dispatch delivers beacon events to listeners.
//
// Each subscription has one FIFO lane per region, drained by its own
// goroutine, so a slow or blocked listener delays only its own lane:
// other listeners, and other regions on the same listener, keep flowing.
// Listener errors and panics are isolated, logged and counted.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
)

// Listener receives events.
type Listener interface {
	HandleEvent(ctx context.Context, event beacon.Event) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, event beacon.Event) error

// HandleEvent calls f(ctx, event).
func (f ListenerFunc) HandleEvent(ctx context.Context, event beacon.Event) error {
	return f(ctx, event)
}

// Handle identifies a subscription.
type Handle string

// AllRegions subscribes to every region.
const AllRegions = ""

// Stats holds dispatcher statistics.
type Stats struct {
	Published     uint64
	Delivered     uint64
	Failures      uint64 // Listener errors and panics
	Discarded     uint64 // Queued events dropped by DropRegion, Unsubscribe or Close
	Subscriptions int
}

type queued struct {
	event      beacon.Event
	generation uint64
}

// lane is one subscription's FIFO for one region.
type lane struct {
	queue   []queued
	running bool
}

type subscription struct {
	handle   Handle
	regionID string
	listener Listener
	lanes    map[string]*lane
	removed  bool
}

// Dispatcher fans events out to subscriptions.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Publish never blocks on a listener.
type Dispatcher struct {
	mu          sync.Mutex
	subs        map[Handle]*subscription
	generations map[string]uint64
	closed      bool

	ctx    context.Context //nolint:containedctx // cancelled by Close to unblock listeners
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger beacon.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	failures  atomic.Uint64
	discarded atomic.Uint64
}

// New creates a dispatcher.
func New() *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		subs:        make(map[Handle]*subscription),
		generations: make(map[string]uint64),
		ctx:         ctx,
		cancel:      cancel,
		logger:      beacon.NoopLogger{},
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger beacon.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if logger == nil {
		logger = beacon.NoopLogger{}
	}
	d.logger = logger
}

// Subscribe registers a listener for one region, or for every region when
// identifier is AllRegions. Region-less events (radio errors) reach every
// subscription.
func (d *Dispatcher) Subscribe(identifier string, listener Listener) Handle {
	h := Handle(beacon.NewID())

	d.mu.Lock()
	defer d.mu.Unlock()

	d.subs[h] = &subscription{
		handle:   h,
		regionID: identifier,
		listener: listener,
		lanes:    make(map[string]*lane),
	}
	return h
}

// Unsubscribe removes a subscription. Its queued events are discarded; an
// in-flight listener call is not interrupted. Returns false if unknown.
func (d *Dispatcher) Unsubscribe(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	sub, ok := d.subs[h]
	if !ok {
		return false
	}
	sub.removed = true
	delete(d.subs, h)
	return true
}

// Publish queues an event for every matching subscription.
func (d *Dispatcher) Publish(event beacon.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.published.Add(1)

	regionID := event.RegionID()
	item := queued{event: event, generation: d.generations[regionID]}

	for _, sub := range d.subs {
		if regionID != "" && sub.regionID != AllRegions && sub.regionID != regionID {
			continue
		}

		l, ok := sub.lanes[regionID]
		if !ok {
			l = &lane{}
			sub.lanes[regionID] = l
		}
		l.queue = append(l.queue, item)

		if !l.running {
			l.running = true
			d.wg.Add(1)
			go d.drain(sub, regionID, l)
		}
	}
}

// DropRegion discards every queued event for a region. Events published
// afterwards are delivered normally.
func (d *Dispatcher) DropRegion(identifier string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.generations[identifier]++
}

// Close stops accepting events, cancels the context passed to listeners
// and waits for in-flight deliveries to return.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// Stats returns dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	subs := len(d.subs)
	d.mu.Unlock()

	return Stats{
		Published:     d.published.Load(),
		Delivered:     d.delivered.Load(),
		Failures:      d.failures.Load(),
		Discarded:     d.discarded.Load(),
		Subscriptions: subs,
	}
}

// drain delivers a lane's events in order until the lane is empty.
func (d *Dispatcher) drain(sub *subscription, regionID string, l *lane) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		if sub.removed || d.closed {
			d.discarded.Add(uint64(len(l.queue)))
			l.queue = nil
			l.running = false
			d.mu.Unlock()
			return
		}
		if len(l.queue) == 0 {
			l.running = false
			d.mu.Unlock()
			return
		}

		item := l.queue[0]
		l.queue[0] = queued{}
		l.queue = l.queue[1:]
		stale := item.generation != d.generations[regionID]
		logger := d.logger
		d.mu.Unlock()

		if stale {
			d.discarded.Add(1)
			continue
		}
		d.deliver(sub, item.event, logger)
	}
}

func (d *Dispatcher) deliver(sub *subscription, event beacon.Event, logger beacon.Logger) {
	err := d.invoke(sub.listener, event)
	if err == nil {
		d.delivered.Add(1)
		return
	}

	d.failures.Add(1)
	logger.Error("event listener failed",
		"subscription", string(sub.handle),
		"region", event.RegionID(),
		"kind", string(event.Kind),
		"error", err,
	)
}

// invoke calls the listener, converting errors and panics to
// beacon.ErrListenerFailure.
func (d *Dispatcher) invoke(listener Listener, event beacon.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", beacon.ErrListenerFailure, r)
		}
	}()

	if err := listener.HandleEvent(d.ctx, event); err != nil {
		return fmt.Errorf("%w: %w", beacon.ErrListenerFailure, err)
	}
	return nil
}
