package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
)

// DefaultQueueSize is the sighting queue capacity.
const DefaultQueueSize = 256

// Options configures an Engine.
type Options struct {
	Retry RetryPolicy

	// QueueSize is the capacity of the sighting queue. Default: 256.
	QueueSize int

	// FilterUnknown discards advertisements with RSSI 0 (signal too weak to
	// estimate). Default behaviour when constructed from config: true.
	FilterUnknown bool
}

// Stats holds engine statistics.
type Stats struct {
	Advertisements uint64 // Frames received from the radio
	Filtered       uint64 // Frames discarded as unknown proximity
	Unmatched      uint64 // Frames matching no registered region
	Sightings      uint64 // Sightings queued
	Dropped        uint64 // Sightings dropped due to a full queue
	Retries        uint64 // Arm retries after transient errors
	SessionsLost   uint64 // Radio sessions that ended unexpectedly
	Armed          bool
}

// session is one armed period. Its queue is closed when the pump exits.
type session struct {
	out    chan beacon.Sighting
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine owns the radio session and produces sightings.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - The pump goroutine never takes locks outside this package.
type Engine struct {
	radio   Radio
	matcher Matcher
	opts    Options

	mu            sync.Mutex // Held across arm retries
	current       *session
	onUnavailable func(error)
	armed         atomic.Bool // Mirrors current != nil without taking mu

	logger   beacon.Logger
	loggerMu sync.RWMutex

	advertisements atomic.Uint64
	filtered       atomic.Uint64
	unmatched      atomic.Uint64
	sightings      atomic.Uint64
	dropped        atomic.Uint64
	retries        atomic.Uint64
	sessionsLost   atomic.Uint64
}

// NewEngine creates a scan engine for the given radio.
//
// Parameters:
//   - radio: Platform scanning capability
//   - matcher: Resolves advertisements to registered regions
//   - opts: Retry policy, queue size and filtering
//
// Returns:
//   - *Engine: Disarmed engine
func NewEngine(radio Radio, matcher Matcher, opts Options) *Engine {
	opts.Retry = opts.Retry.withDefaults()
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Engine{
		radio:   radio,
		matcher: matcher,
		opts:    opts,
		logger:  beacon.NoopLogger{},
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger beacon.Logger) {
	e.loggerMu.Lock()
	defer e.loggerMu.Unlock()
	if logger == nil {
		logger = beacon.NoopLogger{}
	}
	e.logger = logger
}

func (e *Engine) log() beacon.Logger {
	e.loggerMu.RLock()
	defer e.loggerMu.RUnlock()
	return e.logger
}

// SetUnavailableHandler registers the callback fired once each time the
// radio is given up on, either from Arm or after a lost session could not
// be re-armed. The error wraps beacon.ErrRadioUnavailable.
func (e *Engine) SetUnavailableHandler(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onUnavailable = fn
}

// Arm starts a radio session and returns its sighting stream. Calling Arm
// while armed returns the existing stream.
//
// The stream is lazy and infinite while armed, cannot be restarted, and is
// closed when the engine is disarmed.
//
// Returns:
//   - <-chan beacon.Sighting: The session's sightings
//   - error: Wraps beacon.ErrRadioUnavailable on permanent failure or
//     exhaustion, or ctx.Err() if ctx ended while backing off
func (e *Engine) Arm(ctx context.Context) (<-chan beacon.Sighting, error) {
	e.mu.Lock()
	if e.current != nil {
		out := e.current.out
		e.mu.Unlock()
		return out, nil
	}

	advs, err := e.armRadio(ctx)
	if err != nil {
		hook := e.onUnavailable
		e.mu.Unlock()

		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, err
		}
		unavailable := fmt.Errorf("%w: %w", beacon.ErrRadioUnavailable, err)
		e.log().Error("radio unavailable", "error", err)
		if hook != nil {
			hook(unavailable)
		}
		return nil, unavailable
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		out:    make(chan beacon.Sighting, e.opts.QueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.current = s
	e.armed.Store(true)
	e.mu.Unlock()

	go e.pump(sessionCtx, s, advs)

	e.log().Info("scan engine armed")
	return s.out, nil
}

// Disarm stops the radio session. It is safe to call when disarmed.
// The sighting stream is closed once the pump has exited.
func (e *Engine) Disarm() error {
	e.mu.Lock()
	s := e.current
	e.current = nil
	e.armed.Store(false)
	e.mu.Unlock()

	if s == nil {
		return nil
	}

	s.cancel()
	err := e.radio.DisarmScan()
	<-s.done

	e.log().Info("scan engine disarmed")
	if err != nil {
		return fmt.Errorf("disarming radio: %w", err)
	}
	return nil
}

// Armed reports whether a session is active.
func (e *Engine) Armed() bool {
	return e.armed.Load()
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Advertisements: e.advertisements.Load(),
		Filtered:       e.filtered.Load(),
		Unmatched:      e.unmatched.Load(),
		Sightings:      e.sightings.Load(),
		Dropped:        e.dropped.Load(),
		Retries:        e.retries.Load(),
		SessionsLost:   e.sessionsLost.Load(),
		Armed:          e.Armed(),
	}
}

// armRadio arms the radio, retrying transient failures.
func (e *Engine) armRadio(ctx context.Context) (<-chan beacon.Advertisement, error) {
	var advs <-chan beacon.Advertisement

	err := e.opts.Retry.retry(ctx,
		func() error {
			ch, err := e.radio.ArmScan(ctx)
			if err != nil {
				return err
			}
			advs = ch
			return nil
		},
		func(attempt int, wait time.Duration, err error) {
			e.retries.Add(1)
			e.log().Warn("radio arm failed, retrying",
				"attempt", attempt,
				"retry_in", wait,
				"error", err,
			)
		},
	)
	if err != nil {
		return nil, err
	}
	return advs, nil
}

// pump moves advertisements from the radio into the sighting queue until
// the session is cancelled. A lost session is re-armed in place.
func (e *Engine) pump(ctx context.Context, s *session, advs <-chan beacon.Advertisement) {
	defer close(s.done)
	defer close(s.out)

	for {
		select {
		case <-ctx.Done():
			return
		case adv, ok := <-advs:
			if ok {
				e.handleAdvertisement(s, adv)
				continue
			}
			if ctx.Err() != nil {
				return
			}

			e.sessionsLost.Add(1)
			e.log().Warn("radio session lost, re-arming")

			next, err := e.armRadio(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				e.giveUp(s, err)
				return
			}
			if ctx.Err() != nil {
				_ = e.radio.DisarmScan() //nolint:errcheck // Best effort, session already cancelled
				return
			}
			advs = next
			e.log().Info("radio session re-armed")
		}
	}
}

// giveUp retires a session whose radio could not be re-armed.
func (e *Engine) giveUp(s *session, cause error) {
	e.mu.Lock()
	current := e.current == s
	if current {
		e.current = nil
		e.armed.Store(false)
	}
	hook := e.onUnavailable
	e.mu.Unlock()

	if !current {
		return
	}
	s.cancel()

	unavailable := fmt.Errorf("%w: %w", beacon.ErrRadioUnavailable, cause)
	e.log().Error("radio unavailable after session loss", "error", cause)
	if hook != nil {
		hook(unavailable)
	}
}

func (e *Engine) handleAdvertisement(s *session, adv beacon.Advertisement) {
	e.advertisements.Add(1)

	if e.opts.FilterUnknown && adv.RSSI == 0 {
		e.filtered.Add(1)
		return
	}

	regions := e.matcher.Match(adv)
	if len(regions) == 0 {
		e.unmatched.Add(1)
		return
	}

	ts := adv.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	for _, region := range regions {
		sighting := beacon.Sighting{
			RegionID:      region.Identifier,
			RSSI:          adv.RSSI,
			Timestamp:     ts,
			MeasuredPower: adv.MeasuredPower,
			Generation:    region.Generation(),
		}
		select {
		case s.out <- sighting:
			e.sightings.Add(1)
		default:
			if e.dropped.Add(1)%100 == 1 {
				e.log().Warn("sighting queue full, dropping", "region", region.Identifier, "dropped_total", e.dropped.Load())
			}
		}
	}
}
