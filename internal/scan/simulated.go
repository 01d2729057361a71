package scan

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
)

const (
	simulatedQueueSize       = 64
	defaultSimulatedInterval = time.Second
	defaultSimulatedNoise    = 2
)

// SimulatedBeacon describes a synthetic transmitter.
type SimulatedBeacon struct {
	UUID          uuid.UUID
	Major         uint16
	Minor         uint16
	RSSI          int
	MeasuredPower *int

	// Interval between advertisements. Default: 1s.
	Interval time.Duration

	// Noise is the maximum random RSSI deviation in dB. Default: 2.
	Noise int
}

// SimulatedRadio is a Radio backed by synthetic beacons, for bench testing
// without hardware. Tests can also inject frames, queue arm failures and
// drop the session.
type SimulatedRadio struct {
	beacons []SimulatedBeacon

	mu       sync.Mutex
	ch       chan beacon.Advertisement
	ctx      context.Context //nolint:containedctx // session lifetime, cancelled by DisarmScan
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	failures []error
	arms     int
	disarms  int
}

// NewSimulatedRadio creates a radio that emits the given beacons while armed.
func NewSimulatedRadio(beacons ...SimulatedBeacon) *SimulatedRadio {
	return &SimulatedRadio{beacons: beacons}
}

// FailNext makes the next n ArmScan calls return err.
func (r *SimulatedRadio) FailNext(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < n; i++ {
		r.failures = append(r.failures, err)
	}
}

// ArmScan starts emitting synthetic advertisements.
func (r *SimulatedRadio) ArmScan(_ context.Context) (<-chan beacon.Advertisement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.arms++
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		return nil, err
	}
	if r.ch != nil {
		return r.ch, nil
	}

	r.ch = make(chan beacon.Advertisement, simulatedQueueSize)
	r.ctx, r.cancel = context.WithCancel(context.Background())

	for i, b := range r.beacons {
		r.wg.Add(1)
		go r.emit(r.ctx, r.ch, b, rand.New(rand.NewSource(time.Now().UnixNano()+int64(i)))) //nolint:gosec // simulation noise
	}
	return r.ch, nil
}

// DisarmScan stops the session and closes its stream.
func (r *SimulatedRadio) DisarmScan() error {
	r.mu.Lock()
	r.disarms++
	r.mu.Unlock()

	r.stop()
	return nil
}

// Lose ends the session from the radio side, as if the adapter was reset.
func (r *SimulatedRadio) Lose() {
	r.stop()
}

// Inject delivers one advertisement into the active session.
// Returns false when the radio is not armed.
func (r *SimulatedRadio) Inject(adv beacon.Advertisement) bool {
	r.mu.Lock()
	if r.ch == nil {
		r.mu.Unlock()
		return false
	}
	ch, ctx := r.ch, r.ctx
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	if adv.Timestamp.IsZero() {
		adv.Timestamp = time.Now()
	}
	if adv.Source == "" {
		adv.Source = "simulated"
	}

	select {
	case ch <- adv:
		return true
	case <-ctx.Done():
		return false
	}
}

// ArmCalls returns how many times ArmScan has been called.
func (r *SimulatedRadio) ArmCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.arms
}

// DisarmCalls returns how many times DisarmScan has been called.
func (r *SimulatedRadio) DisarmCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disarms
}

func (r *SimulatedRadio) stop() {
	r.mu.Lock()
	ch, cancel := r.ch, r.cancel
	r.ch, r.ctx, r.cancel = nil, nil, nil
	r.mu.Unlock()

	if ch == nil {
		return
	}
	cancel()
	r.wg.Wait()
	close(ch)
}

func (r *SimulatedRadio) emit(ctx context.Context, ch chan<- beacon.Advertisement, b SimulatedBeacon, rng *rand.Rand) {
	defer r.wg.Done()

	interval := b.Interval
	if interval <= 0 {
		interval = defaultSimulatedInterval
	}
	noise := b.Noise
	if noise <= 0 {
		noise = defaultSimulatedNoise
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rssi := b.RSSI + rng.Intn(2*noise+1) - noise
			if rssi >= 0 {
				rssi = -1
			}
			adv := beacon.Advertisement{
				UUID:          b.UUID,
				Major:         b.Major,
				Minor:         b.Minor,
				RSSI:          rssi,
				MeasuredPower: b.MeasuredPower,
				Timestamp:     now,
				Source:        "simulated",
			}
			select {
			case ch <- adv:
			case <-ctx.Done():
				return
			}
		}
	}
}

// SimulatedAdvertisementFor builds a frame for Inject.
func SimulatedAdvertisementFor(id uuid.UUID, major, minor uint16, rssi int) beacon.Advertisement {
	return beacon.Advertisement{UUID: id, Major: major, Minor: minor, RSSI: rssi, Timestamp: time.Now(), Source: "simulated"}
}
