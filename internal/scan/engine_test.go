package scan

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
)

var (
	testUUID  = uuid.MustParse("f7826da6-4fa2-4e98-8024-bc5b71e0893e")
	errBusy   = errors.New("adapter busy")
	fastRetry = RetryPolicy{MaxRetries: 4, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Jitter: 0.2}
)

func newTestRegistry(t *testing.T) *beacon.Registry {
	t.Helper()
	reg := beacon.NewRegistry()
	major := uint16(1)
	if err := reg.Register(beacon.Region{Identifier: "r1", UUID: testUUID, Major: &major}); err != nil {
		t.Fatalf("Register(r1) error = %v", err)
	}
	if err := reg.Register(beacon.Region{Identifier: "all", UUID: testUUID}); err != nil {
		t.Fatalf("Register(all) error = %v", err)
	}
	return reg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func receive(t *testing.T, ch <-chan beacon.Sighting) beacon.Sighting {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			t.Fatal("sighting stream closed")
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sighting")
	}
	return beacon.Sighting{}
}

func TestEngineArmIdempotent(t *testing.T) {
	radio := NewSimulatedRadio()
	e := NewEngine(radio, newTestRegistry(t), Options{Retry: fastRetry})
	defer e.Disarm() //nolint:errcheck // Test cleanup

	first, err := e.Arm(context.Background())
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	second, err := e.Arm(context.Background())
	if err != nil {
		t.Fatalf("second Arm() error = %v", err)
	}
	if first != second {
		t.Error("second Arm() returned a different stream")
	}
	if radio.ArmCalls() != 1 {
		t.Errorf("ArmCalls() = %d, want 1", radio.ArmCalls())
	}
	if !e.Armed() {
		t.Error("Armed() = false, want true")
	}
}

func TestEngineArmRetriesTransientErrors(t *testing.T) {
	radio := NewSimulatedRadio()
	radio.FailNext(2, errBusy)
	e := NewEngine(radio, newTestRegistry(t), Options{Retry: fastRetry})
	defer e.Disarm() //nolint:errcheck // Test cleanup

	if _, err := e.Arm(context.Background()); err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	if radio.ArmCalls() != 3 {
		t.Errorf("ArmCalls() = %d, want 3", radio.ArmCalls())
	}
	if got := e.Stats().Retries; got != 2 {
		t.Errorf("Stats().Retries = %d, want 2", got)
	}
}

func TestEngineArmExhaustion(t *testing.T) {
	radio := NewSimulatedRadio()
	radio.FailNext(5, errBusy)
	e := NewEngine(radio, newTestRegistry(t), Options{Retry: fastRetry})

	var hookCalls atomic.Int32
	e.SetUnavailableHandler(func(err error) {
		if !errors.Is(err, beacon.ErrRadioUnavailable) {
			t.Errorf("hook error = %v, want ErrRadioUnavailable", err)
		}
		hookCalls.Add(1)
	})

	_, err := e.Arm(context.Background())
	if !errors.Is(err, beacon.ErrRadioUnavailable) {
		t.Fatalf("Arm() error = %v, want ErrRadioUnavailable", err)
	}
	if radio.ArmCalls() != 5 {
		t.Errorf("ArmCalls() = %d, want 5", radio.ArmCalls())
	}
	if hookCalls.Load() != 1 {
		t.Errorf("hook called %d times, want 1", hookCalls.Load())
	}
	if e.Armed() {
		t.Error("Armed() = true after exhaustion")
	}
}

func TestEngineArmPermanentError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"permission denied", ErrPermissionDenied},
		{"hardware off", ErrHardwareOff},
		{"wrapped", errors.Join(errors.New("bluetoothd"), ErrHardwareOff)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			radio := NewSimulatedRadio()
			radio.FailNext(5, tt.err)
			e := NewEngine(radio, newTestRegistry(t), Options{Retry: fastRetry})

			_, err := e.Arm(context.Background())
			if !errors.Is(err, beacon.ErrRadioUnavailable) {
				t.Fatalf("Arm() error = %v, want ErrRadioUnavailable", err)
			}
			if !IsPermanent(err) {
				t.Errorf("error %v should keep the permanent cause", err)
			}
			if radio.ArmCalls() != 1 {
				t.Errorf("ArmCalls() = %d, want 1", radio.ArmCalls())
			}
		})
	}
}

func TestEngineArmContextCancelled(t *testing.T) {
	radio := NewSimulatedRadio()
	radio.FailNext(5, errBusy)
	slow := RetryPolicy{MaxRetries: 4, InitialBackoff: time.Hour, MaxBackoff: time.Hour}
	e := NewEngine(radio, newTestRegistry(t), Options{Retry: slow})

	var hookCalls atomic.Int32
	e.SetUnavailableHandler(func(error) { hookCalls.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.Arm(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Arm() error = %v, want DeadlineExceeded", err)
	}
	if hookCalls.Load() != 0 {
		t.Errorf("hook called %d times, want 0", hookCalls.Load())
	}
}

func TestEngineMatchesAdvertisements(t *testing.T) {
	radio := NewSimulatedRadio()
	reg := newTestRegistry(t)
	e := NewEngine(radio, reg, Options{Retry: fastRetry, FilterUnknown: true})
	defer e.Disarm() //nolint:errcheck // Test cleanup

	out, err := e.Arm(context.Background())
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}

	radio.Inject(beacon.Advertisement{UUID: uuid.New(), RSSI: -60})
	radio.Inject(beacon.Advertisement{UUID: testUUID, Major: 1, RSSI: 0})
	radio.Inject(beacon.Advertisement{UUID: testUUID, Major: 1, Minor: 4, RSSI: -60})

	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		s := receive(t, out)
		seen[s.RegionID]++
		if s.RSSI != -60 {
			t.Errorf("RSSI = %d, want -60", s.RSSI)
		}
		if region, _ := reg.Get(s.RegionID); s.Generation == 0 || s.Generation != region.Generation() {
			t.Errorf("%s generation = %d, want %d", s.RegionID, s.Generation, region.Generation())
		}
	}
	if seen["r1"] != 1 || seen["all"] != 1 {
		t.Errorf("sightings = %v, want one each for r1 and all", seen)
	}

	waitFor(t, "sighting counters", func() bool { return e.Stats().Sightings == 2 })
	stats := e.Stats()
	if stats.Advertisements != 3 || stats.Filtered != 1 || stats.Unmatched != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestEngineDropsWhenQueueFull(t *testing.T) {
	radio := NewSimulatedRadio()
	reg := beacon.NewRegistry()
	_ = reg.Register(beacon.Region{Identifier: "only", UUID: testUUID})
	e := NewEngine(radio, reg, Options{Retry: fastRetry, QueueSize: 1})
	defer e.Disarm() //nolint:errcheck // Test cleanup

	if _, err := e.Arm(context.Background()); err != nil {
		t.Fatalf("Arm() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		radio.Inject(beacon.Advertisement{UUID: testUUID, RSSI: -70})
	}
	waitFor(t, "advertisements processed", func() bool { return e.Stats().Advertisements == 3 })

	stats := e.Stats()
	if stats.Sightings != 1 || stats.Dropped != 2 {
		t.Errorf("Sightings = %d, Dropped = %d, want 1 and 2", stats.Sightings, stats.Dropped)
	}
}

func TestEngineDisarmClosesStream(t *testing.T) {
	radio := NewSimulatedRadio()
	e := NewEngine(radio, newTestRegistry(t), Options{Retry: fastRetry})

	out, err := e.Arm(context.Background())
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	if err := e.Disarm(); err != nil {
		t.Fatalf("Disarm() error = %v", err)
	}

	select {
	case _, ok := <-out:
		if ok {
			t.Error("expected closed stream")
		}
	case <-time.After(time.Second):
		t.Fatal("stream not closed after Disarm")
	}

	if err := e.Disarm(); err != nil {
		t.Errorf("second Disarm() error = %v", err)
	}
	if radio.DisarmCalls() != 1 {
		t.Errorf("DisarmCalls() = %d, want 1", radio.DisarmCalls())
	}
}

func TestEngineRearmsLostSession(t *testing.T) {
	radio := NewSimulatedRadio()
	e := NewEngine(radio, newTestRegistry(t), Options{Retry: fastRetry})
	defer e.Disarm() //nolint:errcheck // Test cleanup

	out, err := e.Arm(context.Background())
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}

	radio.Lose()
	waitFor(t, "re-arm", func() bool { return radio.ArmCalls() == 2 })
	waitFor(t, "session loss counted", func() bool { return e.Stats().SessionsLost == 1 })

	if !e.Armed() {
		t.Fatal("Armed() = false after re-arm")
	}
	waitFor(t, "inject", func() bool {
		return radio.Inject(beacon.Advertisement{UUID: testUUID, Major: 2, RSSI: -65})
	})
	if s := receive(t, out); s.RegionID != "all" {
		t.Errorf("RegionID = %q, want all", s.RegionID)
	}
}

func TestEngineLostSessionExhaustion(t *testing.T) {
	radio := NewSimulatedRadio()
	e := NewEngine(radio, newTestRegistry(t), Options{Retry: fastRetry})

	hookErr := make(chan error, 2)
	e.SetUnavailableHandler(func(err error) { hookErr <- err })

	out, err := e.Arm(context.Background())
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}

	radio.FailNext(5, errBusy)
	radio.Lose()

	select {
	case err := <-hookErr:
		if !errors.Is(err, beacon.ErrRadioUnavailable) {
			t.Errorf("hook error = %v, want ErrRadioUnavailable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unavailable handler not called")
	}

	for range out {
	}
	if e.Armed() {
		t.Error("Armed() = true after exhaustion")
	}
	if len(hookErr) != 0 {
		t.Error("unavailable handler called more than once")
	}
}
