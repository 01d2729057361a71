package ranging

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
)

var testUUID = uuid.MustParse("f7826da6-4fa2-4e98-8024-bc5b71e0893e")

// recordingPublisher collects published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []beacon.Event
}

func (p *recordingPublisher) Publish(e beacon.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) kinds(regionID string) []beacon.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []beacon.EventKind
	for _, e := range p.events {
		if e.RegionID() == regionID {
			out = append(out, e.Kind)
		}
	}
	return out
}

func u16(v uint16) *uint16 { return &v }

func region(id string) beacon.Region {
	return beacon.Region{Identifier: id, UUID: testUUID, Major: u16(1), Minor: u16(1)}
}

func newTestAggregator(t *testing.T, opts Options) (*Aggregator, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	agg := New(beacon.NewRegistry(), pub, opts)
	if _, err := agg.Track(region("r1")); err != nil {
		t.Fatalf("Track(r1) error = %v", err)
	}
	return agg, pub
}

func kindsOf(events []beacon.Event) []beacon.EventKind {
	out := make([]beacon.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func equalKinds(a, b []beacon.EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestScenarioEnterRangeExit feeds sightings at t=0s and t=2s and lets the
// region time out.
func TestScenarioEnterRangeExit(t *testing.T) {
	agg, pub := newTestAggregator(t, Options{})
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got := agg.Process(beacon.Sighting{RegionID: "r1", RSSI: -60, Timestamp: t0})
	if want := []beacon.EventKind{beacon.EventEnter, beacon.EventRange}; !equalKinds(kindsOf(got), want) {
		t.Fatalf("t=0 events = %v, want %v", kindsOf(got), want)
	}
	if !got[0].Timestamp.Equal(t0) || !got[1].Timestamp.Equal(t0) {
		t.Error("t=0 events should be stamped t0")
	}
	if got[1].RSSI != -60 {
		t.Errorf("Range RSSI = %d, want -60", got[1].RSSI)
	}

	t2 := t0.Add(2 * time.Second)
	got = agg.Process(beacon.Sighting{RegionID: "r1", RSSI: -55, Timestamp: t2})
	if want := []beacon.EventKind{beacon.EventRange}; !equalKinds(kindsOf(got), want) {
		t.Fatalf("t=2 events = %v, want %v", kindsOf(got), want)
	}

	if ev := agg.Sweep(t2.Add(DefaultExitTimeout - time.Millisecond)); len(ev) != 0 {
		t.Fatalf("Sweep before timeout emitted %v", kindsOf(ev))
	}
	exitAt := t2.Add(DefaultExitTimeout)
	got = agg.Sweep(exitAt)
	if want := []beacon.EventKind{beacon.EventExit}; !equalKinds(kindsOf(got), want) {
		t.Fatalf("Sweep at timeout = %v, want %v", kindsOf(got), want)
	}
	if !got[0].Timestamp.Equal(exitAt) {
		t.Errorf("Exit timestamp = %v, want %v", got[0].Timestamp, exitAt)
	}

	want := []beacon.EventKind{beacon.EventEnter, beacon.EventRange, beacon.EventRange, beacon.EventExit}
	if all := pub.kinds("r1"); !equalKinds(all, want) {
		t.Errorf("published = %v, want %v", all, want)
	}

	st, _ := agg.Snapshot("r1")
	if st.Status != beacon.StatusOutside {
		t.Errorf("Status = %s, want outside", st.Status)
	}
}

func TestExitNeverBeforeTimeout(t *testing.T) {
	timeouts := []time.Duration{time.Second, 5 * time.Second, DefaultExitTimeout}

	for _, timeout := range timeouts {
		t.Run(timeout.String(), func(t *testing.T) {
			agg, _ := newTestAggregator(t, Options{ExitTimeout: timeout})
			t0 := time.Unix(1000, 0)
			agg.Process(beacon.Sighting{RegionID: "r1", RSSI: -60, Timestamp: t0})

			for step := time.Duration(0); step < timeout; step += timeout / 10 {
				if ev := agg.Sweep(t0.Add(step)); len(ev) != 0 {
					t.Fatalf("Exit at t0+%v, before timeout %v", step, timeout)
				}
			}
			if ev := agg.Sweep(t0.Add(timeout)); len(ev) != 1 || ev[0].Kind != beacon.EventExit {
				t.Fatalf("Sweep(t0+timeout) = %v, want [exit]", kindsOf(ev))
			}
			if ev := agg.Sweep(t0.Add(2 * timeout)); len(ev) != 0 {
				t.Errorf("second Exit emitted: %v", kindsOf(ev))
			}
		})
	}
}

func TestProcessOrdering(t *testing.T) {
	t0 := time.Unix(1000, 0)

	tests := []struct {
		name       string
		second     beacon.Sighting
		wantEvents int
		wantRSSI   int
	}{
		{"newer accepted", beacon.Sighting{RegionID: "r1", RSSI: -70, Timestamp: t0.Add(time.Second)}, 1, -70},
		{"older ignored", beacon.Sighting{RegionID: "r1", RSSI: -40, Timestamp: t0.Add(-time.Second)}, 0, -60},
		{"tie higher rssi wins", beacon.Sighting{RegionID: "r1", RSSI: -50, Timestamp: t0}, 1, -50},
		{"tie lower rssi ignored", beacon.Sighting{RegionID: "r1", RSSI: -65, Timestamp: t0}, 0, -60},
		{"tie equal rssi ignored", beacon.Sighting{RegionID: "r1", RSSI: -60, Timestamp: t0}, 0, -60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg, _ := newTestAggregator(t, Options{})
			agg.Process(beacon.Sighting{RegionID: "r1", RSSI: -60, Timestamp: t0})

			got := agg.Process(tt.second)
			if len(got) != tt.wantEvents {
				t.Fatalf("events = %v, want %d", kindsOf(got), tt.wantEvents)
			}
			st, _ := agg.Snapshot("r1")
			if st.LastRSSI != tt.wantRSSI {
				t.Errorf("LastRSSI = %d, want %d", st.LastRSSI, tt.wantRSSI)
			}
		})
	}
}

func TestProcessRejectsUnregistered(t *testing.T) {
	agg, pub := newTestAggregator(t, Options{})

	if ev := agg.Process(beacon.Sighting{RegionID: "ghost", RSSI: -60, Timestamp: time.Now()}); ev != nil {
		t.Errorf("events = %v, want none", kindsOf(ev))
	}
	if _, ok := agg.Snapshot("ghost"); ok {
		t.Error("state created for unregistered region")
	}
	if agg.Stats().Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", agg.Stats().Rejected)
	}
	if len(pub.kinds("ghost")) != 0 {
		t.Error("events published for unregistered region")
	}
}

func TestSmoothedDistance(t *testing.T) {
	agg, _ := newTestAggregator(t, Options{SmoothingAlpha: 0.3})
	t0 := time.Unix(1000, 0)

	agg.Process(beacon.Sighting{RegionID: "r1", RSSI: -59, Timestamp: t0})
	d1 := beacon.EstimateDistance(-59, beacon.DefaultMeasuredPower)
	st, _ := agg.Snapshot("r1")
	if math.Abs(st.SmoothedDistance-d1) > 1e-9 {
		t.Fatalf("first SmoothedDistance = %v, want %v", st.SmoothedDistance, d1)
	}

	agg.Process(beacon.Sighting{RegionID: "r1", RSSI: -75, Timestamp: t0.Add(time.Second)})
	d2 := beacon.EstimateDistance(-75, beacon.DefaultMeasuredPower)
	want := 0.3*d2 + 0.7*d1
	st, _ = agg.Snapshot("r1")
	if math.Abs(st.SmoothedDistance-want) > 1e-9 {
		t.Errorf("SmoothedDistance = %v, want %v", st.SmoothedDistance, want)
	}
}

func TestSmoothedDistanceUsesRegionPower(t *testing.T) {
	pub := &recordingPublisher{}
	agg := New(beacon.NewRegistry(), pub, Options{})
	power := -70
	r := region("cal")
	r.MeasuredPower = &power
	_, _ = agg.Track(r)

	ev := agg.Process(beacon.Sighting{RegionID: "cal", RSSI: -70, Timestamp: time.Unix(1, 0)})
	want := beacon.EstimateDistance(-70, -70)
	if len(ev) != 2 || math.Abs(ev[1].Distance-want) > 1e-9 {
		t.Fatalf("Range distance = %v, want %v", ev, want)
	}
}

func TestEnterThreshold(t *testing.T) {
	agg, pub := newTestAggregator(t, Options{EnterThreshold: 3})
	t0 := time.Unix(1000, 0)

	for i := 0; i < 2; i++ {
		if ev := agg.Process(beacon.Sighting{RegionID: "r1", RSSI: -60, Timestamp: t0.Add(time.Duration(i) * time.Second)}); len(ev) != 0 {
			t.Fatalf("sighting %d emitted %v below threshold", i+1, kindsOf(ev))
		}
	}
	st, _ := agg.Snapshot("r1")
	if st.Status != beacon.StatusRanging {
		t.Fatalf("Status = %s, want ranging", st.Status)
	}

	// Unconfirmed regions fall back without an Exit.
	if ev := agg.Sweep(t0.Add(time.Minute)); len(ev) != 0 {
		t.Fatalf("Sweep emitted %v for unconfirmed region", kindsOf(ev))
	}
	st, _ = agg.Snapshot("r1")
	if st.Status != beacon.StatusUnseen {
		t.Fatalf("Status = %s, want unseen", st.Status)
	}

	t1 := t0.Add(2 * time.Minute)
	var last []beacon.Event
	for i := 0; i < 3; i++ {
		last = agg.Process(beacon.Sighting{RegionID: "r1", RSSI: -60, Timestamp: t1.Add(time.Duration(i) * time.Second)})
	}
	if want := []beacon.EventKind{beacon.EventEnter, beacon.EventRange}; !equalKinds(kindsOf(last), want) {
		t.Fatalf("third sighting events = %v, want %v", kindsOf(last), want)
	}
	if got := pub.kinds("r1"); len(got) != 2 {
		t.Errorf("published = %v, want [enter range]", got)
	}
}

func TestTrackIdenticalKeepsState(t *testing.T) {
	agg, pub := newTestAggregator(t, Options{})
	agg.Process(beacon.Sighting{RegionID: "r1", RSSI: -60, Timestamp: time.Unix(1000, 0)})

	ev, err := agg.Track(region("r1"))
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if len(ev) != 0 {
		t.Errorf("re-Track emitted %v", kindsOf(ev))
	}

	agg.Process(beacon.Sighting{RegionID: "r1", RSSI: -60, Timestamp: time.Unix(1001, 0)})
	want := []beacon.EventKind{beacon.EventEnter, beacon.EventRange, beacon.EventRange}
	if got := pub.kinds("r1"); !equalKinds(got, want) {
		t.Errorf("published = %v, want %v (exactly one Enter)", got, want)
	}
}

func TestTrackReplacementExitsFirst(t *testing.T) {
	agg, _ := newTestAggregator(t, Options{})
	agg.Process(beacon.Sighting{RegionID: "r1", RSSI: -60, Timestamp: time.Unix(1000, 0)})

	replacement := region("r1")
	replacement.Minor = u16(2)
	ev, err := agg.Track(replacement)
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if len(ev) != 1 || ev[0].Kind != beacon.EventExit {
		t.Fatalf("replacement events = %v, want [exit]", kindsOf(ev))
	}
	if *ev[0].Region.Minor != 1 {
		t.Error("Exit should carry the old definition")
	}

	st, _ := agg.Snapshot("r1")
	if st.Status != beacon.StatusUnseen {
		t.Errorf("Status = %s, want unseen", st.Status)
	}
}

func TestTrackInvalidLeavesNothing(t *testing.T) {
	reg := beacon.NewRegistry()
	agg := New(reg, nil, Options{})

	if _, err := agg.Track(beacon.Region{Identifier: "bad"}); err == nil {
		t.Fatal("Track() should reject a region without uuid")
	}
	if agg.Tracked("bad") || reg.Count() != 0 {
		t.Error("invalid region left state behind")
	}
}

func TestForget(t *testing.T) {
	agg, pub := newTestAggregator(t, Options{})
	t0 := time.Unix(1000, 0)
	agg.Process(beacon.Sighting{RegionID: "r1", RSSI: -60, Timestamp: t0})

	if !agg.Forget("r1") {
		t.Fatal("Forget(r1) = false")
	}
	if agg.Forget("r1") {
		t.Error("second Forget(r1) = true")
	}

	// No Exit on forget, and nothing after it.
	agg.Sweep(t0.Add(time.Hour))
	agg.Process(beacon.Sighting{RegionID: "r1", RSSI: -60, Timestamp: t0.Add(time.Hour)})
	want := []beacon.EventKind{beacon.EventEnter, beacon.EventRange}
	if got := pub.kinds("r1"); !equalKinds(got, want) {
		t.Errorf("published = %v, want %v", got, want)
	}
}

func TestStaleRegistrationSightingsIgnored(t *testing.T) {
	agg, pub := newTestAggregator(t, Options{})
	reg := agg.Registry()

	old, _ := reg.Get("r1")
	agg.Forget("r1")
	if _, err := agg.Track(region("r1")); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	current, _ := reg.Get("r1")
	if current.Generation() == old.Generation() {
		t.Fatal("re-registration kept the old generation")
	}

	// Queued before the stop, delivered after the restart.
	at := time.Unix(1000, 0)
	if ev := agg.Process(beacon.Sighting{RegionID: "r1", RSSI: -60, Timestamp: at, Generation: old.Generation()}); ev != nil {
		t.Errorf("stale sighting produced %v", kindsOf(ev))
	}
	if st, _ := agg.Snapshot("r1"); st.Status != beacon.StatusUnseen {
		t.Errorf("Status = %s, want unseen", st.Status)
	}
	if agg.Stats().Stale != 1 {
		t.Errorf("Stale = %d, want 1", agg.Stats().Stale)
	}

	ev := agg.Process(beacon.Sighting{RegionID: "r1", RSSI: -60, Timestamp: at, Generation: current.Generation()})
	if len(ev) == 0 || ev[0].Kind != beacon.EventEnter {
		t.Errorf("current sighting produced %v, want enter first", kindsOf(ev))
	}
	if got := pub.kinds("r1"); len(got) == 0 || got[0] != beacon.EventEnter {
		t.Errorf("published = %v", got)
	}
}

// TestRegistryStateInvariant drives random register/unregister/sighting/sweep
// sequences and checks that state exists iff the region is registered and
// that every region's events follow Enter, Range*, Exit.
func TestRegistryStateInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	reg := beacon.NewRegistry()
	pub := &recordingPublisher{}
	agg := New(reg, pub, Options{ExitTimeout: 5 * time.Second})

	ids := []string{"r0", "r1", "r2", "r3", "r4"}
	now := time.Unix(10000, 0)

	for i := 0; i < 5000; i++ {
		id := ids[rng.Intn(len(ids))]
		now = now.Add(time.Duration(rng.Intn(3000)) * time.Millisecond)

		switch op := rng.Intn(10); {
		case op < 2:
			r := region(id)
			r.Minor = u16(uint16(rng.Intn(2)))
			if _, err := agg.Track(r); err != nil {
				t.Fatalf("Track(%s) error = %v", id, err)
			}
		case op < 3:
			agg.Forget(id)
			pub.Publish(beacon.Event{Kind: "forget", Region: &beacon.Region{Identifier: id}})
		case op < 9:
			ts := now.Add(-time.Duration(rng.Intn(2000)) * time.Millisecond)
			agg.Process(beacon.Sighting{RegionID: id, RSSI: -40 - rng.Intn(50), Timestamp: ts})
		default:
			agg.Sweep(now)
		}

		for _, id := range ids {
			_, registered := reg.Get(id)
			_, hasState := agg.Snapshot(id)
			if registered != hasState {
				t.Fatalf("step %d: region %s registered=%v state=%v", i, id, registered, hasState)
			}
		}
	}

	for _, id := range ids {
		inside := false
		for n, kind := range pub.kinds(id) {
			switch kind {
			case beacon.EventEnter:
				if inside {
					t.Fatalf("%s event %d: Enter while inside", id, n)
				}
				inside = true
			case beacon.EventRange, beacon.EventExit:
				if !inside {
					t.Fatalf("%s event %d: %s while outside", id, n, kind)
				}
				inside = kind == beacon.EventRange
			case "forget":
				inside = false
			}
		}
	}
}

func TestRunConsumesStream(t *testing.T) {
	agg, pub := newTestAggregator(t, Options{})
	ch := make(chan beacon.Sighting, 3)
	t0 := time.Unix(1000, 0)
	for i := 0; i < 3; i++ {
		ch <- beacon.Sighting{RegionID: "r1", RSSI: -60, Timestamp: t0.Add(time.Duration(i) * time.Second)}
	}
	close(ch)

	done := make(chan struct{})
	go func() {
		agg.Run(context.Background(), ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stream closed")
	}
	if got := pub.kinds("r1"); len(got) != 4 {
		t.Errorf("published = %v, want enter + 3 ranges", got)
	}
}

func TestRunSweeperUsesClock(t *testing.T) {
	var clock atomic.Int64
	t0 := time.Unix(1000, 0)
	clock.Store(t0.UnixNano())

	agg, pub := newTestAggregator(t, Options{
		SweepInterval: time.Millisecond,
		Clock:         func() time.Time { return time.Unix(0, clock.Load()) },
	})
	agg.Process(beacon.Sighting{RegionID: "r1", RSSI: -60, Timestamp: t0})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.RunSweeper(ctx)

	time.Sleep(10 * time.Millisecond)
	if got := pub.kinds("r1"); len(got) != 2 {
		t.Fatalf("Exit fired before the clock advanced: %v", got)
	}

	clock.Store(t0.Add(DefaultExitTimeout).UnixNano())
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := pub.kinds("r1"); len(got) == 3 && got[2] == beacon.EventExit {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no Exit after clock advanced: %v", pub.kinds("r1"))
}

func BenchmarkProcess(b *testing.B) {
	agg := New(beacon.NewRegistry(), nil, Options{})
	for i := 0; i < 50; i++ {
		_, _ = agg.Track(region(fmt.Sprintf("r%d", i)))
	}
	t0 := time.Unix(1000, 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		agg.Process(beacon.Sighting{
			RegionID:  fmt.Sprintf("r%d", i%50),
			RSSI:      -60,
			Timestamp: t0.Add(time.Duration(i) * time.Millisecond),
		})
	}
}
