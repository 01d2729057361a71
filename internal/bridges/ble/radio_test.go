package ble

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
	"github.com/nerrad567/gray-logic-beacon/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-beacon/internal/ranging"
	"github.com/nerrad567/gray-logic-beacon/internal/scan"
)

func reportPayload(t *testing.T, devices ...DeviceReport) []byte {
	t.Helper()
	b, err := json.Marshal(ScanReport{Timestamp: time.Now().UTC(), Devices: devices})
	if err != nil {
		t.Fatalf("marshal report: %v", err)
	}
	return b
}

func armRadio(t *testing.T, r *GatewayRadio, client *MockMQTTClient) (<-chan beacon.Advertisement, mqtt.MessageHandler) {
	t.Helper()
	advs, err := r.ArmScan(context.Background())
	if err != nil {
		t.Fatalf("ArmScan() error = %v", err)
	}
	handler := client.Handler(mqtt.Topics{}.AllGatewayAdvertisements())
	if handler == nil {
		t.Fatal("advertisement topic not subscribed")
	}
	return advs, handler
}

func receive(t *testing.T, advs <-chan beacon.Advertisement) beacon.Advertisement {
	t.Helper()
	select {
	case adv, ok := <-advs:
		if !ok {
			t.Fatal("advertisement stream closed")
		}
		return adv
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for advertisement")
	}
	return beacon.Advertisement{}
}

func assertClosed(t *testing.T, advs <-chan beacon.Advertisement) {
	t.Helper()
	select {
	case _, ok := <-advs:
		if ok {
			t.Error("stream delivered a value, want closed")
		}
	case <-time.After(time.Second):
		t.Error("stream not closed")
	}
}

func TestGatewayRadio_ArmDisconnected(t *testing.T) {
	client := NewMockMQTTClient()
	client.SetConnected(false)
	r := NewGatewayRadio(client, GatewayRadioOptions{})

	_, err := r.ArmScan(context.Background())
	if !errors.Is(err, mqtt.ErrNotConnected) {
		t.Fatalf("ArmScan() error = %v, want ErrNotConnected", err)
	}
	if scan.IsPermanent(err) {
		t.Error("a disconnected broker should be retried")
	}
	if r.Stats().Armed {
		t.Error("radio armed after failure")
	}
}

func TestGatewayRadio_ArmSubscribeFailure(t *testing.T) {
	client := NewMockMQTTClient()
	client.subscribeErr = mqtt.ErrSubscribeFailed
	r := NewGatewayRadio(client, GatewayRadioOptions{})

	if _, err := r.ArmScan(context.Background()); !errors.Is(err, mqtt.ErrSubscribeFailed) {
		t.Fatalf("ArmScan() error = %v, want ErrSubscribeFailed", err)
	}
	if r.Stats().Armed {
		t.Error("radio armed after failure")
	}
}

func TestGatewayRadio_ArmCancelledContext(t *testing.T) {
	r := NewGatewayRadio(NewMockMQTTClient(), GatewayRadioOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.ArmScan(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("ArmScan() error = %v, want context.Canceled", err)
	}
}

func TestGatewayRadio_DeliversIBeacons(t *testing.T) {
	client := NewMockMQTTClient()
	r := NewGatewayRadio(client, GatewayRadioOptions{})
	advs, handler := armRadio(t, r, client)

	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := reportPayload(t,
		DeviceReport{MAC: "aa:bb", RSSI: -60, ManufacturerData: testFrameHex, Timestamp: seen},
		DeviceReport{MAC: "cc:dd", RSSI: -80, ManufacturerData: "0600010203"},
		DeviceReport{MAC: "ee:ff", RSSI: -70, ManufacturerData: "zz"},
	)
	if err := handler(mqtt.Topics{}.GatewayAdvertisements("gw-hall"), payload); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	adv := receive(t, advs)
	if adv.UUID != testUUID || adv.Major != 100 || adv.Minor != 7 {
		t.Errorf("advertisement identity = %v/%d/%d", adv.UUID, adv.Major, adv.Minor)
	}
	if adv.RSSI != -60 || adv.Source != "gw-hall" || !adv.ReportedAt.Equal(seen) {
		t.Errorf("advertisement = %+v", adv)
	}
	if adv.MeasuredPower == nil || *adv.MeasuredPower != -59 {
		t.Errorf("MeasuredPower = %v, want -59", adv.MeasuredPower)
	}

	stats := r.Stats()
	if stats.Reports != 1 || stats.Advertisements != 1 || stats.Malformed != 1 {
		t.Errorf("stats = %+v, want 1 report, 1 advertisement, 1 malformed", stats)
	}
	if !stats.Armed {
		t.Error("Stats().Armed = false while armed")
	}
}

func TestGatewayRadio_ReportGatewayOverridesTopic(t *testing.T) {
	client := NewMockMQTTClient()
	r := NewGatewayRadio(client, GatewayRadioOptions{})
	advs, handler := armRadio(t, r, client)

	payload, _ := json.Marshal(ScanReport{
		Gateway: "esp32-porch",
		Devices: []DeviceReport{{RSSI: -55, ManufacturerData: testFrameHex}},
	})
	if err := handler(mqtt.Topics{}.GatewayAdvertisements("relay"), payload); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	adv := receive(t, advs)
	if adv.Source != "esp32-porch" {
		t.Errorf("Source = %q, want esp32-porch", adv.Source)
	}
	if adv.Timestamp.IsZero() {
		t.Error("Timestamp not defaulted")
	}
}

func TestGatewayRadio_InvalidReport(t *testing.T) {
	client := NewMockMQTTClient()
	r := NewGatewayRadio(client, GatewayRadioOptions{})
	_, handler := armRadio(t, r, client)

	err := handler(mqtt.Topics{}.GatewayAdvertisements("gw-hall"), []byte("not json"))
	if !errors.Is(err, ErrInvalidReport) {
		t.Errorf("handler error = %v, want ErrInvalidReport", err)
	}
	if r.Stats().Malformed != 1 {
		t.Errorf("Malformed = %d, want 1", r.Stats().Malformed)
	}
}

func TestGatewayRadio_AllowList(t *testing.T) {
	client := NewMockMQTTClient()
	r := NewGatewayRadio(client, GatewayRadioOptions{Gateways: []string{"gw-hall"}})
	advs, handler := armRadio(t, r, client)

	on := client.PublishedOn(mqtt.Topics{}.GatewayScan("gw-hall"))
	if len(on) != 1 || string(on[0].Payload) != "on" || !on[0].Retained {
		t.Errorf("scan switch on arm = %+v", on)
	}

	payload := reportPayload(t, DeviceReport{RSSI: -60, ManufacturerData: testFrameHex})
	if err := handler(mqtt.Topics{}.GatewayAdvertisements("gw-garage"), payload); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if err := handler(mqtt.Topics{}.GatewayAdvertisements("gw-hall"), payload); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if adv := receive(t, advs); adv.Source != "gw-hall" {
		t.Errorf("Source = %q, want gw-hall", adv.Source)
	}
	if stats := r.Stats(); stats.Ignored != 1 || stats.Advertisements != 1 {
		t.Errorf("stats = %+v, want 1 ignored, 1 advertisement", stats)
	}

	if err := r.DisarmScan(); err != nil {
		t.Fatalf("DisarmScan() error = %v", err)
	}
	assertClosed(t, advs)

	off := client.PublishedOn(mqtt.Topics{}.GatewayScan("gw-hall"))
	if len(off) != 2 || string(off[1].Payload) != "off" {
		t.Errorf("scan switch on disarm = %+v", off)
	}
	if client.Handler(mqtt.Topics{}.AllGatewayAdvertisements()) != nil {
		t.Error("advertisement topic still subscribed")
	}
}

func TestGatewayRadio_ArmTwiceReturnsSameStream(t *testing.T) {
	client := NewMockMQTTClient()
	r := NewGatewayRadio(client, GatewayRadioOptions{})

	first, _ := armRadio(t, r, client)
	second, err := r.ArmScan(context.Background())
	if err != nil {
		t.Fatalf("second ArmScan() error = %v", err)
	}
	if first != second {
		t.Error("ArmScan() while armed returned a new stream")
	}
}

func TestGatewayRadio_DisarmIdle(t *testing.T) {
	r := NewGatewayRadio(NewMockMQTTClient(), GatewayRadioOptions{})
	if err := r.DisarmScan(); err != nil {
		t.Errorf("DisarmScan() when idle error = %v", err)
	}
}

func TestGatewayRadio_ConnectionLost(t *testing.T) {
	client := NewMockMQTTClient()
	r := NewGatewayRadio(client, GatewayRadioOptions{})
	advs, handler := armRadio(t, r, client)

	r.ConnectionLost(errors.New("EOF"))
	assertClosed(t, advs)

	if r.Stats().Armed {
		t.Error("radio armed after connection loss")
	}

	// Late reports from the lost session are ignored.
	if err := handler(mqtt.Topics{}.GatewayAdvertisements("gw-hall"), reportPayload(t,
		DeviceReport{RSSI: -60, ManufacturerData: testFrameHex})); err != nil {
		t.Errorf("handler error = %v", err)
	}

	next, err := r.ArmScan(context.Background())
	if err != nil {
		t.Fatalf("re-arm error = %v", err)
	}
	if next == advs {
		t.Error("re-arm returned the closed stream")
	}

	r.ConnectionLost(nil)
	r.ConnectionLost(nil)
	assertClosed(t, next)
}

func TestGatewayRadio_DropsWhenFull(t *testing.T) {
	client := NewMockMQTTClient()
	r := NewGatewayRadio(client, GatewayRadioOptions{QueueSize: 1})
	_, handler := armRadio(t, r, client)

	payload := reportPayload(t,
		DeviceReport{RSSI: -60, ManufacturerData: testFrameHex},
		DeviceReport{RSSI: -61, ManufacturerData: testFrameHex},
	)
	if err := handler(mqtt.Topics{}.GatewayAdvertisements("gw-hall"), payload); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if stats := r.Stats(); stats.Advertisements != 1 || stats.Dropped != 1 {
		t.Errorf("stats = %+v, want 1 delivered, 1 dropped", stats)
	}
}

func TestGatewayRadio_FeedsScanEngine(t *testing.T) {
	client := NewMockMQTTClient()
	radio := NewGatewayRadio(client, GatewayRadioOptions{})

	registry := beacon.NewRegistry()
	region, err := beacon.ParseRegion(testUUID.String(), "lobby", nil, nil)
	if err != nil {
		t.Fatalf("ParseRegion() error = %v", err)
	}
	if err := registry.Register(region); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	engine := scan.NewEngine(radio, registry, scan.Options{})
	sightings, err := engine.Arm(context.Background())
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	defer engine.Disarm() //nolint:errcheck // test cleanup

	handler := client.Handler(mqtt.Topics{}.AllGatewayAdvertisements())
	if err := handler(mqtt.Topics{}.GatewayAdvertisements("gw-hall"), reportPayload(t,
		DeviceReport{RSSI: -64, ManufacturerData: testFrameHex})); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	select {
	case s := <-sightings:
		if s.RegionID != "lobby" || s.RSSI != -64 {
			t.Errorf("sighting = %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sighting")
	}
}

func TestGatewayRadio_LastReport(t *testing.T) {
	client := NewMockMQTTClient()
	r := NewGatewayRadio(client, GatewayRadioOptions{})

	if _, listening := r.LastReport("gw-hall"); listening {
		t.Error("LastReport() listening while disarmed")
	}

	before := time.Now()
	_, handler := armRadio(t, r, client)

	armedAt, listening := r.LastReport("gw-hall")
	if !listening {
		t.Fatal("LastReport() not listening while armed")
	}
	if armedAt.Before(before) {
		t.Errorf("LastReport() = %v, want at or after arm time %v", armedAt, before)
	}

	time.Sleep(5 * time.Millisecond)
	if err := handler(mqtt.Topics{}.GatewayAdvertisements("gw-hall"), reportPayload(t)); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	seen, _ := r.LastReport("gw-hall")
	if !seen.After(armedAt) {
		t.Errorf("LastReport() after report = %v, want after %v", seen, armedAt)
	}

	other, _ := r.LastReport("gw-attic")
	if !other.Equal(armedAt) {
		t.Errorf("silent gateway LastReport() = %v, want session start %v", other, armedAt)
	}

	if err := r.DisarmScan(); err != nil {
		t.Fatalf("DisarmScan() error = %v", err)
	}
	if _, listening := r.LastReport("gw-hall"); listening {
		t.Error("LastReport() listening after disarm")
	}
}

type discardPublisher struct{}

func (discardPublisher) Publish(beacon.Event) {}

// TestGatewayRadio_SkewedGatewayClocks feeds reports whose timestamps lag
// the host clock by more than the exit timeout. Presence must follow
// arrival time, not the gateways' clocks.
func TestGatewayRadio_SkewedGatewayClocks(t *testing.T) {
	client := NewMockMQTTClient()
	radio := NewGatewayRadio(client, GatewayRadioOptions{})

	registry := beacon.NewRegistry()
	agg := ranging.New(registry, discardPublisher{}, ranging.Options{ExitTimeout: 10 * time.Second})
	region, err := beacon.ParseRegion(testUUID.String(), "lobby", nil, nil)
	if err != nil {
		t.Fatalf("ParseRegion() error = %v", err)
	}
	if _, err := agg.Track(region); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	engine := scan.NewEngine(radio, registry, scan.Options{})
	sightings, err := engine.Arm(context.Background())
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	defer engine.Disarm() //nolint:errcheck // test cleanup

	handler := client.Handler(mqtt.Topics{}.AllGatewayAdvertisements())

	var kinds []beacon.EventKind
	reports := []struct {
		gateway string
		skew    time.Duration
	}{
		{"gw-hall", -30 * time.Second},
		{"gw-hall", -30 * time.Second},
		{"gw-porch", time.Minute},
		{"gw-hall", -30 * time.Second},
	}
	for i, rep := range reports {
		time.Sleep(time.Millisecond)
		payload, _ := json.Marshal(ScanReport{
			Timestamp: time.Now().Add(rep.skew),
			Devices:   []DeviceReport{{RSSI: -60, ManufacturerData: testFrameHex}},
		})
		if err := handler(mqtt.Topics{}.GatewayAdvertisements(rep.gateway), payload); err != nil {
			t.Fatalf("report %d: handler error = %v", i, err)
		}

		select {
		case s := <-sightings:
			for _, e := range agg.Process(s) {
				kinds = append(kinds, e.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("report %d: timed out waiting for sighting", i)
		}
		for _, e := range agg.Sweep(time.Now()) {
			kinds = append(kinds, e.Kind)
		}
	}

	want := []beacon.EventKind{beacon.EventEnter, beacon.EventRange, beacon.EventRange, beacon.EventRange, beacon.EventRange}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}
}
