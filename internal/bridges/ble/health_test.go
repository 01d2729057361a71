package ble

import (
	"encoding/json"
	"testing"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
	"github.com/nerrad567/gray-logic-beacon/internal/infrastructure/mqtt"
)

func TestHealthReporter_DetermineStatus(t *testing.T) {
	oneRegion := []beacon.Region{{Identifier: "lobby"}}

	tests := []struct {
		name       string
		connected  bool
		regions    []beacon.Region
		armed      bool
		wantStatus HealthStatus
		wantReason string
	}{
		{"mqtt down", false, nil, false, HealthDegraded, "MQTT disconnected"},
		{"idle", true, nil, false, HealthHealthy, ""},
		{"monitoring", true, oneRegion, true, HealthHealthy, ""},
		{"radio lost", true, oneRegion, false, HealthDegraded, "radio unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewMockMQTTClient()
			client.SetConnected(tt.connected)
			ctrl := NewMockController()
			ctrl.regions, ctrl.armed = tt.regions, tt.armed

			h := NewHealthReporter(HealthReporterConfig{Publisher: client, Source: ctrl})
			status, reason := h.determineStatus()
			if status != tt.wantStatus || reason != tt.wantReason {
				t.Errorf("determineStatus() = %s/%q, want %s/%q", status, reason, tt.wantStatus, tt.wantReason)
			}
		})
	}
}

func TestHealthReporter_PublishNow(t *testing.T) {
	client := NewMockMQTTClient()
	ctrl := NewMockController()
	ctrl.regions = []beacon.Region{{Identifier: "lobby"}, {Identifier: "kitchen"}}
	ctrl.armed = true

	h := NewHealthReporter(HealthReporterConfig{Version: "1.2.3", Publisher: client, Source: ctrl})
	if err := h.PublishNow(); err != nil {
		t.Fatalf("PublishNow() error = %v", err)
	}

	msgs := client.PublishedOn(mqtt.Topics{}.BeaconHealth())
	if len(msgs) != 1 {
		t.Fatalf("health messages = %d, want 1", len(msgs))
	}
	if msgs[0].QoS != 1 || !msgs[0].Retained {
		t.Errorf("qos/retained = %d/%v, want 1/true", msgs[0].QoS, msgs[0].Retained)
	}

	var msg HealthMessage
	if err := json.Unmarshal(msgs[0].Payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Bridge != "beacon" || msg.Version != "1.2.3" || msg.Status != HealthHealthy {
		t.Errorf("message = %+v", msg)
	}
	if msg.Regions != 2 || !msg.RadioArmed {
		t.Errorf("regions/armed = %d/%v, want 2/true", msg.Regions, msg.RadioArmed)
	}
}

func TestHealthReporter_NoPublisher(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{})
	if err := h.PublishNow(); err != nil {
		t.Errorf("PublishNow() without publisher error = %v", err)
	}
	h.Stop()
}

func TestHealthReporter_StopIdempotent(t *testing.T) {
	client := NewMockMQTTClient()
	h := NewHealthReporter(HealthReporterConfig{Publisher: client})

	h.Stop()
	h.Stop()

	msgs := client.PublishedOn(mqtt.Topics{}.BeaconHealth())
	if len(msgs) != 1 {
		t.Fatalf("health messages = %d, want 1", len(msgs))
	}
	var msg HealthMessage
	if err := json.Unmarshal(msgs[0].Payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Status != HealthStopping {
		t.Errorf("status = %s, want %s", msg.Status, HealthStopping)
	}
}
