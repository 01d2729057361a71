package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-beacon/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-beacon/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-beacon/internal/scan"
)

// stubMQTT satisfies ble.MQTTClient without a broker.
type stubMQTT struct{}

func (stubMQTT) Publish(string, []byte, byte, bool) error { return nil }
func (stubMQTT) Subscribe(string, byte, mqtt.MessageHandler) error { return nil }
func (stubMQTT) Unsubscribe(string) error { return nil }
func (stubMQTT) IsConnected() bool { return false }

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MalformedConfig verifies run fails before touching any service.
func TestRun_MalformedConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("beacon: [not, a, map"), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("GRAYLOGIC_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with malformed config")
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("GRAYLOGIC_CONFIG", "")
		if got := getConfigPath(); got != defaultConfigPath {
			t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
		}
	})

	t.Run("env override", func(t *testing.T) {
		t.Setenv("GRAYLOGIC_CONFIG", "/custom/path/config.yaml")
		if got := getConfigPath(); got != "/custom/path/config.yaml" {
			t.Errorf("getConfigPath() = %q", got)
		}
	})
}

func TestBuildRadio(t *testing.T) {
	simulated := []config.SimulatedBeaconConfig{
		{UUID: "f7826da6-4fa2-4e98-8024-bc5b71e0893e", Major: 1, Minor: 2, RSSI: -60, Interval: time.Second},
	}

	tests := []struct {
		name        string
		cfg         config.BeaconConfig
		wantErr     bool
		wantGateway bool
		wantSim     bool
	}{
		{"mqtt", config.BeaconConfig{Radio: config.RadioMQTT}, false, true, false},
		{"empty defaults to mqtt", config.BeaconConfig{}, false, true, false},
		{"simulated", config.BeaconConfig{Radio: config.RadioSimulated, Simulated: simulated}, false, false, true},
		{
			"simulated bad uuid",
			config.BeaconConfig{Radio: config.RadioSimulated, Simulated: []config.SimulatedBeaconConfig{{UUID: "nope"}}},
			true, false, false,
		},
		{"unknown backend", config.BeaconConfig{Radio: "carrier-pigeon"}, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			radio, gw, err := buildRadio(tt.cfg, stubMQTT{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("buildRadio() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (gw != nil) != tt.wantGateway {
				t.Errorf("gateway radio = %v, want present %v", gw, tt.wantGateway)
			}
			if _, ok := radio.(*scan.SimulatedRadio); ok != tt.wantSim {
				t.Errorf("radio type = %T", radio)
			}
		})
	}
}

func TestSimulatedBeacons(t *testing.T) {
	got, err := simulatedBeacons([]config.SimulatedBeaconConfig{
		{UUID: "f7826da6-4fa2-4e98-8024-bc5b71e0893e", Major: 7, Minor: 9, RSSI: -65, Interval: 500 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("simulatedBeacons() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	b := got[0]
	if b.UUID.String() != "f7826da6-4fa2-4e98-8024-bc5b71e0893e" || b.Major != 7 || b.Minor != 9 || b.RSSI != -65 || b.Interval != 500*time.Millisecond {
		t.Errorf("beacon = %+v", b)
	}
}
