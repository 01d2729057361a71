package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	// Create a temporary config file
	content := `
site:
  id: "test-site"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8080
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}

	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "localhost")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
site:
  id: ""
database:
  path: "/tmp/test.db"
api:
  port: 8080
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

// validConfig returns a configuration that passes validation.
func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Security.JWT.Secret = "test-secret-key-at-least-32-chars!"
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(_ *Config) {}, wantErr: false},
		{name: "missing site ID", mutate: func(c *Config) { c.Site.ID = "" }, wantErr: true},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: true},
		{name: "invalid port low", mutate: func(c *Config) { c.API.Port = 0 }, wantErr: true},
		{name: "invalid port high", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: true},
		{name: "missing JWT secret", mutate: func(c *Config) { c.Security.JWT.Secret = "" }, wantErr: true},
		{name: "JWT secret too short", mutate: func(c *Config) { c.Security.JWT.Secret = "short" }, wantErr: true},
		{name: "unknown radio", mutate: func(c *Config) { c.Beacon.Radio = "bluez" }, wantErr: true},
		{name: "zero exit timeout", mutate: func(c *Config) { c.Beacon.ExitTimeout = 0 }, wantErr: true},
		{name: "sweep longer than exit timeout", mutate: func(c *Config) { c.Beacon.SweepInterval = time.Minute }, wantErr: true},
		{name: "alpha zero", mutate: func(c *Config) { c.Beacon.SmoothingAlpha = 0 }, wantErr: true},
		{name: "alpha above one", mutate: func(c *Config) { c.Beacon.SmoothingAlpha = 1.5 }, wantErr: true},
		{name: "alpha exactly one", mutate: func(c *Config) { c.Beacon.SmoothingAlpha = 1 }, wantErr: false},
		{name: "enter threshold zero", mutate: func(c *Config) { c.Beacon.EnterThreshold = 0 }, wantErr: true},
		{name: "positive measured power", mutate: func(c *Config) { c.Beacon.DefaultMeasuredPower = 4 }, wantErr: true},
		{name: "queue size zero", mutate: func(c *Config) { c.Beacon.SightingQueueSize = 0 }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.Beacon.Scan.MaxRetries = -1 }, wantErr: true},
		{name: "zero retries", mutate: func(c *Config) { c.Beacon.Scan.MaxRetries = 0 }, wantErr: false},
		{name: "max backoff below initial", mutate: func(c *Config) { c.Beacon.Scan.MaxBackoff = time.Millisecond }, wantErr: true},
		{name: "jitter one", mutate: func(c *Config) { c.Beacon.Scan.Jitter = 1 }, wantErr: true},
		{name: "simulated without beacons", mutate: func(c *Config) { c.Beacon.Radio = RadioSimulated }, wantErr: true},
		{name: "advertise gateway wildcard", mutate: func(c *Config) { c.Beacon.AdvertiseGateway = "gw/+" }, wantErr: true},
		{
			name:    "managed gateway without binary",
			mutate:  func(c *Config) { c.Beacon.GatewayProcess.Managed = true },
			wantErr: true,
		},
		{
			name: "managed gateway",
			mutate: func(c *Config) {
				c.Beacon.GatewayProcess.Managed = true
				c.Beacon.GatewayProcess.Binary = "/usr/local/bin/ble-gateway"
			},
			wantErr: false,
		},
		{
			name: "simulated with beacons",
			mutate: func(c *Config) {
				c.Beacon.Radio = RadioSimulated
				c.Beacon.Simulated = []SimulatedBeaconConfig{{UUID: "f7826da6-4fa2-4e98-8024-bc5b71e0893e", RSSI: -60}}
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_BeaconSection(t *testing.T) {
	content := `
site:
  id: "test-site"
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
beacon:
  radio: simulated
  exit_timeout: 15s
  sweep_interval: 500ms
  smoothing_alpha: 0.5
  enter_threshold: 2
  scan:
    max_retries: 2
    initial_backoff: 200ms
    max_backoff: 2s
  simulated:
    - uuid: "f7826da6-4fa2-4e98-8024-bc5b71e0893e"
      major: 1
      minor: 2
      rssi: -65
      interval: 1s
`
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	b := cfg.Beacon
	if b.Radio != RadioSimulated {
		t.Errorf("Radio = %q, want %q", b.Radio, RadioSimulated)
	}
	if b.ExitTimeout != 15*time.Second {
		t.Errorf("ExitTimeout = %v, want 15s", b.ExitTimeout)
	}
	if b.SweepInterval != 500*time.Millisecond {
		t.Errorf("SweepInterval = %v, want 500ms", b.SweepInterval)
	}
	if b.EnterThreshold != 2 {
		t.Errorf("EnterThreshold = %d, want 2", b.EnterThreshold)
	}
	if b.Scan.MaxRetries != 2 || b.Scan.MaxBackoff != 2*time.Second {
		t.Errorf("Scan = %+v, want 2 retries and 2s max", b.Scan)
	}
	// Unset keys keep their defaults.
	if b.Scan.Jitter != 0.2 {
		t.Errorf("Scan.Jitter = %v, want default 0.2", b.Scan.Jitter)
	}
	if b.DefaultMeasuredPower != -59 {
		t.Errorf("DefaultMeasuredPower = %d, want -59", b.DefaultMeasuredPower)
	}
	if len(b.Simulated) != 1 || b.Simulated[0].Minor != 2 || b.Simulated[0].Interval != time.Second {
		t.Errorf("Simulated = %+v", b.Simulated)
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}

	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}

	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	// Set environment variables
	t.Setenv("GRAYLOGIC_DATABASE_PATH", "/custom/path.db")
	t.Setenv("GRAYLOGIC_MQTT_HOST", "mqtt.example.com")
	t.Setenv("GRAYLOGIC_MQTT_USERNAME", "testuser")
	t.Setenv("GRAYLOGIC_MQTT_PASSWORD", "testpass")
	t.Setenv("GRAYLOGIC_API_HOST", "192.168.1.1")
	t.Setenv("GRAYLOGIC_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("GRAYLOGIC_JWT_SECRET", "jwt-secret")
	t.Setenv("GRAYLOGIC_BEACON_RADIO", "simulated")
	t.Setenv("GRAYLOGIC_BEACON_EXIT_TIMEOUT", "20s")

	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}

	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}

	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}

	if cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth.Password = %q, want %q", cfg.MQTT.Auth.Password, "testpass")
	}

	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "192.168.1.1")
	}

	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}

	if cfg.Security.JWT.Secret != "jwt-secret" {
		t.Errorf("Security.JWT.Secret = %q, want %q", cfg.Security.JWT.Secret, "jwt-secret")
	}

	if cfg.Beacon.Radio != RadioSimulated {
		t.Errorf("Beacon.Radio = %q, want %q", cfg.Beacon.Radio, RadioSimulated)
	}

	if cfg.Beacon.ExitTimeout != 20*time.Second {
		t.Errorf("Beacon.ExitTimeout = %v, want 20s", cfg.Beacon.ExitTimeout)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}

	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}

	if cfg.API.Port != 8081 {
		t.Errorf("defaultConfig API.Port = %d, want 8081", cfg.API.Port)
	}

	if cfg.Beacon.ExitTimeout != 10*time.Second {
		t.Errorf("defaultConfig Beacon.ExitTimeout = %v, want 10s", cfg.Beacon.ExitTimeout)
	}

	if cfg.Beacon.Radio != RadioMQTT {
		t.Errorf("defaultConfig Beacon.Radio = %q, want %q", cfg.Beacon.Radio, RadioMQTT)
	}

	if cfg.Beacon.AdvertiseGateway != "local" {
		t.Errorf("defaultConfig Beacon.AdvertiseGateway = %q, want local", cfg.Beacon.AdvertiseGateway)
	}
}
