package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Radio backends selectable in the beacon section.
const (
	RadioMQTT      = "mqtt"
	RadioSimulated = "simulated"
)

// Config is the root configuration structure for Gray Logic Beacon.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Beacon    BeaconConfig    `yaml:"beacon"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket event stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// BeaconConfig contains beacon ranging and scanning settings.
type BeaconConfig struct {
	// Radio selects the scanning backend: "mqtt" (BLE gateways) or "simulated".
	Radio string `yaml:"radio"`

	// ExitTimeout is how long an Inside region may go unsighted before Exit.
	ExitTimeout time.Duration `yaml:"exit_timeout"`

	// SweepInterval is how often exit timeouts are checked.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// SmoothingAlpha is the EMA weight of each new distance sample (0, 1].
	SmoothingAlpha float64 `yaml:"smoothing_alpha"`

	// EnterThreshold is the number of sightings required before Enter.
	EnterThreshold int `yaml:"enter_threshold"`

	// FilterUnknown discards advertisements with RSSI 0.
	FilterUnknown bool `yaml:"filter_unknown"`

	// DefaultMeasuredPower is the assumed RSSI at one metre.
	DefaultMeasuredPower int `yaml:"default_measured_power"`

	// SightingQueueSize bounds the engine to aggregator hand-off.
	SightingQueueSize int `yaml:"sighting_queue_size"`

	// RestoreRegions re-registers persisted regions at startup.
	RestoreRegions bool `yaml:"restore_regions"`

	// HistoryRetention is how long Enter/Exit/Error history is kept.
	HistoryRetention time.Duration `yaml:"history_retention"`

	// Scan configures radio arm retries.
	Scan ScanConfig `yaml:"scan"`

	// Gateways lists BLE gateway IDs to accept; empty accepts all.
	Gateways []string `yaml:"gateways"`

	// AdvertiseGateway advertises iBeacon frames for requests that name
	// no gateway.
	AdvertiseGateway string `yaml:"advertise_gateway"`

	// Simulated lists synthetic beacons for radio: simulated.
	Simulated []SimulatedBeaconConfig `yaml:"simulated"`

	// GatewayProcess runs a scanner gateway on this host.
	GatewayProcess GatewayProcessConfig `yaml:"gateway_process"`
}

// GatewayProcessConfig describes a locally supervised BLE scanner gateway,
// e.g. a BlueZ helper that publishes reports to graylogic/ble/{gateway}/adv.
type GatewayProcessConfig struct {
	Managed bool     `yaml:"managed"`
	Binary  string   `yaml:"binary"`
	Args    []string `yaml:"args"`

	// Gateway is the name the process reports under. Its report freshness
	// is the liveness signal.
	Gateway string `yaml:"gateway"`

	RestartOnFailure   bool          `yaml:"restart_on_failure"`
	RestartDelay       time.Duration `yaml:"restart_delay"`
	MaxRestartDelay    time.Duration `yaml:"max_restart_delay"`
	MaxRestartAttempts int           `yaml:"max_restart_attempts"`

	// StaleAfter restarts a gateway that sends no reports for this long
	// while the radio is armed. Zero disables the watchdog.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// ScanConfig contains radio arm retry settings.
type ScanConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Jitter         float64       `yaml:"jitter"`
}

// SimulatedBeaconConfig describes one synthetic beacon.
type SimulatedBeaconConfig struct {
	UUID     string        `yaml:"uuid"`
	Major    uint16        `yaml:"major"`
	Minor    uint16        `yaml:"minor"`
	RSSI     int           `yaml:"rssi"`
	Interval time.Duration `yaml:"interval"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DATABASE_PATH, GRAYLOGIC_BEACON_RADIO
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Path:        "./data/graylogic-beacon.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-beacon",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8081,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Beacon: BeaconConfig{
			Radio:                RadioMQTT,
			ExitTimeout:          10 * time.Second,
			SweepInterval:        time.Second,
			SmoothingAlpha:       0.3,
			EnterThreshold:       1,
			FilterUnknown:        true,
			DefaultMeasuredPower: -59,
			SightingQueueSize:    256,
			RestoreRegions:       true,
			HistoryRetention:     30 * 24 * time.Hour,
			AdvertiseGateway:     "local",
			Scan: ScanConfig{
				MaxRetries:     4,
				InitialBackoff: time.Second,
				MaxBackoff:     30 * time.Second,
				Jitter:         0.2,
			},
			GatewayProcess: GatewayProcessConfig{
				Gateway:            "local",
				RestartOnFailure:   true,
				RestartDelay:       5 * time.Second,
				MaxRestartDelay:    5 * time.Minute,
				MaxRestartAttempts: 10,
				StaleAfter:         2 * time.Minute,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// JWT secret: always override in production
	if v := os.Getenv("GRAYLOGIC_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	if v := os.Getenv("GRAYLOGIC_BEACON_RADIO"); v != "" {
		cfg.Beacon.Radio = v
	}
	if v := os.Getenv("GRAYLOGIC_BEACON_EXIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Beacon.ExitTimeout = d
		}
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Anyone holding a forged token can add or remove monitored regions.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set GRAYLOGIC_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	errs = append(errs, c.Beacon.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (b *BeaconConfig) validate() []string {
	var errs []string

	switch b.Radio {
	case RadioMQTT, RadioSimulated:
	default:
		errs = append(errs, fmt.Sprintf("beacon.radio must be %q or %q", RadioMQTT, RadioSimulated))
	}
	if b.ExitTimeout <= 0 {
		errs = append(errs, "beacon.exit_timeout must be positive")
	}
	if b.SweepInterval <= 0 {
		errs = append(errs, "beacon.sweep_interval must be positive")
	} else if b.ExitTimeout > 0 && b.SweepInterval > b.ExitTimeout {
		errs = append(errs, "beacon.sweep_interval must not exceed beacon.exit_timeout")
	}
	if b.SmoothingAlpha <= 0 || b.SmoothingAlpha > 1 {
		errs = append(errs, "beacon.smoothing_alpha must be in (0, 1]")
	}
	if b.EnterThreshold < 1 {
		errs = append(errs, "beacon.enter_threshold must be at least 1")
	}
	if b.DefaultMeasuredPower >= 0 || b.DefaultMeasuredPower < -127 {
		errs = append(errs, "beacon.default_measured_power must be between -127 and -1")
	}
	if b.SightingQueueSize < 1 {
		errs = append(errs, "beacon.sighting_queue_size must be at least 1")
	}
	if b.Scan.MaxRetries < 0 {
		errs = append(errs, "beacon.scan.max_retries must not be negative")
	}
	if b.Scan.InitialBackoff <= 0 || b.Scan.MaxBackoff < b.Scan.InitialBackoff {
		errs = append(errs, "beacon.scan backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if b.Scan.Jitter < 0 || b.Scan.Jitter >= 1 {
		errs = append(errs, "beacon.scan.jitter must be in [0, 1)")
	}
	if strings.ContainsAny(b.AdvertiseGateway, "/+#") {
		errs = append(errs, "beacon.advertise_gateway must not contain '/', '+' or '#'")
	}
	if b.Radio == RadioSimulated && len(b.Simulated) == 0 {
		errs = append(errs, "beacon.simulated must list at least one beacon when radio is simulated")
	}
	if gp := b.GatewayProcess; gp.Managed {
		if gp.Binary == "" {
			errs = append(errs, "beacon.gateway_process.binary is required when managed")
		}
		if gp.Gateway == "" {
			errs = append(errs, "beacon.gateway_process.gateway is required when managed")
		}
		if gp.StaleAfter < 0 {
			errs = append(errs, "beacon.gateway_process.stale_after must not be negative")
		}
	}

	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
