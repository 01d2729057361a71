// Gray Logic Beacon - presence detection for Gray Logic sites
//
// This is the main entry point for the beacon service. It monitors iBeacon
// regions reported by BLE scanner gateways (or a simulated radio), turns
// sightings into enter/exit/range events and publishes them over MQTT, the
// HTTP API and its WebSocket stream.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	_ "github.com/nerrad567/gray-logic-beacon/migrations"

	"github.com/nerrad567/gray-logic-beacon/internal/api"
	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
	"github.com/nerrad567/gray-logic-beacon/internal/bridges/ble"
	"github.com/nerrad567/gray-logic-beacon/internal/dispatch"
	"github.com/nerrad567/gray-logic-beacon/internal/gatewayd"
	"github.com/nerrad567/gray-logic-beacon/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-beacon/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-beacon/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-beacon/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-beacon/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-beacon/internal/lifecycle"
	"github.com/nerrad567/gray-logic-beacon/internal/ranging"
	"github.com/nerrad567/gray-logic-beacon/internal/scan"
	"github.com/nerrad567/gray-logic-beacon/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// retentionInterval is how often old history rows are pruned.
const retentionInterval = time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic Beacon",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.ConfigFrom(cfg.Database))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	regionRepo := beacon.NewSQLiteRegionRepository(db.DB)
	history := beacon.NewSQLiteEventHistory(db.DB)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Beacon core
	registry := beacon.NewRegistry()

	dispatcher := dispatch.New()
	dispatcher.SetLogger(log.Component("dispatch"))
	defer dispatcher.Close()

	aggregator := ranging.New(registry, dispatcher, ranging.Options{
		ExitTimeout:          cfg.Beacon.ExitTimeout,
		SweepInterval:        cfg.Beacon.SweepInterval,
		SmoothingAlpha:       cfg.Beacon.SmoothingAlpha,
		EnterThreshold:       cfg.Beacon.EnterThreshold,
		DefaultMeasuredPower: cfg.Beacon.DefaultMeasuredPower,
	})
	aggregator.SetLogger(log.Component("ranging"))

	radio, gatewayRadio, err := buildRadio(cfg.Beacon, mqttClient)
	if err != nil {
		return fmt.Errorf("building radio: %w", err)
	}
	if gatewayRadio != nil {
		gatewayRadio.SetLogger(log.Component("gateway"))
	}
	log.Info("radio selected", "backend", cfg.Beacon.Radio)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
		if gatewayRadio != nil {
			gatewayRadio.ConnectionLost(err)
		}
	})

	engine := scan.NewEngine(radio, registry, scan.Options{
		Retry: scan.RetryPolicy{
			MaxRetries:     cfg.Beacon.Scan.MaxRetries,
			InitialBackoff: cfg.Beacon.Scan.InitialBackoff,
			MaxBackoff:     cfg.Beacon.Scan.MaxBackoff,
			Jitter:         cfg.Beacon.Scan.Jitter,
		},
		QueueSize:     cfg.Beacon.SightingQueueSize,
		FilterUnknown: cfg.Beacon.FilterUnknown,
	})
	engine.SetLogger(log.Component("scan"))

	controller := lifecycle.New(aggregator, dispatcher, engine, lifecycle.Options{
		Repository: regionRepo,
	})
	controller.SetLogger(log.Component("lifecycle"))
	defer func() {
		log.Info("stopping beacon controller")
		if closeErr := controller.Close(); closeErr != nil {
			log.Error("error closing controller", "error", closeErr)
		}
	}()

	// Telemetry: range samples to InfluxDB, presence history to SQLite
	var metrics telemetry.MetricsWriter
	if influxClient != nil {
		metrics = influxClient
	}
	recorder := telemetry.NewRecorder(metrics, history)
	controller.Subscribe(dispatch.AllRegions, recorder)
	go telemetry.RunRetention(ctx, history, cfg.Beacon.HistoryRetention, retentionInterval, log.Component("telemetry"))

	if cfg.Beacon.RestoreRegions {
		restored, restoreErr := controller.RestoreRegions(ctx)
		if restoreErr != nil {
			// Regions stay registered; the next start re-arms the radio.
			log.Warn("restoring regions", "restored", restored, "error", restoreErr)
		} else {
			log.Info("regions restored", "count", restored)
		}
	}

	// iBeacon advertising through the gateways
	advertiser := ble.NewAdvertiser(mqttClient, ble.AdvertiserOptions{
		DefaultGateway: cfg.Beacon.AdvertiseGateway,
		Logger:         log.Component("advertiser"),
	})
	defer func() {
		log.Info("stopping advertisements")
		advertiser.StopAll()
	}()

	// MQTT command surface
	bridge, err := ble.NewBridge(ble.BridgeOptions{
		MQTTClient: mqttClient,
		Controller: controller,
		Version:    version,
		Advertiser: advertiser,
		Logger:     log.Component("ble"),
	})
	if err != nil {
		return fmt.Errorf("creating BLE bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting BLE bridge: %w", err)
	}
	defer func() {
		log.Info("stopping BLE bridge")
		bridge.Stop()
	}()
	log.Info("BLE bridge started")

	// Local scanner gateway (optional)
	var gateway *gatewayd.Supervisor
	if cfg.Beacon.GatewayProcess.Managed {
		gateway, err = startGateway(ctx, cfg.Beacon.GatewayProcess, gatewayRadio, log)
		if err != nil {
			return fmt.Errorf("starting gateway process: %w", err)
		}
		defer func() {
			log.Info("stopping gateway process")
			if stopErr := gateway.Stop(); stopErr != nil {
				log.Error("error stopping gateway process", "error", stopErr)
			}
		}()
	}

	// HTTP API
	apiServer, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Security:   cfg.Security,
		Logger:     log.Component("api"),
		Regions:    controller,
		Version:    version,
		History:    history,
		MQTT:       mqttClient,
		DB:         db,
		Engine:     engine,
		Aggregator: aggregator,
		Dispatcher: dispatcher,
		Recorder:   recorder,
		Gateway:    gateway,
		Advertiser: advertiser,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal",
		"regions", len(controller.Regions()),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	log.Info("Gray Logic Beacon stopped")
	return nil
}

// getConfigPath returns the config path from GRAYLOGIC_CONFIG or the default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildRadio selects the scanning backend. The gateway radio is returned
// separately so MQTT disconnects can end its session.
func buildRadio(cfg config.BeaconConfig, client ble.MQTTClient) (scan.Radio, *ble.GatewayRadio, error) {
	switch cfg.Radio {
	case config.RadioSimulated:
		beacons, err := simulatedBeacons(cfg.Simulated)
		if err != nil {
			return nil, nil, err
		}
		return scan.NewSimulatedRadio(beacons...), nil, nil
	case config.RadioMQTT, "":
		gw := ble.NewGatewayRadio(client, ble.GatewayRadioOptions{
			Gateways:  cfg.Gateways,
			QueueSize: cfg.SightingQueueSize,
		})
		return gw, gw, nil
	default:
		return nil, nil, fmt.Errorf("unknown radio backend %q", cfg.Radio)
	}
}

// startGateway launches the local scanner gateway. With the MQTT radio its
// report freshness drives the watchdog.
func startGateway(ctx context.Context, cfg config.GatewayProcessConfig, radio *ble.GatewayRadio, log *logging.Logger) (*gatewayd.Supervisor, error) {
	gwCfg := gatewayd.ConfigFrom(cfg)
	if radio != nil {
		gwCfg.Liveness = radio
	}

	sup := gatewayd.NewSupervisor(gwCfg)
	sup.SetLogger(log.Component("gatewayd"))
	if err := sup.Start(ctx); err != nil {
		return nil, err
	}
	log.Info("gateway process started",
		"gateway", cfg.Gateway,
		"binary", cfg.Binary,
		"pid", sup.PID(),
	)
	return sup, nil
}

// simulatedBeacons converts the beacon.simulated config section.
func simulatedBeacons(entries []config.SimulatedBeaconConfig) ([]scan.SimulatedBeacon, error) {
	out := make([]scan.SimulatedBeacon, 0, len(entries))
	for i, e := range entries {
		id, err := uuid.Parse(e.UUID)
		if err != nil {
			return nil, fmt.Errorf("simulated beacon %d: %w", i, err)
		}
		out = append(out, scan.SimulatedBeacon{
			UUID:     id,
			Major:    e.Major,
			Minor:    e.Minor,
			RSSI:     e.RSSI,
			Interval: e.Interval,
		})
	}
	return out, nil
}

func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
