package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
	"github.com/nerrad567/gray-logic-beacon/internal/bridges/ble"
	"github.com/nerrad567/gray-logic-beacon/internal/dispatch"
	"github.com/nerrad567/gray-logic-beacon/internal/gatewayd"
	"github.com/nerrad567/gray-logic-beacon/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-beacon/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-beacon/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-beacon/internal/ranging"
	"github.com/nerrad567/gray-logic-beacon/internal/scan"
	"github.com/nerrad567/gray-logic-beacon/internal/telemetry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// RegionService is the lifecycle controller as seen by the API.
// *lifecycle.Controller satisfies it.
type RegionService interface {
	StartBeacon(ctx context.Context, region beacon.Region, listener dispatch.Listener) (dispatch.Handle, error)
	StopBeacon(ctx context.Context, identifier string) error
	Regions() []beacon.Region
	Region(identifier string) (beacon.Region, beacon.BeaconState, bool)
	Subscribe(identifier string, listener dispatch.Listener) dispatch.Handle
	Unsubscribe(h dispatch.Handle) bool
	Armed() bool
	RadioUnavailableCount() uint64
}

// AdvertisingService makes gateways advertise regions as iBeacons.
// *ble.Advertiser satisfies it.
type AdvertisingService interface {
	StartAdvertising(region beacon.Region, gateway string) (ble.Advertising, error)
	StopAdvertising(identifier string) error
	Advertisements() []ble.Advertising
}

// ConnectionChecker reports broker connectivity. *mqtt.Client satisfies it.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Regions  RegionService
	Version  string

	// Optional
	History    beacon.EventHistory
	MQTT       ConnectionChecker
	DB         *database.DB
	Engine     *scan.Engine
	Aggregator *ranging.Aggregator
	Dispatcher *dispatch.Dispatcher
	Recorder   *telemetry.Recorder
	Gateway    *gatewayd.Supervisor
	Advertiser AdvertisingService
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	secret     []byte
	logger     *logging.Logger
	regions    RegionService
	history    beacon.EventHistory
	mqtt       ConnectionChecker
	db         *database.DB
	engine     *scan.Engine
	aggregator *ranging.Aggregator
	dispatcher *dispatch.Dispatcher
	recorder   *telemetry.Recorder
	gateway    *gatewayd.Supervisor
	advertiser AdvertisingService
	version    string
	startTime  time.Time

	server  *http.Server
	hub     *Hub
	tickets *ticketStore
	handle  dispatch.Handle    // hub subscription
	cancel  context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, region service)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Regions == nil {
		return nil, fmt.Errorf("region service is required")
	}
	if deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	return &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		secret:     []byte(deps.Security.JWT.Secret),
		logger:     deps.Logger,
		regions:    deps.Regions,
		history:    deps.History,
		mqtt:       deps.MQTT,
		db:         deps.DB,
		engine:     deps.Engine,
		aggregator: deps.Aggregator,
		dispatcher: deps.Dispatcher,
		recorder:   deps.Recorder,
		gateway:    deps.Gateway,
		advertiser: deps.Advertiser,
		version:    deps.Version,
		startTime:  time.Now(),
		hub:        NewHub(deps.WS, deps.Logger),
		tickets:    newTicketStore(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, subscribes it to every region's events, and
// launches the HTTP listener in a background goroutine. The server can be
// stopped with Close().
//
// Parameters:
//   - ctx: Parent context for background goroutines
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	s.handle = s.regions.Subscribe(dispatch.AllRegions, s.hub)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.handle != "" {
		s.regions.Unsubscribe(s.handle)
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
