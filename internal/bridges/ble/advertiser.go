package ble

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
	"github.com/nerrad567/gray-logic-beacon/internal/infrastructure/mqtt"
)

// DefaultAdvertiseGateway is used when neither the request nor the
// options name a gateway.
const DefaultAdvertiseGateway = "local"

// AdvertiserOptions configures an Advertiser.
type AdvertiserOptions struct {
	// DefaultGateway advertises requests that name no gateway.
	DefaultGateway string

	Logger beacon.Logger
}

// Advertising is one active advertisement.
type Advertising struct {
	Identifier string    `json:"identifier"`
	Gateway    string    `json:"gateway"`
	Frame      IBeacon   `json:"-"`
	UUID       string    `json:"uuid"`
	Major      uint16    `json:"major"`
	Minor      uint16    `json:"minor"`
	Power      int       `json:"measured_power"`
	Since      time.Time `json:"since"`
}

// Advertiser makes BLE gateways advertise iBeacon frames on behalf of the
// core. Each identifier is advertised by at most one gateway; advertising
// it again replaces the previous advertisement.
type Advertiser struct {
	publisher      HealthPublisher
	topics         mqtt.Topics
	defaultGateway string

	mu     sync.Mutex
	active map[string]Advertising

	logger   beacon.Logger
	loggerMu sync.RWMutex
}

// NewAdvertiser creates an advertiser publishing through the given client.
func NewAdvertiser(publisher HealthPublisher, opts AdvertiserOptions) *Advertiser {
	if opts.DefaultGateway == "" {
		opts.DefaultGateway = DefaultAdvertiseGateway
	}
	if opts.Logger == nil {
		opts.Logger = beacon.NoopLogger{}
	}
	return &Advertiser{
		publisher:      publisher,
		defaultGateway: opts.DefaultGateway,
		active:         make(map[string]Advertising),
		logger:         opts.Logger,
	}
}

// SetLogger sets the logger for the advertiser.
func (a *Advertiser) SetLogger(logger beacon.Logger) {
	if logger == nil {
		logger = beacon.NoopLogger{}
	}
	a.loggerMu.Lock()
	a.logger = logger
	a.loggerMu.Unlock()
}

func (a *Advertiser) log() beacon.Logger {
	a.loggerMu.RLock()
	defer a.loggerMu.RUnlock()
	return a.logger
}

// StartAdvertising advertises region from gateway ("" for the default).
// An identifier that is already advertising is stopped first. A started or
// failed notification is published either way.
//
// Returns:
//   - Advertising: The active advertisement
//   - error: Wraps beacon.ErrInvalidRegion when the region has no concrete
//     major/minor, or the publish error
func (a *Advertiser) StartAdvertising(region beacon.Region, gateway string) (Advertising, error) {
	if gateway == "" {
		gateway = a.defaultGateway
	}
	frame, err := FrameForRegion(region)
	if err != nil {
		if beacon.ValidateIdentifier(region.Identifier) == nil {
			a.notify(region.Identifier, gateway, AdvertisingFailed, err)
		}
		return Advertising{}, err
	}
	if err := beacon.ValidateIdentifier(gateway); err != nil {
		err = fmt.Errorf("%w: gateway %q", beacon.ErrInvalidRegion, gateway)
		a.notify(region.Identifier, "", AdvertisingFailed, err)
		return Advertising{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.active[region.Identifier]; ok {
		a.stopLocked(prev) //nolint:errcheck // logged by stopLocked
	}

	now := time.Now().UTC()
	msg := AdvertiseMessage{
		Identifier:       region.Identifier,
		UUID:             frame.UUID.String(),
		Major:            frame.Major,
		Minor:            frame.Minor,
		MeasuredPower:    frame.MeasuredPower,
		Timestamp:        now,
		ManufacturerData: hex.EncodeToString(frame.Bytes()),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Advertising{}, fmt.Errorf("marshal advertise message: %w", err)
	}

	if err := a.publisher.Publish(a.topics.GatewayAdvertise(gateway, region.Identifier), payload, 1, true); err != nil {
		a.notify(region.Identifier, gateway, AdvertisingFailed, err)
		return Advertising{}, fmt.Errorf("publish advertise frame: %w", err)
	}

	adv := Advertising{
		Identifier: region.Identifier,
		Gateway:    gateway,
		Frame:      frame,
		UUID:       msg.UUID,
		Major:      frame.Major,
		Minor:      frame.Minor,
		Power:      frame.MeasuredPower,
		Since:      now,
	}
	a.active[region.Identifier] = adv
	a.notify(region.Identifier, gateway, AdvertisingStarted, nil)
	a.log().Info("advertising started", "region", region.Identifier, "gateway", gateway)
	return adv, nil
}

// StopAdvertising stops advertising an identifier.
//
// Returns ErrNotAdvertising when it is not being advertised.
func (a *Advertiser) StopAdvertising(identifier string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	adv, ok := a.active[identifier]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAdvertising, identifier)
	}
	return a.stopLocked(adv)
}

// StopAll stops every advertisement. Used at shutdown so gateways do not
// keep advertising from a retained message.
func (a *Advertiser) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, adv := range a.active {
		a.stopLocked(adv) //nolint:errcheck // logged by stopLocked
	}
}

// Advertisements returns the active advertisements sorted by identifier.
func (a *Advertiser) Advertisements() []Advertising {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Advertising, 0, len(a.active))
	for _, adv := range a.active {
		out = append(out, adv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// stopLocked clears the retained frame. Must be called with mu held.
func (a *Advertiser) stopLocked(adv Advertising) error {
	delete(a.active, adv.Identifier)

	if err := a.publisher.Publish(a.topics.GatewayAdvertise(adv.Gateway, adv.Identifier), nil, 1, true); err != nil {
		a.log().Error("failed to clear advertise frame", "region", adv.Identifier, "gateway", adv.Gateway, "error", err)
		return fmt.Errorf("clear advertise frame: %w", err)
	}
	a.notify(adv.Identifier, adv.Gateway, AdvertisingStopped, nil)
	a.log().Info("advertising stopped", "region", adv.Identifier, "gateway", adv.Gateway)
	return nil
}

func (a *Advertiser) notify(identifier, gateway string, state AdvertisingState, cause error) {
	msg := AdvertisingMessage{
		Identifier: identifier,
		Gateway:    gateway,
		State:      state,
		Timestamp:  time.Now().UTC(),
	}
	if cause != nil {
		msg.Error = cause.Error()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := a.publisher.Publish(a.topics.BeaconAdvertising(identifier), payload, 1, false); err != nil {
		a.log().Warn("failed to publish advertising state", "region", identifier, "error", err)
	}
}
