package ble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
	"github.com/nerrad567/gray-logic-beacon/internal/infrastructure/mqtt"
)

const (
	defaultRadioQueueSize = 256

	// gatewayTopicLevel is the gateway segment of graylogic/ble/{gateway}/adv.
	gatewayTopicLevel = 2

	scanOn  = "on"
	scanOff = "off"
)

// MQTTClient is the subset of the MQTT client used by this package.
// *mqtt.Client satisfies it.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error

	// Unsubscribe removes a subscription.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// GatewayRadioOptions configures a GatewayRadio.
type GatewayRadioOptions struct {
	// Gateways limits reports to these gateway names and receives the scan
	// switch on arm and disarm. Empty accepts every gateway.
	Gateways []string

	// QueueSize is the advertisement buffer per session. Default: 256.
	QueueSize int
}

// RadioStats holds gateway radio statistics.
type RadioStats struct {
	Reports        uint64
	Advertisements uint64
	Ignored        uint64 // Reports from gateways not in the allow list
	Malformed      uint64
	Dropped        uint64
	Armed          bool
}

// radioSession is one armed period. Closing it ends the advertisement stream.
type radioSession struct {
	mu      sync.Mutex
	ch      chan beacon.Advertisement
	closed  bool
	started time.Time
}

func (s *radioSession) offer(adv beacon.Advertisement) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- adv:
		return true
	default:
		return false
	}
}

func (s *radioSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// GatewayRadio is a scan.Radio fed by BLE gateways over MQTT.
//
// A session subscribes to graylogic/ble/+/adv. Losing the broker ends the
// session (see ConnectionLost) so the scan engine re-arms it.
type GatewayRadio struct {
	client    MQTTClient
	gateways  []string
	allowed   map[string]bool
	queueSize int
	topic     string

	mu      sync.Mutex // Serialises arm and disarm
	session atomic.Pointer[radioSession]

	seenMu   sync.Mutex
	lastSeen map[string]time.Time // Last report time per gateway

	reports        atomic.Uint64
	advertisements atomic.Uint64
	ignored        atomic.Uint64
	malformed      atomic.Uint64
	dropped        atomic.Uint64

	logger   beacon.Logger
	loggerMu sync.RWMutex
}

// NewGatewayRadio creates a radio backed by the given MQTT client.
func NewGatewayRadio(client MQTTClient, opts GatewayRadioOptions) *GatewayRadio {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultRadioQueueSize
	}

	r := &GatewayRadio{
		client:    client,
		gateways:  opts.Gateways,
		queueSize: opts.QueueSize,
		topic:     mqtt.Topics{}.AllGatewayAdvertisements(),
		lastSeen:  make(map[string]time.Time),
		logger:    beacon.NoopLogger{},
	}
	if len(opts.Gateways) > 0 {
		r.allowed = make(map[string]bool, len(opts.Gateways))
		for _, gw := range opts.Gateways {
			r.allowed[gw] = true
		}
	}
	return r
}

// SetLogger sets the logger for the radio.
func (r *GatewayRadio) SetLogger(logger beacon.Logger) {
	r.loggerMu.Lock()
	defer r.loggerMu.Unlock()
	if logger == nil {
		logger = beacon.NoopLogger{}
	}
	r.logger = logger
}

func (r *GatewayRadio) log() beacon.Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// ArmScan subscribes to gateway reports and switches configured gateways
// on. A disconnected broker is a transient failure.
func (r *GatewayRadio) ArmScan(ctx context.Context) (<-chan beacon.Advertisement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.session.Load(); s != nil {
		return s.ch, nil
	}
	if !r.client.IsConnected() {
		return nil, fmt.Errorf("arming gateway radio: %w", mqtt.ErrNotConnected)
	}

	s := &radioSession{ch: make(chan beacon.Advertisement, r.queueSize), started: time.Now()}
	r.session.Store(s)

	if err := r.client.Subscribe(r.topic, 0, r.handleReport); err != nil {
		r.session.Store(nil)
		return nil, fmt.Errorf("subscribing to gateway reports: %w", err)
	}

	r.switchGateways(scanOn)
	r.log().Info("gateway radio armed", "topic", r.topic, "gateways", len(r.gateways))
	return s.ch, nil
}

// DisarmScan ends the session. Safe to call when not armed.
func (r *GatewayRadio) DisarmScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.session.Swap(nil)
	if s == nil {
		return nil
	}
	s.close()

	if !r.client.IsConnected() {
		return nil
	}
	r.switchGateways(scanOff)
	if err := r.client.Unsubscribe(r.topic); err != nil {
		return fmt.Errorf("unsubscribing gateway reports: %w", err)
	}
	r.log().Info("gateway radio disarmed")
	return nil
}

// ConnectionLost ends the active session after the broker link drops.
// Wire it to the MQTT client's disconnect callback.
func (r *GatewayRadio) ConnectionLost(err error) {
	r.mu.Lock()
	s := r.session.Swap(nil)
	r.mu.Unlock()

	if s == nil {
		return
	}
	r.log().Warn("gateway radio session lost", "error", err)
	s.close()
}

// Stats returns radio statistics.
func (r *GatewayRadio) Stats() RadioStats {
	return RadioStats{
		Reports:        r.reports.Load(),
		Advertisements: r.advertisements.Load(),
		Ignored:        r.ignored.Load(),
		Malformed:      r.malformed.Load(),
		Dropped:        r.dropped.Load(),
		Armed:          r.session.Load() != nil,
	}
}

// handleReport decodes one gateway report. Devices that are not iBeacons
// are skipped silently.
func (r *GatewayRadio) handleReport(topic string, payload []byte) error {
	s := r.session.Load()
	if s == nil {
		return nil
	}

	gateway := mqtt.SegmentAt(topic, gatewayTopicLevel)
	if r.allowed != nil && !r.allowed[gateway] {
		r.ignored.Add(1)
		return nil
	}

	var report ScanReport
	if err := json.Unmarshal(payload, &report); err != nil {
		r.malformed.Add(1)
		return fmt.Errorf("%w from %s: %w", ErrInvalidReport, gateway, err)
	}
	r.reports.Add(1)

	if report.Gateway != "" {
		gateway = report.Gateway
	}
	received := time.Now()
	r.markSeen(gateway)

	for _, dev := range report.Devices {
		frame, err := dev.IBeacon()
		if err != nil {
			if !errors.Is(err, ErrNotIBeacon) {
				r.malformed.Add(1)
				r.log().Debug("skipping malformed advertisement", "gateway", gateway, "mac", dev.MAC, "error", err)
			}
			continue
		}

		adv := frame.Advertisement(dev.RSSI, received, gateway)
		adv.ReportedAt = dev.Timestamp
		if adv.ReportedAt.IsZero() {
			adv.ReportedAt = report.Timestamp
		}

		if s.offer(adv) {
			r.advertisements.Add(1)
		} else {
			r.dropped.Add(1)
		}
	}
	return nil
}

func (r *GatewayRadio) markSeen(gateway string) {
	r.seenMu.Lock()
	r.lastSeen[gateway] = time.Now()
	r.seenMu.Unlock()
}

// LastReport returns when gateway last reported, or when the current
// session started if that is later. listening is false while disarmed,
// when gateways are not expected to report.
func (r *GatewayRadio) LastReport(gateway string) (at time.Time, listening bool) {
	s := r.session.Load()
	if s == nil {
		return time.Time{}, false
	}

	r.seenMu.Lock()
	at = r.lastSeen[gateway]
	r.seenMu.Unlock()

	if s.started.After(at) {
		at = s.started
	}
	return at, true
}

// switchGateways publishes the retained scan switch to configured gateways.
func (r *GatewayRadio) switchGateways(state string) {
	for _, gw := range r.gateways {
		if err := r.client.Publish(mqtt.Topics{}.GatewayScan(gw), []byte(state), 1, true); err != nil {
			r.log().Warn("failed to switch gateway scanner", "gateway", gw, "state", state, "error", err)
		}
	}
}
