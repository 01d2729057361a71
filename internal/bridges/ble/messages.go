package ble

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
)

// MQTT message types exchanged by the beacon bridge.

// ScanReport is published by a BLE gateway with the advertisements it heard.
// Topic: graylogic/ble/{gateway}/adv
type ScanReport struct {
	// Gateway overrides the gateway name taken from the topic.
	Gateway string `json:"gateway,omitempty"`

	// Timestamp applies to devices that carry no timestamp of their own.
	// Gateway clocks are kept as metadata only; advertisements are stamped
	// when the report arrives.
	Timestamp time.Time `json:"timestamp"`

	Devices []DeviceReport `json:"devices"`
}

// DeviceReport is one advertisement heard by a gateway.
type DeviceReport struct {
	// MAC is the advertiser address, informational only.
	MAC string `json:"mac,omitempty"`

	RSSI int `json:"rssi"`

	// ManufacturerData is the hex-encoded manufacturer specific data,
	// starting with the company identifier.
	ManufacturerData string `json:"manufacturer_data,omitempty"`

	// Data is the hex-encoded raw advertising payload. Used when
	// ManufacturerData is empty.
	Data string `json:"data,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// IBeacon decodes the iBeacon frame carried by the report.
func (d DeviceReport) IBeacon() (IBeacon, error) {
	switch {
	case d.ManufacturerData != "":
		raw, err := decodeHex(d.ManufacturerData)
		if err != nil {
			return IBeacon{}, err
		}
		return ParseIBeacon(raw)
	case d.Data != "":
		raw, err := decodeHex(d.Data)
		if err != nil {
			return IBeacon{}, err
		}
		return FindIBeacon(raw)
	default:
		return IBeacon{}, ErrNotIBeacon
	}
}

// decodeHex accepts plain hex with optional "0x" prefix and ':' or ' ' separators.
func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(":", "", " ", "", "-", "").Replace(s)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidReport, err)
	}
	return raw, nil
}

// Command names.
const (
	CommandStart         = "start"
	CommandStop          = "stop"
	CommandAdvertise     = "advertise"
	CommandStopAdvertise = "stop_advertise"
)

// CommandMessage starts or stops monitoring or advertising a region.
// Topic: graylogic/command/beacon/{identifier}
type CommandMessage struct {
	// ID correlates the command with its acknowledgement.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// Command is "start", "stop", "advertise" or "stop_advertise".
	Command string `json:"command"`

	UUID string `json:"uuid,omitempty"`

	// Preset names a vendor region ("estimote") instead of a UUID.
	Preset string `json:"preset,omitempty"`

	// Gateway selects the advertising gateway. Defaults to the
	// advertiser's configured gateway.
	Gateway string `json:"gateway,omitempty"`

	// Identifier defaults to the last topic segment and must match it
	// when both are given.
	Identifier string `json:"identifier,omitempty"`

	Major         *int `json:"major,omitempty"`
	Minor         *int `json:"minor,omitempty"`
	MeasuredPower *int `json:"measured_power,omitempty"`

	// Reply set to false makes the command fire-and-forget: no ack is
	// published and failures surface only as error events.
	Reply *bool `json:"reply,omitempty"`

	// Source indicates where the command originated ("api", "automation").
	Source string `json:"source,omitempty"`
}

// WantsReply reports whether an acknowledgement should be published.
func (c CommandMessage) WantsReply() bool {
	return c.Reply == nil || *c.Reply
}

// AckStatus represents the acknowledgement status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was applied.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be applied.
	AckFailed AckStatus = "failed"
)

// AckMessage acknowledges a command.
// Topic: graylogic/ack/beacon/{identifier}
type AckMessage struct {
	CommandID  string    `json:"command_id"`
	Timestamp  time.Time `json:"timestamp"`
	Identifier string    `json:"identifier"`
	Command    string    `json:"command"`
	Status     AckStatus `json:"status"`
	Protocol   string    `json:"protocol"`
	Error      *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeInvalidCommand   = "INVALID_COMMAND"
	ErrCodeInvalidRegion    = "INVALID_REGION"
	ErrCodeNotFound         = "REGION_NOT_FOUND"
	ErrCodeRadioUnavailable = "RADIO_UNAVAILABLE"
	ErrCodeBridgeError      = "BRIDGE_ERROR"
	ErrCodeNotAdvertising   = "NOT_ADVERTISING"
	ErrCodeBusy             = "BUSY"
)

// EventMessage carries one beacon event.
// Topic: graylogic/event/beacon/{identifier}, or graylogic/event/beacon/_system
// for region-less errors.
type EventMessage struct {
	ID         string           `json:"id"`
	Kind       beacon.EventKind `json:"kind"`
	Identifier string           `json:"identifier,omitempty"`
	UUID       string           `json:"uuid,omitempty"`
	Major      *uint16          `json:"major,omitempty"`
	Minor      *uint16          `json:"minor,omitempty"`
	Distance   float64          `json:"distance,omitempty"`
	RSSI       int              `json:"rssi,omitempty"`
	Proximity  beacon.Proximity `json:"proximity,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// NewEventMessage converts a core event.
func NewEventMessage(e beacon.Event) EventMessage {
	msg := EventMessage{
		ID:        e.ID,
		Kind:      e.Kind,
		Distance:  e.Distance,
		RSSI:      e.RSSI,
		Proximity: e.Proximity,
		Reason:    e.ReasonText(),
		Timestamp: e.Timestamp.UTC(),
	}
	if e.Region != nil {
		msg.Identifier = e.Region.Identifier
		if e.Region.UUID != uuid.Nil {
			msg.UUID = e.Region.UUID.String()
		}
		msg.Major = e.Region.Major
		msg.Minor = e.Region.Minor
	}
	return msg
}

// StateMessage is the retained presence state of a region.
// Topic: graylogic/state/beacon/{identifier}
// QoS: 1, Retained: Yes
type StateMessage struct {
	Identifier string        `json:"identifier"`
	Timestamp  time.Time     `json:"timestamp"`
	Status     beacon.Status `json:"status"`
	Inside     bool          `json:"inside"`
}

// NewStateMessage builds the presence state implied by an Enter or Exit
// event. ok is false for other kinds.
func NewStateMessage(e beacon.Event) (msg StateMessage, ok bool) {
	msg = StateMessage{Identifier: e.RegionID(), Timestamp: e.Timestamp.UTC()}
	switch e.Kind {
	case beacon.EventEnter:
		msg.Status, msg.Inside = beacon.StatusInside, true
	case beacon.EventExit:
		msg.Status, msg.Inside = beacon.StatusOutside, false
	default:
		return StateMessage{}, false
	}
	return msg, true
}

// HealthStatus represents the overall service health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage reports service health.
// Topic: graylogic/health/beacon
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Regions       int          `json:"regions"`
	RadioArmed    bool         `json:"radio_armed"`
	Reason        string       `json:"reason,omitempty"`
}

// AdvertiseMessage tells a gateway to advertise an iBeacon frame.
// Topic: graylogic/ble/{gateway}/advertise/{identifier}
// QoS: 1, Retained: Yes (an empty payload stops advertising)
type AdvertiseMessage struct {
	Identifier    string    `json:"identifier"`
	UUID          string    `json:"uuid"`
	Major         uint16    `json:"major"`
	Minor         uint16    `json:"minor"`
	MeasuredPower int       `json:"measured_power"`
	Timestamp     time.Time `json:"timestamp"`

	// ManufacturerData is the hex-encoded frame, ready to hand to the
	// gateway's advertising API.
	ManufacturerData string `json:"manufacturer_data"`
}

// AdvertisingState is the state reported in an AdvertisingMessage.
type AdvertisingState string

const (
	AdvertisingStarted AdvertisingState = "started"
	AdvertisingStopped AdvertisingState = "stopped"
	AdvertisingFailed  AdvertisingState = "failed"
)

// AdvertisingMessage reports that advertising started, stopped or failed.
// Topic: graylogic/advertising/beacon/{identifier}
type AdvertisingMessage struct {
	Identifier string           `json:"identifier"`
	Gateway    string           `json:"gateway"`
	State      AdvertisingState `json:"state"`
	Error      string           `json:"error,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}
