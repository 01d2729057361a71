package mqtt

import "fmt"

// Topic prefixes for the beacon service.
//
// Beacon topics use the flat bridge scheme: graylogic/{category}/beacon/{identifier}.
// Gateway advertisement reports arrive on graylogic/ble/{gateway}/adv.
const (
	// TopicPrefix is the root of every Gray Logic topic.
	TopicPrefix = "graylogic"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "graylogic/system"

	// TopicPrefixBLE is the base for raw BLE gateway traffic.
	TopicPrefixBLE = "graylogic/ble"

	// BeaconProtocol is the protocol segment used by beacon bridge topics.
	BeaconProtocol = "beacon"
)

// Topics provides builders for Gray Logic MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.BeaconEvent("lobby")
//	// Returns: "graylogic/event/beacon/lobby"
type Topics struct{}

// =============================================================================
// Beacon Topics
// =============================================================================

// BeaconCommand returns the topic start/stop commands arrive on.
//
// Example: graylogic/command/beacon/lobby
func (Topics) BeaconCommand(identifier string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, BeaconProtocol, identifier)
}

// BeaconAck returns the topic command acknowledgements are sent to.
//
// Example: graylogic/ack/beacon/lobby
func (Topics) BeaconAck(identifier string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, BeaconProtocol, identifier)
}

// BeaconEvent returns the topic enter/exit/range/error events are published on.
//
// Example: graylogic/event/beacon/lobby
func (Topics) BeaconEvent(identifier string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefix, BeaconProtocol, identifier)
}

// BeaconState returns the retained presence state topic for a region.
//
// Example: graylogic/state/beacon/lobby
func (Topics) BeaconState(identifier string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, BeaconProtocol, identifier)
}

// BeaconHealth returns the beacon service health topic.
//
// Example: graylogic/health/beacon
func (Topics) BeaconHealth() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, BeaconProtocol)
}

// BeaconErrors returns the topic for errors not tied to one region,
// such as the radio becoming unavailable.
//
// Example: graylogic/event/beacon/_system
func (Topics) BeaconErrors() string {
	return fmt.Sprintf("%s/event/%s/_system", TopicPrefix, BeaconProtocol)
}

// BeaconAdvertising returns the topic advertising started/stopped
// notifications are published on.
//
// Example: graylogic/advertising/beacon/lobby
func (Topics) BeaconAdvertising(identifier string) string {
	return fmt.Sprintf("%s/advertising/%s/%s", TopicPrefix, BeaconProtocol, identifier)
}

// GatewayAdvertise returns the retained topic that tells a gateway to
// advertise an iBeacon frame. An empty payload stops it.
//
// Example: graylogic/ble/gw-hall/advertise/lobby
func (Topics) GatewayAdvertise(gateway, identifier string) string {
	return fmt.Sprintf("%s/%s/advertise/%s", TopicPrefixBLE, gateway, identifier)
}

// GatewayAdvertisements returns the topic a BLE gateway publishes scan reports on.
//
// Example: graylogic/ble/gw-hall/adv
func (Topics) GatewayAdvertisements(gateway string) string {
	return fmt.Sprintf("%s/%s/adv", TopicPrefixBLE, gateway)
}

// GatewayScan returns the topic used to switch a gateway's scanner on or off.
//
// Example: graylogic/ble/gw-hall/scan
func (Topics) GatewayScan(gateway string) string {
	return fmt.Sprintf("%s/%s/scan", TopicPrefixBLE, gateway)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the system status topic.
//
// Example: graylogic/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllBeaconCommands returns a pattern matching commands for every region.
//
// Pattern: graylogic/command/beacon/+
func (Topics) AllBeaconCommands() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, BeaconProtocol)
}

// AllBeaconStates returns a pattern matching every retained region state.
//
// Pattern: graylogic/state/beacon/+
func (Topics) AllBeaconStates() string {
	return fmt.Sprintf("%s/state/%s/+", TopicPrefix, BeaconProtocol)
}

// AllGatewayAdvertisements returns a pattern matching scan reports from every gateway.
//
// Pattern: graylogic/ble/+/adv
func (Topics) AllGatewayAdvertisements() string {
	return fmt.Sprintf("%s/+/adv", TopicPrefixBLE)
}

// AllGatewayScans returns a pattern matching the scan switch of every gateway.
//
// Pattern: graylogic/ble/+/scan
func (Topics) AllGatewayScans() string {
	return fmt.Sprintf("%s/+/scan", TopicPrefixBLE)
}

// LastSegment returns the final level of a topic, which carries the region
// identifier for beacon topics.
func LastSegment(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			return topic[i+1:]
		}
	}
	return topic
}

// SegmentAt returns the zero-based level of a topic, or "" if the topic is
// shorter.
func SegmentAt(topic string, level int) string {
	start, n := 0, 0
	for i := 0; i <= len(topic); i++ {
		if i == len(topic) || topic[i] == '/' {
			if n == level {
				return topic[start:i]
			}
			n++
			start = i + 1
		}
	}
	return ""
}
