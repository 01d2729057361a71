// Package mqtt provides MQTT client connectivity for Gray Logic Beacon.
//
// This package manages:
//   - Connection to the Mosquitto broker with auto-reconnect
//   - Publishing with QoS and size validation
//   - Wildcard subscriptions replayed after reconnect
//   - Last Will and Testament on graylogic/system/status
//   - Topic builders for beacon commands, events, state and BLE gateways
//
// # Architecture
//
// The beacon service sits on the same bus as the other Gray Logic bridges.
// BLE scanner gateways publish advertisement reports; the service publishes
// enter/exit/range events and retained presence state per region.
//
//	BLE Gateways → MQTT Broker ↔ Gray Logic Beacon ↔ MQTT Broker → Core
//
// # Security Considerations
//
//   - Enable TLS (cfg.Broker.TLS) outside the local network
//   - Credentials are checked against the broker ACL
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllBeaconCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        id := mqtt.LastSegment(topic)
//	        return handle(id, payload)
//	    })
//
//	client.PublishJSON(mqtt.Topics{}.BeaconState("lobby"), state, true)
package mqtt
