// Package ble connects the beacon core to the MQTT bus.
//
// It has two halves:
//
//	┌──────────────┐  graylogic/ble/+/adv   ┌──────────────┐
//	│ BLE gateways │──────────────────────►│ GatewayRadio │──► scan.Engine
//	└──────────────┘                        └──────────────┘
//
//	┌──────────────┐  graylogic/command/beacon/{id}  ┌────────┐
//	│  Core / apps │◄───────────────────────────────►│ Bridge │◄──► lifecycle.Controller
//	└──────────────┘  ack / event / state / health   └────────┘
//
// GatewayRadio is a scan.Radio fed by scanner gateways (ESP32, Raspberry Pi
// and similar) that publish JSON advertisement reports with hex-encoded
// manufacturer data. Only Apple iBeacon frames are decoded; every other
// advertisement is skipped.
//
// Bridge is the command boundary. It accepts start and stop commands for a
// region, acknowledges them unless the command opts out of a reply, and
// publishes every beacon event together with retained presence state.
// Commands run on a single worker so a slow radio arm never holds up the
// MQTT client.
//
// Advertiser goes the other way: it asks a gateway to advertise an iBeacon
// frame on the host's behalf (graylogic/ble/{gateway}/advertise/{id}).
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package ble
