// Package influxdb provides InfluxDB connectivity for Gray Logic Beacon.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health checks.
//
// # Purpose
//
// Two measurements are written:
//   - beacon_range: smoothed distance and RSSI per region
//   - beacon_presence: enter/exit transitions as a 0/1 occupancy field
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteBeaconRange(influxdb.RangeSample{RegionID: "lobby", Distance: 1.2, RSSI: -61})
//
// # Error Handling
//
// Batch write failures arrive asynchronously via SetOnError. Connection
// and health check errors are returned directly.
package influxdb
