package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the beacon service.
const (
	MeasurementBeaconRange    = "beacon_range"
	MeasurementBeaconPresence = "beacon_presence"
)

// RangeSample is one smoothed distance reading for a region.
type RangeSample struct {
	RegionID  string
	UUID      string
	Proximity string
	Distance  float64
	RSSI      int
	Timestamp time.Time
}

// PresenceChange is an enter, exit or error transition for a region.
type PresenceChange struct {
	RegionID  string
	Kind      string
	Inside    bool
	Timestamp time.Time
}

// WriteBeaconRange records a distance sample.
//
// Tags are region and proximity (low cardinality); distance and rssi are fields.
// The write is non-blocking.
func (c *Client) WriteBeaconRange(s RangeSample) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(rangePoint(s))
}

// WriteBeaconPresence records a presence transition. inside is written as
// 1 or 0 so dashboards can graph occupancy.
func (c *Client) WriteBeaconPresence(p PresenceChange) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(presencePoint(p))
}

// WritePoint writes a custom point stamped now.
//
// Example:
//
//	client.WritePoint("beacon_scan",
//	    map[string]string{"radio": "mqtt"},
//	    map[string]interface{}{"dropped": 3})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}

func rangePoint(s RangeSample) *write.Point {
	tags := map[string]string{
		"region":    s.RegionID,
		"proximity": s.Proximity,
	}
	if s.UUID != "" {
		tags["uuid"] = s.UUID
	}
	return write.NewPoint(
		MeasurementBeaconRange,
		tags,
		map[string]interface{}{
			"distance_m": s.Distance,
			"rssi":       s.RSSI,
		},
		stamp(s.Timestamp),
	)
}

func presencePoint(p PresenceChange) *write.Point {
	inside := 0
	if p.Inside {
		inside = 1
	}
	return write.NewPoint(
		MeasurementBeaconPresence,
		map[string]string{
			"region": p.RegionID,
			"kind":   p.Kind,
		},
		map[string]interface{}{
			"inside": inside,
		},
		stamp(p.Timestamp),
	)
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
