package beacon

import "math"

// DefaultMeasuredPower is the calibrated RSSI at one metre assumed when
// neither the region nor the advertisement carries one.
const DefaultMeasuredPower = -59

// Proximity is a coarse distance bucket.
type Proximity string

const (
	ProximityUnknown   Proximity = "unknown"
	ProximityImmediate Proximity = "immediate"
	ProximityNear      Proximity = "near"
	ProximityFar       Proximity = "far"
)

// Proximity thresholds in metres.
const (
	immediateThreshold = 0.5
	nearThreshold      = 4.0
)

// EstimateDistance converts an RSSI reading to an approximate distance in
// metres using the log-distance fit commonly used for iBeacons.
// It returns -1 when rssi is 0, which radios report for unusable readings.
func EstimateDistance(rssi, measuredPower int) float64 {
	if rssi == 0 {
		return -1
	}
	if measuredPower == 0 {
		measuredPower = DefaultMeasuredPower
	}

	ratio := float64(rssi) / float64(measuredPower)
	if ratio < 1.0 {
		return math.Pow(ratio, 10)
	}
	return 0.89976*math.Pow(ratio, 7.7095) + 0.111
}

// ProximityFor buckets a distance. A zero RSSI or a negative distance is
// unknown.
func ProximityFor(distance float64, rssi int) Proximity {
	switch {
	case rssi == 0 || distance < 0:
		return ProximityUnknown
	case distance < immediateThreshold:
		return ProximityImmediate
	case distance < nearThreshold:
		return ProximityNear
	default:
		return ProximityFar
	}
}

// ResolveMeasuredPower picks the calibration value for a sighting: the
// region's own value first, then the advertised tx power, then fallback.
func ResolveMeasuredPower(region Region, advertised *int, fallback int) int {
	if region.MeasuredPower != nil {
		return *region.MeasuredPower
	}
	if advertised != nil && *advertised != 0 {
		return *advertised
	}
	if fallback == 0 {
		return DefaultMeasuredPower
	}
	return fallback
}
