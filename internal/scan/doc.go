// Package scan owns the radio session and turns raw advertisements into
// sightings for registered regions.
//
// The Engine arms a Radio (the platform capability: a BLE gateway over MQTT,
// or the SimulatedRadio for bench testing), pumps its advertisements on a
// dedicated goroutine, matches each one against the region registry, and
// emits one Sighting per matching region into a bounded queue. The pump never
// blocks on the consumer: a full queue drops the sighting and counts it.
//
// Arm retries transient radio errors with exponential backoff (base 1s,
// cap 30s, ±20% jitter). Permanent errors (ErrPermissionDenied,
// ErrHardwareOff) and retry exhaustion return beacon.ErrRadioUnavailable and
// fire the unavailable handler exactly once.
package scan
