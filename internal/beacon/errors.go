package beacon

import "errors"

// Domain errors for the beacon package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, beacon.ErrRadioUnavailable) {
//	    // ask the user to enable Bluetooth, then retry StartBeacon
//	}
var (
	// ErrInvalidRegion is returned when a region's uuid, identifier, major,
	// minor or measured power is malformed. It is raised before registration.
	ErrInvalidRegion = errors.New("beacon: invalid region")

	// ErrRegionNotFound is returned when an identifier is not registered.
	ErrRegionNotFound = errors.New("beacon: region not found")

	// ErrRadioUnavailable is returned when permission is denied, the radio
	// is switched off, or scan retries are exhausted.
	ErrRadioUnavailable = errors.New("beacon: radio unavailable")

	// ErrListenerFailure wraps an error returned (or a panic raised) by an
	// event listener. It is logged and never propagated.
	ErrListenerFailure = errors.New("beacon: listener failure")
)
