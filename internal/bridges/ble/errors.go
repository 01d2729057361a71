package ble

import "errors"

// Domain errors for the BLE bridge package.
var (
	// ErrNotIBeacon is returned when a frame is not an Apple iBeacon
	// advertisement.
	ErrNotIBeacon = errors.New("ble: not an ibeacon frame")

	// ErrShortFrame is returned when a frame is truncated.
	ErrShortFrame = errors.New("ble: frame too short")

	// ErrInvalidReport is returned when a gateway report cannot be decoded.
	ErrInvalidReport = errors.New("ble: invalid gateway report")

	// ErrNotAdvertising is returned when stopping an identifier that is
	// not being advertised.
	ErrNotAdvertising = errors.New("ble: not advertising")
)
