package gatewayd

import "errors"

var (
	// ErrAlreadyRunning is returned by Start while the gateway is supervised.
	ErrAlreadyRunning = errors.New("gatewayd: gateway already running")

	// ErrGatewayStale is recorded when the watchdog kills a silent gateway.
	ErrGatewayStale = errors.New("gatewayd: gateway stopped reporting")
)
