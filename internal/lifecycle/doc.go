// Package lifecycle provides the Controller, the top-level StartBeacon /
// StopBeacon surface that wires the region registry, scan engine, ranging
// aggregator and event dispatcher together.
//
// # State Machine
//
//	Idle --StartBeacon--> Starting --arm ok--> Running
//	Starting --arm failed--> Idle (registration rolled back)
//	Running --StopBeacon(last region)--> Stopping --> Idle
//	Running --radio unavailable--> Idle (registrations kept)
//
// Start and stop calls are serialised per controller. The aggregator's core
// lock is only taken for in-memory updates; radio I/O happens outside it.
//
// # Usage
//
//	ctrl := lifecycle.New(agg, dispatcher, engine, lifecycle.Options{})
//	defer ctrl.Close()
//
//	h, err := ctrl.StartBeacon(ctx, region, dispatch.ListenerFunc(onEvent))
//	if errors.Is(err, beacon.ErrRadioUnavailable) {
//	    // radio off or permission denied; retry later
//	}
//	defer ctrl.StopBeacon(ctx, region.Identifier)
package lifecycle
