// Package beacon defines the beacon domain model for Gray Logic Beacon.
//
// A Region is a beacon identity pattern (a proximity UUID plus optional
// major and minor values) that the system monitors. Raw radio frames arrive
// as Advertisements, are matched against registered regions to become
// Sightings, and are turned into Events (Enter, Exit, Range, Error) by the
// ranging aggregator.
//
// This package provides:
//   - Region, Sighting, Advertisement, BeaconState and Event types
//   - Region validation and parsing of loosely typed boundary arguments
//   - Registry, the thread-safe in-memory set of monitored regions
//   - RSSI to distance estimation and proximity binning
//   - SQLite persistence for regions and the event history
//
// # Thread Safety
//
// Registry and the SQLite repositories are safe for concurrent use.
// Region, Sighting and Event values are immutable once constructed.
//
// # Usage
//
//	region, err := beacon.ParseRegion("f7826da6-4fa2-4e98-8024-bc5b71e0893e", "lobby", &major, nil)
//	if err != nil {
//	    return err // wraps beacon.ErrInvalidRegion
//	}
//	registry := beacon.NewRegistry()
//	if err := registry.Register(region); err != nil {
//	    return err
//	}
package beacon
