// Package ranging turns sightings into presence events.
//
// The Aggregator owns the BeaconState table and the core lock that keeps it
// in step with the region registry: a region has state if and only if it is
// registered. For each accepted sighting it smooths the RSSI-derived distance
// with an exponential moving average and drives the status machine
//
//	Unseen/Outside -> Ranging -> Inside -> Outside
//
// emitting Enter on entry, Range on every accepted sighting while Inside,
// and Exit when a periodic sweep finds no sighting within the exit timeout.
// Events are handed to the publisher while the lock is held, so per-region
// order always matches acceptance order.
package ranging
