package scan

import (
	"context"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
)

// Radio is the platform scanning capability.
//
// ArmScan starts a scan session and returns the advertisement stream for it.
// The stream is closed by the radio when the session ends, either because
// DisarmScan was called or because the session was lost. DisarmScan must be
// safe to call when no session is active.
type Radio interface {
	ArmScan(ctx context.Context) (<-chan beacon.Advertisement, error)
	DisarmScan() error
}

// Matcher resolves an advertisement to the registered regions it belongs to.
// *beacon.Registry satisfies it.
type Matcher interface {
	Match(adv beacon.Advertisement) []beacon.Region
}
