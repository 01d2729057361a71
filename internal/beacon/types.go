package beacon

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Region is a beacon identity pattern being monitored.
//
// Identifier is the unique key. Major and Minor are optional; a nil value
// matches any value on the air. Regions are immutable once registered:
// registering the same identifier again replaces the previous definition.
type Region struct {
	Identifier string    `json:"identifier"`
	UUID       uuid.UUID `json:"uuid"`
	Major      *uint16   `json:"major,omitempty"`
	Minor      *uint16   `json:"minor,omitempty"`

	// MeasuredPower is the calibrated RSSI at one metre. When nil the
	// advertised tx power, then the configured default, is used.
	MeasuredPower *int `json:"measured_power,omitempty"`

	// generation is stamped by Registry.Register; zero outside a registry.
	generation uint64
}

// Generation identifies the registration this copy came from. Each
// Register call gets a new one, so sightings matched against an earlier
// registration of the same identifier can be told apart.
func (r Region) Generation() uint64 {
	return r.generation
}

// Matches reports whether an advertisement belongs to this region.
func (r Region) Matches(adv Advertisement) bool {
	if r.UUID != adv.UUID {
		return false
	}
	if r.Major != nil && *r.Major != adv.Major {
		return false
	}
	if r.Minor != nil && *r.Minor != adv.Minor {
		return false
	}
	return true
}

// Equal reports whether two regions have the same definition.
func (r Region) Equal(o Region) bool {
	return r.Identifier == o.Identifier &&
		r.UUID == o.UUID &&
		equalPtr(r.Major, o.Major) &&
		equalPtr(r.Minor, o.Minor) &&
		equalPtr(r.MeasuredPower, o.MeasuredPower)
}

// String returns a compact representation such as "lobby(f7826da6-...:1:*)".
func (r Region) String() string {
	return fmt.Sprintf("%s(%s:%s:%s)", r.Identifier, r.UUID, fmtOptional(r.Major), fmtOptional(r.Minor))
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func fmtOptional(v *uint16) string {
	if v == nil {
		return "*"
	}
	return fmt.Sprintf("%d", *v)
}

// Advertisement is one raw iBeacon frame observed by a radio.
type Advertisement struct {
	UUID  uuid.UUID
	Major uint16
	Minor uint16
	RSSI  int

	// MeasuredPower is the tx power byte from the frame, if present.
	MeasuredPower *int

	// Timestamp is when the frame was received on this host. It carries a
	// monotonic reading and is the only time ranging compares.
	Timestamp time.Time

	// ReportedAt is the receiver's own clock reading, if it sent one.
	// Informational only; remote clocks may be skewed.
	ReportedAt time.Time

	// Source names the receiver (gateway ID, "simulated", ...).
	Source string
}

// Sighting is an advertisement attributed to one registered region.
// Sightings are ephemeral and consumed by the ranging aggregator.
type Sighting struct {
	RegionID      string
	RSSI          int
	Timestamp     time.Time
	MeasuredPower *int

	// Generation of the registration the advertisement matched. Zero skips
	// the check.
	Generation uint64
}

// Status is the presence status of a monitored region.
type Status string

const (
	// StatusUnseen means the region is registered but has never been sighted.
	StatusUnseen Status = "unseen"

	// StatusRanging means the region has been sighted but has not yet
	// reached the enter threshold.
	StatusRanging Status = "ranging"

	// StatusInside means the region is present.
	StatusInside Status = "inside"

	// StatusOutside means the region was present and has timed out.
	StatusOutside Status = "outside"
)

// BeaconState is the ranging state of one registered region.
// It is owned and mutated only by the ranging aggregator.
//
//nolint:revive // BeaconState is the domain term
type BeaconState struct {
	RegionID         string    `json:"region_id"`
	Status           Status    `json:"status"`
	LastSeen         time.Time `json:"last_seen"`
	LastRSSI         int       `json:"last_rssi"`
	SmoothedDistance float64   `json:"smoothed_distance"`

	// Sightings counts accepted sightings since the last transition.
	Sightings int `json:"sightings"`
}

// EventKind tags the Event variant.
type EventKind string

const (
	EventEnter EventKind = "enter"
	EventExit  EventKind = "exit"
	EventRange EventKind = "range"
	EventError EventKind = "error"
)

// Event is an immutable presence notification.
//
// Region is nil only for region-less Error events (for example when the
// radio becomes unavailable). Distance, RSSI and Proximity are set for
// Range events. Reason is set for Error events.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Region    *Region   `json:"region,omitempty"`
	Distance  float64   `json:"distance,omitempty"`
	RSSI      int       `json:"rssi,omitempty"`
	Proximity Proximity `json:"proximity,omitempty"`
	Reason    error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// RegionID returns the identifier of the event's region, or "" when the
// event is region-less.
func (e Event) RegionID() string {
	if e.Region == nil {
		return ""
	}
	return e.Region.Identifier
}

// ReasonText returns the error text for Error events.
func (e Event) ReasonText() string {
	if e.Reason == nil {
		return ""
	}
	return e.Reason.Error()
}

// NewEnter builds an Enter event.
func NewEnter(region Region, at time.Time) Event {
	return Event{ID: NewEventID(at), Kind: EventEnter, Region: &region, Timestamp: at}
}

// NewExit builds an Exit event.
func NewExit(region Region, at time.Time) Event {
	return Event{ID: NewEventID(at), Kind: EventExit, Region: &region, Timestamp: at}
}

// NewRange builds a Range event.
func NewRange(region Region, distance float64, rssi int, at time.Time) Event {
	return Event{
		ID:        NewEventID(at),
		Kind:      EventRange,
		Region:    &region,
		Distance:  distance,
		RSSI:      rssi,
		Proximity: ProximityFor(distance, rssi),
		Timestamp: at,
	}
}

// NewError builds an Error event. region may be nil.
func NewError(region *Region, reason error, at time.Time) Event {
	return Event{ID: NewEventID(at), Kind: EventError, Region: region, Reason: reason, Timestamp: at}
}
