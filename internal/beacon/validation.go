package beacon

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxIdentifierLength = 128

	// Measured power is the RSSI at one metre; anything outside this
	// window is a calibration mistake rather than a real radio.
	minMeasuredPower = -127
	maxMeasuredPower = 0

	maxUint16 = 1<<16 - 1
)

// ValidateRegion checks a region before it is registered.
// Every failure wraps ErrInvalidRegion.
func ValidateRegion(r Region) error {
	if err := ValidateIdentifier(r.Identifier); err != nil {
		return err
	}
	if r.UUID == uuid.Nil {
		return fmt.Errorf("%w: uuid is required", ErrInvalidRegion)
	}
	if r.MeasuredPower != nil {
		if p := *r.MeasuredPower; p < minMeasuredPower || p >= maxMeasuredPower {
			return fmt.Errorf("%w: measured power %d out of range [%d, %d)", ErrInvalidRegion, p, minMeasuredPower, maxMeasuredPower)
		}
	}
	return nil
}

// ValidateIdentifier checks a region identifier.
func ValidateIdentifier(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: identifier is required", ErrInvalidRegion)
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("%w: identifier exceeds %d characters", ErrInvalidRegion, maxIdentifierLength)
	}
	// Identifiers are used as MQTT topic segments.
	if strings.ContainsAny(id, "/+#") {
		return fmt.Errorf("%w: identifier must not contain '/', '+' or '#'", ErrInvalidRegion)
	}
	return nil
}

// ParseRegion builds a Region from the loosely typed arguments of the
// startBeacon(uuid, identifier, major?, minor?) call surface.
//
// Parameters:
//   - rawUUID: Proximity UUID in canonical or compact hex form
//   - identifier: Unique region key
//   - major, minor: Optional values; nil matches any
//
// Returns:
//   - Region: The validated region
//   - error: Wraps ErrInvalidRegion on any malformed argument
func ParseRegion(rawUUID, identifier string, major, minor *int) (Region, error) {
	id, err := uuid.Parse(strings.TrimSpace(rawUUID))
	if err != nil {
		return Region{}, fmt.Errorf("%w: uuid %q: %v", ErrInvalidRegion, rawUUID, err)
	}

	r := Region{Identifier: identifier, UUID: id}

	if r.Major, err = parseOptionalUint16("major", major); err != nil {
		return Region{}, err
	}
	if r.Minor, err = parseOptionalUint16("minor", minor); err != nil {
		return Region{}, err
	}

	if err := ValidateRegion(r); err != nil {
		return Region{}, err
	}
	return r, nil
}

func parseOptionalUint16(field string, v *int) (*uint16, error) {
	if v == nil {
		return nil, nil //nolint:nilnil // absent optional value
	}
	if *v < 0 || *v > maxUint16 {
		return nil, fmt.Errorf("%w: %s %d out of range [0, %d]", ErrInvalidRegion, field, *v, maxUint16)
	}
	u := uint16(*v)
	return &u, nil
}
