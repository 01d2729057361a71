package beacon

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// PresetEstimote names the Estimote factory region.
const PresetEstimote = "estimote"

// Estimote factory defaults. Every Estimote beacon ships with this
// proximity UUID.
var (
	EstimoteUUID = uuid.MustParse("B9407F30-F5F8-466E-AFF9-25556B57FE6D")

	EstimoteIdentifier = "EstimoteSampleRegion"
)

// ParsePresetRegion builds a region from a named vendor preset. The preset
// supplies the UUID; identifier falls back to the preset's default when
// empty.
//
// Returns an error wrapping ErrInvalidRegion for an unknown preset or a
// malformed major/minor.
func ParsePresetRegion(preset, identifier string, major, minor *int) (Region, error) {
	switch strings.ToLower(strings.TrimSpace(preset)) {
	case PresetEstimote:
		if identifier == "" {
			identifier = EstimoteIdentifier
		}
		return ParseRegion(EstimoteUUID.String(), identifier, major, minor)
	default:
		return Region{}, fmt.Errorf("%w: unknown preset %q", ErrInvalidRegion, preset)
	}
}

// ResolveRegion parses either an explicit UUID or a preset, but not both.
// This is the shape of the start and advertise call surfaces.
func ResolveRegion(preset, rawUUID, identifier string, major, minor *int) (Region, error) {
	if preset == "" {
		return ParseRegion(rawUUID, identifier, major, minor)
	}
	if strings.TrimSpace(rawUUID) != "" {
		return Region{}, fmt.Errorf("%w: uuid and preset are mutually exclusive", ErrInvalidRegion)
	}
	return ParsePresetRegion(preset, identifier, major, minor)
}
