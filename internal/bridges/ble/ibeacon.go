package ble

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-beacon/internal/beacon"
)

// iBeacon manufacturer data layout:
//
//	0-1   company identifier, little endian (0x004C Apple)
//	2     beacon type (0x02)
//	3     remaining length (0x15)
//	4-19  proximity UUID
//	20-21 major, big endian
//	22-23 minor, big endian
//	24    measured power at 1 m, signed
const (
	appleCompanyID     = 0x004C
	iBeaconType        = 0x02
	iBeaconDataLength  = 0x15
	iBeaconFrameLength = 25

	// adTypeManufacturer is the AD type of manufacturer specific data.
	adTypeManufacturer = 0xFF
)

// IBeacon is a decoded iBeacon frame.
type IBeacon struct {
	UUID          uuid.UUID
	Major         uint16
	Minor         uint16
	MeasuredPower int
}

// ParseIBeacon decodes manufacturer specific data that starts with the
// company identifier.
//
// Returns ErrShortFrame for truncated data and ErrNotIBeacon for any other
// manufacturer frame.
func ParseIBeacon(data []byte) (IBeacon, error) {
	if len(data) < 4 {
		return IBeacon{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	if binary.LittleEndian.Uint16(data[0:2]) != appleCompanyID ||
		data[2] != iBeaconType || data[3] != iBeaconDataLength {
		return IBeacon{}, ErrNotIBeacon
	}
	if len(data) < iBeaconFrameLength {
		return IBeacon{}, fmt.Errorf("%w: %d bytes, need %d", ErrShortFrame, len(data), iBeaconFrameLength)
	}

	id, err := uuid.FromBytes(data[4:20])
	if err != nil {
		return IBeacon{}, fmt.Errorf("decoding proximity uuid: %w", err)
	}

	return IBeacon{
		UUID:          id,
		Major:         binary.BigEndian.Uint16(data[20:22]),
		Minor:         binary.BigEndian.Uint16(data[22:24]),
		MeasuredPower: int(int8(data[24])),
	}, nil
}

// FindIBeacon walks a raw advertising payload (a sequence of length, type,
// value structures) and decodes the first iBeacon frame in it.
func FindIBeacon(payload []byte) (IBeacon, error) {
	for i := 0; i < len(payload); {
		length := int(payload[i])
		if length == 0 {
			break
		}
		end := i + 1 + length
		if end > len(payload) {
			return IBeacon{}, fmt.Errorf("%w: AD structure at offset %d overruns payload", ErrShortFrame, i)
		}
		if payload[i+1] == adTypeManufacturer {
			if frame, err := ParseIBeacon(payload[i+2 : end]); err == nil {
				return frame, nil
			}
		}
		i = end
	}
	return IBeacon{}, ErrNotIBeacon
}

// FrameForRegion builds the frame advertised for a region. Major and minor
// are required; measured power defaults to beacon.DefaultMeasuredPower.
func FrameForRegion(region beacon.Region) (IBeacon, error) {
	if err := beacon.ValidateRegion(region); err != nil {
		return IBeacon{}, err
	}
	if region.Major == nil || region.Minor == nil {
		return IBeacon{}, fmt.Errorf("%w: advertising requires major and minor", beacon.ErrInvalidRegion)
	}

	power := beacon.DefaultMeasuredPower
	if region.MeasuredPower != nil {
		power = *region.MeasuredPower
	}
	return IBeacon{
		UUID:          region.UUID,
		Major:         *region.Major,
		Minor:         *region.Minor,
		MeasuredPower: power,
	}, nil
}

// Bytes encodes the frame as manufacturer specific data.
func (b IBeacon) Bytes() []byte {
	out := make([]byte, iBeaconFrameLength)
	binary.LittleEndian.PutUint16(out[0:2], appleCompanyID)
	out[2] = iBeaconType
	out[3] = iBeaconDataLength
	copy(out[4:20], b.UUID[:])
	binary.BigEndian.PutUint16(out[20:22], b.Major)
	binary.BigEndian.PutUint16(out[22:24], b.Minor)
	out[24] = byte(int8(b.MeasuredPower)) //nolint:gosec // measured power is a signed byte on the wire
	return out
}

// Advertisement converts the frame into a core advertisement.
func (b IBeacon) Advertisement(rssi int, at time.Time, source string) beacon.Advertisement {
	power := b.MeasuredPower
	return beacon.Advertisement{
		UUID:          b.UUID,
		Major:         b.Major,
		Minor:         b.Minor,
		RSSI:          rssi,
		MeasuredPower: &power,
		Timestamp:     at,
		Source:        source,
	}
}
