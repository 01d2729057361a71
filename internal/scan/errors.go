package scan

import "errors"

// Permanent radio errors. A Radio returns these (optionally wrapped) from
// ArmScan when retrying cannot help. Any other error is treated as transient.
var (
	// ErrPermissionDenied is returned when the platform refuses radio access.
	ErrPermissionDenied = errors.New("scan: permission denied")

	// ErrHardwareOff is returned when the radio is switched off or absent.
	ErrHardwareOff = errors.New("scan: radio hardware off")
)

// IsPermanent reports whether a radio error should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrHardwareOff)
}
