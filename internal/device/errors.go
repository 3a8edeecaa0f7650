package device

import "fmt"

// IdentificationError reports a device that responded without a usable
// identity. The device state is unchanged; identification is safe to
// retry.
type IdentificationError struct {
	Address string
	Err     error
}

func (e *IdentificationError) Error() string {
	return fmt.Sprintf("could not identify board on %s: %v", e.Address, e.Err)
}

func (e *IdentificationError) Unwrap() error { return e.Err }

// DeviceNotFoundError reports that no connected board matched the
// requested filters.
type DeviceNotFoundError struct {
	Filter string
}

func (e *DeviceNotFoundError) Error() string {
	if e.Filter == "" {
		return "no boards connected"
	}
	return fmt.Sprintf("no connected board matches %s", e.Filter)
}
