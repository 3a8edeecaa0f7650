package flash

import "fmt"

// VerificationError reports that a write completed but the read-back
// check did not match. The board is intentionally left in bootloader
// mode so the write can be retried without re-entering it.
type VerificationError struct {
	Address  string
	Reason   string
	Expected string
	Actual   string
}

func (e *VerificationError) Error() string {
	if e.Expected != "" {
		return fmt.Sprintf("flash verification on %s: %s (want %s, got %s)",
			e.Address, e.Reason, e.Expected, e.Actual)
	}
	return fmt.Sprintf("flash verification on %s: %s", e.Address, e.Reason)
}
