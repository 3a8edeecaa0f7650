package bootloader

import (
	"fmt"
	"strings"
)

// TimeoutError reports that every configured method was tried and the
// board never reached bootloader mode.
type TimeoutError struct {
	Address  string
	Attempts []Session
}

func (e *TimeoutError) Error() string {
	names := make([]string, len(e.Attempts))
	for i, s := range e.Attempts {
		names[i] = s.Method
	}
	return fmt.Sprintf("no bootloader on %s after trying %s", e.Address, strings.Join(names, ", "))
}
