package bootloader

import (
	"context"
	"time"

	"github.com/buckleypaul/molt/internal/device"
)

// Method names accepted by the --bootloader flag.
const (
	MethodRepl      = "repl"
	MethodTouch1200 = "touch1200"
	MethodManual    = "manual"
	MethodRomUSB    = "rom-usb"
)

// DefaultTimeout bounds the presence poll of each timed method.
const DefaultTimeout = 10 * time.Second

// Probe checks whether a board's bootloader interface is present.
type Probe func(ctx context.Context, board device.ConnectedBoard) (bool, error)

// Checks are the presence probes the built-in method table polls
// after a transition action. A nil probe makes its methods trust the
// action without confirmation.
type Checks struct {
	// Volume probes for a mounted mass-storage bootloader volume.
	Volume Probe
	// DFU probes for a DFU-mode USB device.
	DFU Probe
	// RomSync probes the serial ROM loader with a sync handshake. The
	// handshake itself resets the board into the loader.
	RomSync Probe
}

// DefaultMethods builds the per-family method table: uf2 families try
// the firmware's own bootloader call, then the 1200 baud touch, then a
// manual prompt; stm32 tries the bootloader call into DFU mode, then a
// manual prompt; esp families rely on the ROM loader handshake.
// Families absent from the table need no transition.
func DefaultMethods(checks Checks) map[string][]Method {
	uf2 := func(prompt string) []Method {
		return []Method{
			{Name: MethodRepl, Action: requestOverRepl, Poll: checks.Volume, Timeout: DefaultTimeout},
			{Name: MethodTouch1200, Action: touch1200, Poll: checks.Volume, Timeout: DefaultTimeout},
			{Name: MethodManual, Manual: true, Prompt: prompt},
		}
	}
	rom := []Method{
		{Name: MethodRomUSB, Poll: checks.RomSync, Timeout: DefaultTimeout},
	}

	return map[string][]Method{
		device.PortRP2:  uf2("Unplug the USB cable, press and hold the BOOTSEL button, plug the cable back in, then confirm."),
		device.PortSAMD: uf2("Press the reset button twice in fast succession, then confirm."),
		device.PortNRF:  uf2("Press the reset button, then confirm."),
		device.PortSTM32: {
			{Name: MethodRepl, Action: requestOverRepl, Poll: checks.DFU, Timeout: DefaultTimeout},
			{Name: MethodManual, Manual: true, Prompt: "Press the reset button, then confirm."},
		},
		device.PortESP32:   rom,
		device.PortESP8266: rom,
	}
}

// Restrict narrows every family's method list to the single named
// method. "auto" and the empty string keep the full table. A family
// that does not offer the method keeps an empty list, which Enter
// reports as a failure.
func Restrict(methods map[string][]Method, name string) map[string][]Method {
	if name == "" || name == "auto" {
		return methods
	}
	out := make(map[string][]Method, len(methods))
	for fam, list := range methods {
		out[fam] = nil
		for _, m := range list {
			if m.Name == name {
				out[fam] = []Method{m}
				break
			}
		}
	}
	return out
}

// SetWait overrides the poll timeout of every timed method for a port
// family. Manual methods wait on the user, not a clock.
func SetWait(methods map[string][]Method, family string, d time.Duration) {
	if d <= 0 {
		return
	}
	for i := range methods[family] {
		if !methods[family][i].Manual {
			methods[family][i].Timeout = d
		}
	}
}

func requestOverRepl(ctx context.Context, board device.ConnectedBoard) error {
	s, err := device.Dial(board.Address)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.RequestBootloader(ctx)
}

func touch1200(ctx context.Context, board device.ConnectedBoard) error {
	return device.Touch1200(board.Address)
}
