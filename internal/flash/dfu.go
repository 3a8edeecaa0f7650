package flash

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog/log"

	"github.com/buckleypaul/molt/internal/catalog"
	"github.com/buckleypaul/molt/internal/device"
)

// ST DFU bootloader identity.
const (
	stVendorID   = 0x0483
	stDFUProduct = 0xdf11
)

// DFU class requests.
const (
	dfuDnload    = 1
	dfuGetStatus = 3
	dfuClrStatus = 4
)

// DFU states reported by GETSTATUS.
const (
	dfuStateIdle         = 0x02
	dfuStateDnloadBusy   = 0x04
	dfuStateDnloadIdle   = 0x05
	dfuStateManifestSync = 0x06
	dfuStateManifest     = 0x07
	dfuStateError        = 0x0a
)

const (
	dfuRequestOut = 0x21
	dfuRequestIn  = 0xa1
)

const defaultDFUTransferSize = 2048

// DFUPort is the control-transfer surface of a DFU-mode USB device.
type DFUPort interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	Close() error
}

// DFUStrategy flashes stm32 boards over the standard DFU download
// sequence: mass erase, write each DfuSe element in transfer-sized
// blocks, then a zero-length download to leave DFU and boot the
// application. Verification is the application device re-enumerating.
type DFUStrategy struct {
	// Open connects to the DFU-mode device.
	Open func(ctx context.Context) (DFUPort, error)
	// Reappear probes for the application device after the reset. nil
	// skips that check.
	Reappear     func(ctx context.Context, address string) (bool, error)
	TransferSize int
	ResetTimeout time.Duration
	OnProgress   func(filename string, done, total int64)

	interval time.Duration
}

func (s *DFUStrategy) Name() string { return "dfu" }

func (s *DFUStrategy) Flash(ctx context.Context, board device.ConnectedBoard, fw catalog.Firmware) error {
	raw, err := os.ReadFile(fw.Path)
	if err != nil {
		return err
	}
	elements, err := parseDfuSe(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", fw.Filename, err)
	}

	port, err := s.Open(ctx)
	if err != nil {
		return fmt.Errorf("open dfu device: %w", err)
	}
	defer port.Close()

	d := &dfuDownloader{port: port, transferSize: s.transfer()}
	d.clearStatus()

	log.Info().Str("address", board.Address).Msg("dfu mass erase")
	if err := d.massErase(ctx); err != nil {
		return fmt.Errorf("mass erase: %w", err)
	}

	var total, written int64
	for _, el := range elements {
		total += int64(len(el.Data))
	}
	for _, el := range elements {
		n, err := d.writeElement(ctx, el, func(done int64) {
			if s.OnProgress != nil {
				s.OnProgress(fw.Filename, written+done, total)
			}
		})
		written += n
		if err != nil {
			return fmt.Errorf("write element at %#x: %w", el.Address, err)
		}
	}

	log.Debug().Str("address", board.Address).Msg("dfu leave")
	if err := d.leave(ctx, elements[0].Address); err != nil {
		return fmt.Errorf("leave dfu: %w", err)
	}

	return s.waitApplication(ctx, board.Address)
}

func (s *DFUStrategy) waitApplication(ctx context.Context, address string) error {
	if s.Reappear == nil {
		return nil
	}
	every := s.interval
	if every == 0 {
		every = 500 * time.Millisecond
	}
	err := pollUntil(ctx, every, s.ResetTimeout, func(ctx context.Context) (bool, error) {
		return s.Reappear(ctx, address)
	})
	if errors.Is(err, errPollTimeout) {
		return &VerificationError{Address: address, Reason: "application device did not re-enumerate"}
	}
	return err
}

func (s *DFUStrategy) transfer() int {
	if s.TransferSize > 0 {
		return s.TransferSize
	}
	return defaultDFUTransferSize
}

// dfuDownloader speaks the DfuSe download protocol over a DFUPort.
type dfuDownloader struct {
	port         DFUPort
	transferSize int
}

func (d *dfuDownloader) status() (state byte, poll time.Duration, err error) {
	buf := make([]byte, 6)
	if _, err := d.port.Control(dfuRequestIn, dfuGetStatus, 0, 0, buf); err != nil {
		return 0, 0, err
	}
	ms := uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16
	return buf[4], time.Duration(ms) * time.Millisecond, nil
}

func (d *dfuDownloader) clearStatus() {
	d.port.Control(dfuRequestOut, dfuClrStatus, 0, 0, nil)
}

func (d *dfuDownloader) dnload(value uint16, data []byte) error {
	_, err := d.port.Control(dfuRequestOut, dfuDnload, value, 0, data)
	return err
}

// settle polls GETSTATUS through the busy state, honoring the
// device's requested poll delay, until it reaches want.
func (d *dfuDownloader) settle(ctx context.Context, want byte) error {
	for {
		state, poll, err := d.status()
		if err != nil {
			return err
		}
		switch state {
		case want:
			return nil
		case dfuStateDnloadBusy, dfuStateManifestSync:
			// keep waiting
		case dfuStateError:
			d.clearStatus()
			return fmt.Errorf("device reports dfu error")
		default:
			return fmt.Errorf("unexpected dfu state %#x", state)
		}
		if poll < time.Millisecond {
			poll = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// DfuSe block-zero commands.
const (
	dfuseCmdSetAddress = 0x21
	dfuseCmdErase      = 0x41
)

func (d *dfuDownloader) massErase(ctx context.Context) error {
	if err := d.dnload(0, []byte{dfuseCmdErase}); err != nil {
		return err
	}
	return d.settle(ctx, dfuStateDnloadIdle)
}

func (d *dfuDownloader) setAddress(ctx context.Context, addr uint32) error {
	cmd := []byte{
		dfuseCmdSetAddress,
		byte(addr), byte(addr >> 8), byte(addr >> 16), byte(addr >> 24),
	}
	if err := d.dnload(0, cmd); err != nil {
		return err
	}
	return d.settle(ctx, dfuStateDnloadIdle)
}

// writeElement streams one element in transfer-sized blocks. Block
// numbers start at 2; the device writes block n at
// address + (n-2) * transferSize.
func (d *dfuDownloader) writeElement(ctx context.Context, el dfuElement, progress func(done int64)) (int64, error) {
	if err := d.setAddress(ctx, el.Address); err != nil {
		return 0, err
	}
	var done int64
	for block := 0; done < int64(len(el.Data)); block++ {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		end := done + int64(d.transferSize)
		if end > int64(len(el.Data)) {
			end = int64(len(el.Data))
		}
		if err := d.dnload(uint16(2+block), el.Data[done:end]); err != nil {
			return done, err
		}
		if err := d.settle(ctx, dfuStateDnloadIdle); err != nil {
			return done, err
		}
		done = end
		progress(done)
	}
	return done, nil
}

// leave points the device at the application entry address and issues
// a zero-length download, which manifests and reboots it.
func (d *dfuDownloader) leave(ctx context.Context, entry uint32) error {
	if err := d.setAddress(ctx, entry); err != nil {
		return err
	}
	if err := d.dnload(0, nil); err != nil {
		return err
	}
	// The device drops off the bus mid-manifest; losing it here is
	// the expected outcome.
	if err := d.settle(ctx, dfuStateManifest); err != nil && ctx.Err() != nil {
		return err
	}
	return nil
}

// OpenDFUPort finds the ST DFU bootloader on the bus and claims its
// interface.
func OpenDFUPort(ctx context.Context) (DFUPort, error) {
	usb := gousb.NewContext()
	dev, err := usb.OpenDeviceWithVIDPID(stVendorID, stDFUProduct)
	if err != nil {
		usb.Close()
		return nil, err
	}
	if dev == nil {
		usb.Close()
		return nil, fmt.Errorf("no dfu device (%04x:%04x) on the bus", stVendorID, stDFUProduct)
	}
	dev.SetAutoDetach(true)
	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		usb.Close()
		return nil, err
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		usb.Close()
		return nil, err
	}
	return &usbDFUPort{usb: usb, dev: dev, cfg: cfg, intf: intf}, nil
}

// DFUProbe reports whether a DFU-mode device is visible on the bus.
func DFUProbe() func(ctx context.Context, board device.ConnectedBoard) (bool, error) {
	return func(ctx context.Context, board device.ConnectedBoard) (bool, error) {
		usb := gousb.NewContext()
		defer usb.Close()
		dev, err := usb.OpenDeviceWithVIDPID(stVendorID, stDFUProduct)
		if err != nil || dev == nil {
			return false, nil
		}
		dev.Close()
		return true, nil
	}
}

type usbDFUPort struct {
	usb  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
}

func (p *usbDFUPort) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	return p.dev.Control(rType, request, val, idx, data)
}

func (p *usbDFUPort) Close() error {
	p.intf.Close()
	err := p.cfg.Close()
	if derr := p.dev.Close(); err == nil {
		err = derr
	}
	if uerr := p.usb.Close(); err == nil {
		err = uerr
	}
	return err
}
