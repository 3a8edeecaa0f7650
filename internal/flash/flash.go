// Package flash writes firmware images to boards that are in
// bootloader mode, selecting a write strategy by port family and
// verifying every write before reporting success.
package flash

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/buckleypaul/molt/internal/catalog"
	"github.com/buckleypaul/molt/internal/device"
)

// Strategy writes one firmware image format to a board already in
// bootloader mode and verifies the result before returning.
type Strategy interface {
	Name() string
	Flash(ctx context.Context, board device.ConnectedBoard, fw catalog.Firmware) error
}

// Dispatcher routes a board to the write strategy for its port family.
type Dispatcher struct {
	strategies map[string]Strategy
}

// NewDispatcher returns a dispatcher over the given strategy table.
func NewDispatcher(strategies map[string]Strategy) *Dispatcher {
	return &Dispatcher{strategies: strategies}
}

// StrategyFor returns the name of the strategy that would flash the
// board, or an error when its family is unsupported.
func (d *Dispatcher) StrategyFor(board device.ConnectedBoard) (string, error) {
	s, ok := d.strategies[board.PortFamily]
	if !ok {
		return "", fmt.Errorf("no flash strategy for %s boards", board.PortFamily)
	}
	return s.Name(), nil
}

// Flash writes fw to board and verifies it. The artifact must be
// materialized and its file type must match the board's family. Flash
// never retries; retry policy belongs to the caller.
func (d *Dispatcher) Flash(ctx context.Context, board device.ConnectedBoard, fw catalog.Firmware) error {
	s, ok := d.strategies[board.PortFamily]
	if !ok {
		return fmt.Errorf("no flash strategy for %s boards", board.PortFamily)
	}
	if !fw.Materialized() {
		return fmt.Errorf("%s is not downloaded", fw.Filename)
	}
	ext := filepath.Ext(fw.Filename)
	if want := device.FirmwareExtensions[board.PortFamily]; !slices.Contains(want, ext) {
		return fmt.Errorf("%s images do not fit %s boards (want %v)", ext, board.PortFamily, want)
	}

	log.Info().Str("address", board.Address).Str("strategy", s.Name()).
		Str("firmware", fw.Filename).Msg("flash")
	return s.Flash(ctx, board, fw)
}

// Options configure the built-in strategy set for one run.
type Options struct {
	// Erase wipes the target flash region before writing, on families
	// whose loader supports it.
	Erase bool
	// Baud is the serial ROM loader speed. Zero means the loader's
	// default.
	Baud int
	// OnProgress, when set, receives byte counts while an image is
	// written.
	OnProgress func(filename string, done, total int64)
}

const (
	defaultMountTimeout = 10 * time.Second
	defaultResetTimeout = 10 * time.Second
)

// DefaultStrategies builds the production strategy table: uf2 volume
// copy for rp2/samd/nrf, the esptool ROM loader for esp32/esp8266 and
// DFU for stm32.
func DefaultStrategies(opts Options) map[string]Strategy {
	if opts.Erase {
		log.Debug().Msg("erase is ignored for uf2 volumes")
	}
	uf2 := &UF2Strategy{
		Watcher:      &MountScan{},
		Reappear:     portPresent,
		MountTimeout: defaultMountTimeout,
		ResetTimeout: defaultResetTimeout,
		OnProgress:   opts.OnProgress,
	}
	rom := &SerialRomStrategy{
		Open:       esptoolOpener(opts.Baud),
		Erase:      opts.Erase,
		OnProgress: opts.OnProgress,
	}
	dfu := &DFUStrategy{
		Open:         OpenDFUPort,
		Reappear:     portPresent,
		ResetTimeout: defaultResetTimeout,
		OnProgress:   opts.OnProgress,
	}
	return map[string]Strategy{
		device.PortRP2:     uf2,
		device.PortSAMD:    uf2,
		device.PortNRF:     uf2,
		device.PortESP32:   rom,
		device.PortESP8266: rom,
		device.PortSTM32:   dfu,
	}
}

// portPresent reports whether address is currently enumerated.
func portPresent(ctx context.Context, address string) (bool, error) {
	ports, err := device.Enumerate(device.PortFilter{Bluetooth: true})
	if err != nil {
		return false, err
	}
	for _, p := range ports {
		if p.Name == address {
			return true, nil
		}
	}
	return false, nil
}
