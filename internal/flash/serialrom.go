package flash

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/buckleypaul/molt/internal/catalog"
	"github.com/buckleypaul/molt/internal/device"
)

// RomLoader drives a chip's serial ROM loader. The wire protocol
// itself lives in the loader tool; this is the command surface the
// write strategy needs.
type RomLoader interface {
	// Sync connects to the loader and reports the chip name, for
	// example "esp32" or "esp32s3". The handshake resets the board
	// into the loader.
	Sync(ctx context.Context) (string, error)
	EraseRegion(ctx context.Context, offset, length uint32) error
	// WriteImage writes the image file at offset.
	WriteImage(ctx context.Context, offset uint32, path string) error
	// MD5Region reads back length bytes at offset and returns their
	// md5 digest in hex.
	MD5Region(ctx context.Context, offset, length uint32) (string, error)
	// Reset restarts the board into the application.
	Reset(ctx context.Context) error
	Close() error
}

// Firmware write offsets per chip. Later chips boot from offset zero.
var writeOffsets = map[string]uint32{
	"esp32":   0x1000,
	"esp32s2": 0x1000,
}

// SerialRomStrategy flashes through a serial ROM loader: sync, erase
// when asked, write the image at the chip's offset, then read back an
// md5 digest and compare it against the local image. A digest mismatch
// is a VerificationError and the board stays in the loader so the
// write can be retried.
type SerialRomStrategy struct {
	// Open connects a loader to the board's serial address.
	Open func(ctx context.Context, address string) (RomLoader, error)
	// Erase wipes the target region before writing.
	Erase      bool
	OnProgress func(filename string, done, total int64)
}

func (s *SerialRomStrategy) Name() string { return "serialrom" }

func (s *SerialRomStrategy) Flash(ctx context.Context, board device.ConnectedBoard, fw catalog.Firmware) error {
	image, err := os.ReadFile(fw.Path)
	if err != nil {
		return err
	}
	sum := md5.Sum(image)
	want := hex.EncodeToString(sum[:])
	length := uint32(len(image))

	loader, err := s.Open(ctx, board.Address)
	if err != nil {
		return fmt.Errorf("open rom loader on %s: %w", board.Address, err)
	}
	defer loader.Close()

	chip, err := loader.Sync(ctx)
	if err != nil {
		return fmt.Errorf("rom loader sync on %s: %w", board.Address, err)
	}
	offset := writeOffsets[chip]
	log.Debug().Str("chip", chip).Uint32("offset", offset).Msg("rom loader ready")

	if s.Erase {
		log.Info().Str("address", board.Address).Msg("erase flash region")
		if err := loader.EraseRegion(ctx, offset, length); err != nil {
			return fmt.Errorf("erase: %w", err)
		}
	}

	if s.OnProgress != nil {
		s.OnProgress(fw.Filename, 0, int64(length))
	}
	if err := loader.WriteImage(ctx, offset, fw.Path); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	if s.OnProgress != nil {
		s.OnProgress(fw.Filename, int64(length), int64(length))
	}

	got, err := loader.MD5Region(ctx, offset, length)
	if err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	if got != want {
		// No reset: the loader stays up for a retry.
		return &VerificationError{
			Address:  board.Address,
			Reason:   "md5 read-back mismatch",
			Expected: want,
			Actual:   got,
		}
	}

	return loader.Reset(ctx)
}
