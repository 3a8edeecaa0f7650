package flash

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/buckleypaul/molt/internal/device"
)

const defaultEsptoolBaud = 460800

// EsptoolLoader drives the esptool CLI as a subprocess. Every call
// keeps the chip in the loader (--after no_reset) until Reset.
type EsptoolLoader struct {
	address string
	baud    int
	synced  bool
	run     func(ctx context.Context, args ...string) (string, error)
}

// NewEsptoolLoader finds the esptool binary on PATH and returns a
// loader for the board at address.
func NewEsptoolLoader(address string, baud int) (*EsptoolLoader, error) {
	bin, err := exec.LookPath("esptool.py")
	if err != nil {
		if bin, err = exec.LookPath("esptool"); err != nil {
			return nil, fmt.Errorf("esptool is not installed: %w", err)
		}
	}
	if baud == 0 {
		baud = defaultEsptoolBaud
	}
	l := &EsptoolLoader{address: address, baud: baud}
	l.run = func(ctx context.Context, args ...string) (string, error) {
		out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
		if err != nil {
			return string(out), fmt.Errorf("%s: %w: %s", bin, err, lastLine(out))
		}
		return string(out), nil
	}
	return l, nil
}

// esptoolOpener adapts NewEsptoolLoader to the strategy's Open seam.
func esptoolOpener(baud int) func(ctx context.Context, address string) (RomLoader, error) {
	return func(ctx context.Context, address string) (RomLoader, error) {
		return NewEsptoolLoader(address, baud)
	}
}

// RomSyncProbe reports whether the ROM loader answers on the board's
// address. The probe itself resets the board into the loader.
func RomSyncProbe(baud int) func(ctx context.Context, board device.ConnectedBoard) (bool, error) {
	return func(ctx context.Context, board device.ConnectedBoard) (bool, error) {
		l, err := NewEsptoolLoader(board.Address, baud)
		if err != nil {
			return false, err
		}
		defer l.Close()
		if _, err := l.Sync(ctx); err != nil {
			return false, nil
		}
		return true, nil
	}
}

// VolumeProbe adapts a volume watcher to a bootloader presence check.
func VolumeProbe(w VolumeWatcher) func(ctx context.Context, board device.ConnectedBoard) (bool, error) {
	return func(ctx context.Context, board device.ConnectedBoard) (bool, error) {
		vol, err := w.Find(ctx)
		if err != nil {
			return false, err
		}
		return vol != "", nil
	}
}

func (l *EsptoolLoader) args(sub ...string) []string {
	before := "default_reset"
	if l.synced {
		before = "no_reset"
	}
	args := []string{
		"--port", l.address,
		"--baud", strconv.Itoa(l.baud),
		"--before", before,
		"--after", "no_reset",
	}
	return append(args, sub...)
}

func (l *EsptoolLoader) Sync(ctx context.Context) (string, error) {
	out, err := l.run(ctx, l.args("chip_id")...)
	if err != nil {
		return "", err
	}
	chip := parseChip(out)
	if chip == "" {
		return "", fmt.Errorf("esptool reported no chip on %s", l.address)
	}
	l.synced = true
	return chip, nil
}

func (l *EsptoolLoader) EraseRegion(ctx context.Context, offset, length uint32) error {
	// erase_region wants 4 KiB alignment.
	length = (length + 0xFFF) &^ uint32(0xFFF)
	_, err := l.run(ctx, l.args("erase_region", hexArg(offset), hexArg(length))...)
	return err
}

func (l *EsptoolLoader) WriteImage(ctx context.Context, offset uint32, path string) error {
	_, err := l.run(ctx, l.args("write_flash", "-z", hexArg(offset), path)...)
	return err
}

func (l *EsptoolLoader) MD5Region(ctx context.Context, offset, length uint32) (string, error) {
	tmp, err := os.CreateTemp("", "molt-readback-*.bin")
	if err != nil {
		return "", err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if _, err := l.run(ctx, l.args("read_flash", hexArg(offset), hexArg(length), tmp.Name())...); err != nil {
		return "", err
	}
	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return "", err
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

func (l *EsptoolLoader) Reset(ctx context.Context) error {
	// esptool resets the chip on exit; flash_id is the cheapest
	// vehicle for a plain reset.
	args := []string{
		"--port", l.address,
		"--baud", strconv.Itoa(l.baud),
		"--before", "no_reset",
		"--after", "hard_reset",
		"flash_id",
	}
	_, err := l.run(ctx, args...)
	return err
}

func (l *EsptoolLoader) Close() error { return nil }

// parseChip extracts the chip family from esptool output, for example
// "Chip is ESP32-D0WD-V3 (revision v3.0)" becomes "esp32" and
// "Chip is ESP32-S3 (QFN56)" becomes "esp32s3".
func parseChip(out string) string {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		rest, ok := strings.CutPrefix(line, "Chip is ")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		return chipFamily(fields[0])
	}
	return ""
}

// chipFamily strips the silicon revision from a reported chip name.
// Series suffixes like s3 or c3 matter for the write offset; package
// revisions like d0wd do not.
func chipFamily(name string) string {
	name = strings.ToLower(name)
	if strings.HasPrefix(name, "esp8266") {
		return "esp8266"
	}
	parts := strings.Split(name, "-")
	fam := parts[0]
	if len(parts) > 1 && len(parts[1]) == 2 && strings.ContainsRune("schp", rune(parts[1][0])) {
		fam += parts[1]
	}
	return fam
}

func hexArg(v uint32) string {
	return fmt.Sprintf("%#x", v)
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
