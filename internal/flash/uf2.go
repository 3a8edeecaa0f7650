package flash

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/buckleypaul/molt/internal/catalog"
	"github.com/buckleypaul/molt/internal/device"
)

// VolumeWatcher locates a mounted uf2 bootloader volume.
type VolumeWatcher interface {
	// Find returns the mount path of a bootloader volume, or "" when
	// none is present.
	Find(ctx context.Context) (string, error)
}

// MountScan finds uf2 volumes by looking for an INFO_UF2.TXT marker
// file under the usual mount roots.
type MountScan struct {
	// Roots overrides the scanned mount roots.
	Roots []string
}

var defaultMountRoots = []string{"/media", "/run/media", "/Volumes", "/mnt"}

func (m *MountScan) Find(ctx context.Context) (string, error) {
	roots := m.Roots
	if len(roots) == 0 {
		roots = defaultMountRoots
	}
	for _, root := range roots {
		// Volumes mount at the root, directly under it, or under a
		// per-user directory.
		for _, pattern := range []string{
			filepath.Join(root, "INFO_UF2.TXT"),
			filepath.Join(root, "*", "INFO_UF2.TXT"),
			filepath.Join(root, "*", "*", "INFO_UF2.TXT"),
		} {
			matches, err := filepath.Glob(pattern)
			if err != nil {
				return "", err
			}
			if len(matches) > 0 {
				return filepath.Dir(matches[0]), nil
			}
		}
	}
	return "", nil
}

// UF2Strategy flashes by copying the image onto the mounted bootloader
// volume. A complete write makes the board unmount the volume and
// reset into the application, so verification is the volume
// disappearing and the application device coming back.
type UF2Strategy struct {
	Watcher VolumeWatcher
	// Reappear probes for the application device after the reset. nil
	// skips that half of the verification.
	Reappear     func(ctx context.Context, address string) (bool, error)
	MountTimeout time.Duration
	ResetTimeout time.Duration
	OnProgress   func(filename string, done, total int64)

	interval time.Duration
}

func (s *UF2Strategy) Name() string { return "uf2" }

func (s *UF2Strategy) Flash(ctx context.Context, board device.ConnectedBoard, fw catalog.Firmware) error {
	vol, err := s.waitMount(ctx)
	if err != nil {
		return err
	}
	log.Debug().Str("volume", vol).Str("firmware", fw.Filename).Msg("uf2 volume found")

	if err := s.copy(ctx, fw, vol); err != nil {
		return fmt.Errorf("copy to %s: %w", vol, err)
	}
	return s.waitReset(ctx, board.Address)
}

func (s *UF2Strategy) waitMount(ctx context.Context) (string, error) {
	var vol string
	err := pollUntil(ctx, s.tick(), s.MountTimeout, func(ctx context.Context) (bool, error) {
		v, err := s.Watcher.Find(ctx)
		if err != nil {
			return false, err
		}
		vol = v
		return v != "", nil
	})
	if errors.Is(err, errPollTimeout) {
		return "", fmt.Errorf("no bootloader volume after %s", s.MountTimeout)
	}
	if err != nil {
		return "", err
	}
	return vol, nil
}

func (s *UF2Strategy) copy(ctx context.Context, fw catalog.Firmware, vol string) error {
	src, err := os.Open(fw.Path)
	if err != nil {
		return err
	}
	defer src.Close()
	fi, err := src.Stat()
	if err != nil {
		return err
	}

	dst, err := os.Create(filepath.Join(vol, fw.Filename))
	if err != nil {
		return err
	}

	var w io.Writer = dst
	if s.OnProgress != nil {
		w = &progressWriter{w: dst, name: fw.Filename, total: fi.Size(), report: s.OnProgress}
	}
	if _, err := io.Copy(w, src); err != nil {
		dst.Close()
		return err
	}
	// Flush before the board yanks the volume away on reset.
	if err := dst.Sync(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (s *UF2Strategy) waitReset(ctx context.Context, address string) error {
	err := pollUntil(ctx, s.tick(), s.ResetTimeout, func(ctx context.Context) (bool, error) {
		v, err := s.Watcher.Find(ctx)
		if err != nil {
			return false, err
		}
		return v == "", nil
	})
	if errors.Is(err, errPollTimeout) {
		return &VerificationError{Address: address, Reason: "bootloader volume still mounted"}
	}
	if err != nil {
		return err
	}

	if s.Reappear == nil {
		return nil
	}
	err = pollUntil(ctx, s.tick(), s.ResetTimeout, func(ctx context.Context) (bool, error) {
		return s.Reappear(ctx, address)
	})
	if errors.Is(err, errPollTimeout) {
		return &VerificationError{Address: address, Reason: "application device did not come back"}
	}
	return err
}

func (s *UF2Strategy) tick() time.Duration {
	if s.interval > 0 {
		return s.interval
	}
	return 500 * time.Millisecond
}

var errPollTimeout = errors.New("timed out")

// pollUntil runs probe at the given cadence until it reports true,
// errors, the timeout passes (errPollTimeout) or ctx is done.
func pollUntil(ctx context.Context, every, timeout time.Duration, probe func(context.Context) (bool, error)) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(every)
	defer tick.Stop()

	for {
		ok, err := probe(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errPollTimeout
		case <-tick.C:
		}
	}
}

type progressWriter struct {
	w      io.Writer
	name   string
	n      int64
	total  int64
	report func(string, int64, int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.n += int64(n)
	p.report(p.name, p.n, p.total)
	return n, err
}
