package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/buckleypaul/molt/internal/backoff"
	"github.com/buckleypaul/molt/internal/bootloader"
	"github.com/buckleypaul/molt/internal/catalog"
	"github.com/buckleypaul/molt/internal/device"
	"github.com/buckleypaul/molt/internal/flash"
	"github.com/buckleypaul/molt/internal/history"
	"github.com/buckleypaul/molt/internal/ui"
	"github.com/buckleypaul/molt/internal/worklist"
)

var flashOpts struct {
	version    string
	serial     []string
	ignore     []string
	ports      []string
	board      string
	variant    string
	erase      bool
	workers    int
	bootloader string
}

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Flash MicroPython firmware onto connected boards",
	RunE:  runFlash,
}

func init() {
	f := flashCmd.Flags()
	f.StringVar(&flashOpts.version, "version", "stable", "version to flash: a version number, stable, preview or ?")
	f.StringArrayVar(&flashOpts.serial, "serial", nil, "serial port globs to include")
	f.StringArrayVar(&flashOpts.ignore, "ignore", nil, "serial port globs to exclude")
	f.StringArrayVar(&flashOpts.ports, "port", nil, "port families to include (rp2, esp32, stm32, ...)")
	f.StringVar(&flashOpts.board, "board", "", "board id to use instead of the detected one, ? to pick")
	f.StringVar(&flashOpts.variant, "variant", "", "firmware variant of the board")
	f.BoolVar(&flashOpts.erase, "erase", false, "erase flash before writing where the loader supports it")
	f.IntVar(&flashOpts.workers, "workers", 0, "boards to flash in parallel")
	f.StringVar(&flashOpts.bootloader, "bootloader", "auto", "bootloader method: auto, repl, touch1200, manual or none")
	rootCmd.AddCommand(flashCmd)
}

func runFlash(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	idx, err := openIndex(ctx)
	if err != nil {
		return err
	}

	spec, err := resolveSpec(ctx, idx, flashOpts.version)
	if err != nil {
		return err
	}

	boardID, variant := flashOpts.board, flashOpts.variant
	if boardID == "?" {
		if !stdoutIsTerminal() {
			return errors.New("interactive board selection needs a terminal")
		}
		port := ""
		if len(flashOpts.ports) == 1 {
			port = flashOpts.ports[0]
		}
		boardID, variant, err = chooseBoard(ctx, idx, port)
		if err != nil {
			return err
		}
	}

	boards, err := identifyBoards(ctx, idx, flashOpts.serial, flashOpts.ignore, flashOpts.ports)
	if err != nil {
		return err
	}
	if len(boards) == 0 {
		return &device.DeviceNotFoundError{Filter: strings.Join(flashOpts.serial, ", ")}
	}

	// Refresh the remote listing so first runs can resolve, but keep
	// working from the cached catalog when offline.
	if n, err := idx.Sync(ctx, catalog.SourceQuery{Ports: flashOpts.ports}); err != nil {
		log.Warn().Err(err).Msg("firmware listing refresh failed, using cached catalog")
	} else if n > 0 {
		log.Debug().Int("added", n).Msg("firmware listing refreshed")
	}

	workers := flashOpts.workers
	if workers <= 0 {
		workers = cfg.Workers
	}

	dispatcher := flash.NewDispatcher(flash.DefaultStrategies(flash.Options{
		Erase: flashOpts.erase,
		Baud:  cfg.Baud,
	}))

	methods := bootloader.DefaultMethods(bootloader.Checks{
		Volume:  flash.VolumeProbe(&flash.MountScan{}),
		DFU:     flash.DFUProbe(),
		RomSync: flash.RomSyncProbe(cfg.Baud),
	})
	if flashOpts.bootloader == "none" {
		methods = map[string][]bootloader.Method{}
	} else {
		methods = bootloader.Restrict(methods, flashOpts.bootloader)
	}
	for fam := range cfg.BootloaderWait {
		bootloader.SetWait(methods, fam, cfg.BootloaderDeadline(fam))
	}

	builder := &worklist.Builder{Catalog: idx, Router: dispatcher}
	jobs := builder.Build(ctx, boards, worklist.Request{Spec: spec, BoardID: boardID, Variant: variant})

	runner := &worklist.Runner{
		Boot:          bootloader.NewTransitioner(methods, stdinConfirmer{}),
		Flash:         dispatcher,
		Cache:         idx,
		Identify:      device.NewIdentifier(idx, backoff.Default()),
		Workers:       workers,
		WriteTimeout:  cfg.WriteDeadline(),
		VerifyTimeout: cfg.VerifyDeadline(),
	}
	sum := runner.Run(ctx, jobs)

	recordFlashes(jobs)
	printJobs(jobs)

	if !sum.Ok() {
		return fmt.Errorf("%d of %d boards failed", sum.Failed+sum.Deferred, len(jobs))
	}
	return nil
}

// stdinConfirmer prompts on stderr and waits for the user to answer on
// stdin, however long that takes.
type stdinConfirmer struct{}

func (stdinConfirmer) Confirm(ctx context.Context, prompt string) (bool, error) {
	fmt.Fprintf(os.Stderr, "\n%s\nPress enter once the board is in bootloader mode, or type n to skip: ", prompt)
	lines := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		lines <- line
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line := <-lines:
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "" || answer == "y" || answer == "yes", nil
	}
}

func recordFlashes(jobs []*worklist.Job) {
	st := history.New(cfg.FirmwareDir)
	for _, j := range jobs {
		if j.Status == worklist.StatusSkipped {
			continue
		}
		r := history.FlashRecord{
			Address:   j.Board.Address,
			Board:     j.Board.BoardID,
			Variant:   j.Board.Variant,
			Firmware:  j.Firmware.Filename,
			Version:   j.Firmware.Version,
			Strategy:  j.Strategy,
			Timestamp: time.Now().UTC(),
			Success:   j.Status == worklist.StatusDone,
			Warning:   j.Warning,
		}
		if !j.Started.IsZero() && !j.Finished.IsZero() {
			r.Duration = j.Finished.Sub(j.Started).Round(time.Millisecond).String()
		}
		if j.Err != nil {
			r.Error = j.Err.Error()
		}
		if err := st.AddFlash(r); err != nil {
			log.Warn().Err(err).Msg("could not record flash history")
		}
	}
}

func printJobs(jobs []*worklist.Job) {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		note := j.Reason
		if j.Err != nil {
			note = j.Err.Error()
		}
		if j.Warning != "" {
			note = j.Warning
		}
		rows = append(rows, []string{
			j.Board.Address,
			j.Board.BoardID,
			j.Firmware.Version,
			ui.StatusBadge(string(j.Status)),
			note,
		})
	}
	fmt.Print(ui.Table([]string{"ADDRESS", "BOARD", "VERSION", "STATUS", "NOTE"}, rows))
}
