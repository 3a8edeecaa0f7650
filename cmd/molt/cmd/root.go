// Package cmd implements the molt command line.
package cmd

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/buckleypaul/molt/internal/backoff"
	"github.com/buckleypaul/molt/internal/catalog"
	"github.com/buckleypaul/molt/internal/config"
	"github.com/buckleypaul/molt/internal/device"
	"github.com/buckleypaul/molt/internal/mpversion"
	"github.com/buckleypaul/molt/internal/picker"
)

var (
	cfg     config.Config
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "molt",
	Short:         "Download MicroPython firmware and flash it onto connected boards",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd.Context())
		if err != nil {
			return err
		}
		setLogLevel()
		return nil
	},
}

// Execute runs the command line under ctx.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		log.Error().Msg(err.Error())
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func setLogLevel() {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

// openIndex opens the firmware catalog under the firmware directory,
// migrating and seeding it on first use.
func openIndex(ctx context.Context) (*catalog.Index, error) {
	db, err := catalog.Open(filepath.Join(cfg.FirmwareDir, "molt.db"))
	if err != nil {
		return nil, err
	}
	if err := catalog.Migrate(ctx, db); err != nil {
		return nil, err
	}
	if err := catalog.Seed(ctx, db); err != nil {
		return nil, err
	}
	src := catalog.NewHTTPSource(cfg.IndexURL)
	return catalog.NewIndex(db, cfg.FirmwareDir, src, backoff.Default()), nil
}

// identifyBoards enumerates candidate serial ports and identifies the
// board behind each one. Ports that do not answer are logged and
// dropped. families, when non-empty, keeps only those port families.
func identifyBoards(ctx context.Context, idx *catalog.Index, include, ignore, families []string) ([]device.ConnectedBoard, error) {
	candidates, err := device.Enumerate(device.PortFilter{
		Include: include,
		Ignore:  append(slices.Clone(ignore), cfg.Ignore...),
	})
	if err != nil {
		return nil, err
	}

	id := device.NewIdentifier(idx, backoff.Default())
	var boards []device.ConnectedBoard
	for _, p := range candidates {
		b, err := id.Identify(ctx, p.Name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn().Str("port", p.Name).Err(err).Msg("port did not identify")
			continue
		}
		b.VID, b.PID, b.SerialNumber = p.VID, p.PID, p.SerialNumber
		if len(families) > 0 && !slices.Contains(families, b.PortFamily) {
			log.Debug().Str("port", p.Name).Str("family", b.PortFamily).Msg("family filtered out")
			continue
		}
		boards = append(boards, b)
	}
	return boards, nil
}

// resolveSpec parses a version request. "?" on a terminal asks the user
// to pick; "?" elsewhere means any version.
func resolveSpec(ctx context.Context, idx *catalog.Index, raw string) (mpversion.Spec, error) {
	if strings.TrimSpace(raw) == "?" && stdoutIsTerminal() {
		versions, err := idx.Versions(ctx)
		if err != nil {
			return mpversion.Spec{}, err
		}
		items := []picker.Item{
			{Label: "stable", Value: "stable", Desc: "newest release"},
			{Label: "preview", Value: "preview", Desc: "newest build, previews included"},
		}
		for _, v := range versions {
			items = append(items, picker.Item{Label: v, Value: v})
		}
		choice, err := picker.Choose("Which version?", items)
		if err != nil {
			return mpversion.Spec{}, err
		}
		raw = choice
	}
	return mpversion.ParseSpec(raw)
}

// chooseBoard asks the user to pick a board definition from the catalog
// and returns its id and variant.
func chooseBoard(ctx context.Context, idx *catalog.Index, port string) (string, string, error) {
	boards, err := idx.KnownBoards(ctx, port)
	if err != nil {
		return "", "", err
	}
	items := make([]picker.Item, 0, len(boards))
	for _, b := range boards {
		label, value := b.BoardID, b.BoardID
		if b.Variant != "" {
			label += "-" + b.Variant
			value += "|" + b.Variant
		}
		items = append(items, picker.Item{Label: label, Value: value, Desc: b.Description})
	}
	choice, err := picker.Choose("Which board?", items)
	if err != nil {
		return "", "", err
	}
	id, variant, _ := strings.Cut(choice, "|")
	return id, variant, nil
}

func stdoutIsTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
