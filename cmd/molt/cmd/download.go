package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/buckleypaul/molt/internal/catalog"
	"github.com/buckleypaul/molt/internal/history"
	"github.com/buckleypaul/molt/internal/picker"
)

var downloadOpts struct {
	version string
	serial  []string
	ignore  []string
	ports   []string
	boards  []string
	variant string
	force   bool
	clean   bool
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download firmware for connected boards into the local cache",
	RunE:  runDownload,
}

func init() {
	f := downloadCmd.Flags()
	f.StringVar(&downloadOpts.version, "version", "stable", "version to download: a version number, stable, preview or ?")
	f.StringArrayVar(&downloadOpts.serial, "serial", nil, "serial port globs to include")
	f.StringArrayVar(&downloadOpts.ignore, "ignore", nil, "serial port globs to exclude")
	f.StringArrayVar(&downloadOpts.ports, "port", nil, "port families to include")
	f.StringArrayVar(&downloadOpts.boards, "board", nil, "board ids to download for instead of the connected ones")
	f.StringVar(&downloadOpts.variant, "variant", "", "firmware variant of the boards")
	f.BoolVar(&downloadOpts.force, "force", false, "download again even when the file is already cached")
	f.BoolVar(&downloadOpts.clean, "clean", false, "remove the cached copy before downloading")
	rootCmd.AddCommand(downloadCmd)
}

// downloadWorkers bounds concurrent fetches against the index server.
const downloadWorkers = 4

type downloadRequest struct {
	boardID string
	variant string
	port    string
}

func runDownload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	idx, err := openIndex(ctx)
	if err != nil {
		return err
	}

	spec, err := resolveSpec(ctx, idx, downloadOpts.version)
	if err != nil {
		return err
	}

	reqs, err := downloadRequests(ctx, idx)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(reqs))
	for _, rq := range reqs {
		ids = append(ids, rq.boardID)
	}
	if _, err := idx.Sync(ctx, catalog.SourceQuery{Ports: downloadOpts.ports, Boards: ids}); err != nil {
		log.Warn().Err(err).Msg("firmware listing refresh failed, using cached catalog")
	}

	failures := 0
	seen := map[string]bool{}
	var targets []catalog.Firmware
	for _, rq := range reqs {
		fw, err := idx.Resolve(ctx, rq.boardID, rq.variant, rq.port, spec)
		if err != nil {
			log.Warn().Str("board", rq.boardID).Str("variant", rq.variant).Err(err).Msg("no matching firmware")
			failures++
			continue
		}
		if seen[fw.Filename] {
			continue
		}
		seen[fw.Filename] = true
		targets = append(targets, fw)
	}
	if len(targets) == 0 && failures == 0 {
		return errors.New("nothing to download")
	}

	for i := range targets {
		if targets[i].Path == "" {
			continue
		}
		if downloadOpts.clean {
			if err := os.Remove(targets[i].Path); err != nil && !os.IsNotExist(err) {
				log.Warn().Str("path", targets[i].Path).Err(err).Msg("could not remove cached file")
			}
		}
		if downloadOpts.clean || downloadOpts.force {
			targets[i].Path = ""
		}
	}

	var events chan picker.Event
	if stdoutIsTerminal() {
		events = make(chan picker.Event, 64)
		idx.OnProgress = func(filename string, done, total int64) {
			select {
			case events <- picker.Event{Filename: filename, Done: done, Total: total}:
			default:
			}
		}
	}

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := history.New(cfg.FirmwareDir)
	var mu sync.Mutex
	fetched := 0

	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(downloadWorkers)
		for _, fw := range targets {
			g.Go(func() error {
				cached := fw.Materialized()
				got, err := idx.Materialize(dctx, fw)
				if err != nil {
					if dctx.Err() == nil {
						log.Error().Str("firmware", fw.Filename).Err(err).Msg("download failed")
					}
					mu.Lock()
					failures++
					mu.Unlock()
					recordDownload(st, fw, err)
					return nil
				}
				if cached && got.Path == fw.Path {
					log.Debug().Str("firmware", got.Filename).Msg("already cached")
					return nil
				}
				mu.Lock()
				fetched++
				mu.Unlock()
				log.Info().Str("firmware", got.Filename).Str("path", got.Path).Msg("cached")
				recordDownload(st, got, nil)
				return nil
			})
		}
		g.Wait()
		if events != nil {
			close(events)
		}
	}()

	if events != nil {
		if err := picker.Downloads(events); err != nil {
			cancel()
		}
	}
	<-done

	if failures > 0 {
		return fmt.Errorf("%d of %d downloads failed", failures, len(reqs))
	}
	log.Info().Int("fetched", fetched).Str("dir", cfg.FirmwareDir).Msg("download complete")
	return nil
}

// downloadRequests decides which boards to download for: the --board
// flags when given, the connected boards otherwise.
func downloadRequests(ctx context.Context, idx *catalog.Index) ([]downloadRequest, error) {
	if len(downloadOpts.boards) > 0 {
		var reqs []downloadRequest
		for _, id := range downloadOpts.boards {
			if id == "?" {
				if !stdoutIsTerminal() {
					return nil, errors.New("interactive board selection needs a terminal")
				}
				port := ""
				if len(downloadOpts.ports) == 1 {
					port = downloadOpts.ports[0]
				}
				picked, variant, err := chooseBoard(ctx, idx, port)
				if err != nil {
					return nil, err
				}
				reqs = append(reqs, downloadRequest{picked, variant, port})
				continue
			}
			reqs = append(reqs, downloadRequest{id, downloadOpts.variant, ""})
		}
		return reqs, nil
	}

	boards, err := identifyBoards(ctx, idx, downloadOpts.serial, downloadOpts.ignore, downloadOpts.ports)
	if err != nil {
		return nil, err
	}
	var reqs []downloadRequest
	for _, b := range boards {
		if b.BoardID == "" || (b.Family != "" && b.Family != "micropython") {
			continue
		}
		reqs = append(reqs, downloadRequest{b.BoardID, b.Variant, b.PortFamily})
	}
	if len(reqs) == 0 {
		return nil, errors.New("no boards to download for; connect one or pass --board")
	}
	return reqs, nil
}

func recordDownload(st *history.Store, fw catalog.Firmware, ferr error) {
	r := history.DownloadRecord{
		Firmware:  fw.Filename,
		Board:     fw.BoardID,
		Version:   fw.Version,
		Source:    fw.Source,
		SHA256:    fw.SHA256,
		Size:      fw.Size,
		Timestamp: time.Now().UTC(),
		Success:   ferr == nil,
	}
	if ferr != nil {
		r.Error = ferr.Error()
	}
	if err := st.AddDownload(r); err != nil {
		log.Warn().Err(err).Msg("could not record download history")
	}
}
