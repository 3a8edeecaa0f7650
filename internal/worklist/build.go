package worklist

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/buckleypaul/molt/internal/catalog"
	"github.com/buckleypaul/molt/internal/device"
	"github.com/buckleypaul/molt/internal/mpversion"
)

// Resolver picks the artifact a board should receive.
type Resolver interface {
	Resolve(ctx context.Context, boardID, variant, port string, spec mpversion.Spec) (catalog.Firmware, error)
}

// Router names the write strategy for a board's port family.
type Router interface {
	StrategyFor(board device.ConnectedBoard) (string, error)
}

// Request carries one run's resolution parameters. BoardID and Variant
// override the identities the boards reported about themselves.
type Request struct {
	Spec    mpversion.Spec
	BoardID string
	Variant string
}

// Builder resolves connected boards into an ordered flash worklist.
type Builder struct {
	Catalog Resolver
	Router  Router
}

// Build returns one job per transport address, ordered by address.
// Boards with nothing to flash become skipped jobs rather than errors,
// so the rest of the worklist still runs.
func (b *Builder) Build(ctx context.Context, boards []device.ConnectedBoard, req Request) []*Job {
	sorted := slices.Clone(boards)
	slices.SortFunc(sorted, func(x, y device.ConnectedBoard) int {
		return strings.Compare(x.Address, y.Address)
	})

	seen := make(map[string]bool, len(sorted))
	jobs := make([]*Job, 0, len(sorted))
	for _, board := range sorted {
		if seen[board.Address] {
			continue
		}
		seen[board.Address] = true

		job := &Job{ID: uuid.NewString(), Board: board, Status: StatusPending}
		jobs = append(jobs, job)

		if board.Family != "" && board.Family != "micropython" {
			job.skip("not a micropython board")
			continue
		}
		boardID, variant := board.BoardID, board.Variant
		if req.BoardID != "" {
			boardID, variant = req.BoardID, req.Variant
		} else if req.Variant != "" {
			variant = req.Variant
		}
		if boardID == "" {
			job.skip("board not identified")
			continue
		}

		fw, err := b.Catalog.Resolve(ctx, boardID, variant, board.PortFamily, req.Spec)
		var notFound *catalog.VersionNotFoundError
		switch {
		case errors.As(err, &notFound):
			job.skip("no matching firmware")
			log.Warn().Str("address", board.Address).Str("board", boardID).
				Msg("skipped, no matching firmware")
			continue
		case err != nil:
			job.fail(err)
			continue
		}

		strategy, err := b.Router.StrategyFor(board)
		if err != nil {
			job.skip(err.Error())
			continue
		}
		job.Firmware = fw
		job.Strategy = strategy
		log.Debug().Str("address", board.Address).Str("firmware", fw.Filename).
			Str("strategy", strategy).Msg("job built")
	}
	return jobs
}
