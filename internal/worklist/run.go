package worklist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/buckleypaul/molt/internal/bootloader"
	"github.com/buckleypaul/molt/internal/catalog"
	"github.com/buckleypaul/molt/internal/device"
)

// Preparer moves a board into bootloader mode.
type Preparer interface {
	Enter(ctx context.Context, board device.ConnectedBoard) (*bootloader.Transition, error)
}

// Writer flashes one artifact onto one board.
type Writer interface {
	Flash(ctx context.Context, board device.ConnectedBoard, fw catalog.Firmware) error
}

// Materializer downloads an artifact into the local cache.
type Materializer interface {
	Materialize(ctx context.Context, fw catalog.Firmware) (catalog.Firmware, error)
}

// Verifier re-identifies a board after flashing.
type Verifier interface {
	Identify(ctx context.Context, addr string) (device.ConnectedBoard, error)
}

// LockEvent records one acquire or release of a transport address lock.
type LockEvent struct {
	Address string
	Kind    string // "acquire" or "release"
	At      time.Time
}

// addressLocks hands out one mutex per transport address.
type addressLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *addressLocks) get(addr string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	lk, ok := l.m[addr]
	if !ok {
		lk = &sync.Mutex{}
		l.m[addr] = lk
	}
	return lk
}

// Runner drives built jobs to a terminal status. Cache and Identify
// are optional: without Cache an unmaterialized artifact fails its
// job, without Identify the post-flash identity check is skipped.
type Runner struct {
	Boot     Preparer
	Flash    Writer
	Cache    Materializer
	Identify Verifier

	// Workers caps how many boards flash at once. Each phase gets its
	// own deadline; a zero TransitionTimeout leaves the transition
	// open ended so manual bootloader confirmation can wait on the
	// user.
	Workers           int
	TransitionTimeout time.Duration
	WriteTimeout      time.Duration
	VerifyTimeout     time.Duration

	locks  addressLocks
	onLock func(LockEvent)
}

// Run drives every pending job and returns once all have settled. At
// most one job runs per transport address at a time and at most
// Workers jobs run overall. Jobs that lose an address race are marked
// deferred and requeued once after the first wave has released its
// locks.
func (r *Runner) Run(ctx context.Context, jobs []*Job) Summary {
	workers := r.Workers
	if workers < 1 {
		workers = 1
	}
	deferred := r.wave(ctx, jobs, workers)
	for _, job := range r.wave(ctx, deferred, workers) {
		job.fail(fmt.Errorf("transport address %s still busy", job.Board.Address))
	}
	return Summarize(jobs)
}

// wave runs one pass over the jobs, returning those deferred on lock
// contention.
func (r *Runner) wave(ctx context.Context, jobs []*Job, workers int) []*Job {
	var (
		g        errgroup.Group
		mu       sync.Mutex
		deferred []*Job
	)
	g.SetLimit(workers)
	for _, job := range jobs {
		if job.Status != StatusPending && job.Status != StatusDeferred {
			continue
		}
		g.Go(func() error {
			lk := r.locks.get(job.Board.Address)
			if !lk.TryLock() {
				job.Status = StatusDeferred
				job.Reason = "transport address busy"
				log.Warn().Str("job", job.ID).Str("address", job.Board.Address).
					Msg("job deferred")
				mu.Lock()
				deferred = append(deferred, job)
				mu.Unlock()
				return nil
			}
			r.lockEvent("acquire", job.Board.Address)
			defer func() {
				r.lockEvent("release", job.Board.Address)
				lk.Unlock()
			}()
			r.runJob(ctx, job)
			return nil
		})
	}
	g.Wait()
	return deferred
}

func (r *Runner) runJob(ctx context.Context, job *Job) {
	job.Started = time.Now()
	job.Status = StatusPreparing
	job.Reason = ""

	if !job.Firmware.Materialized() {
		if r.Cache == nil {
			job.fail(fmt.Errorf("artifact %s is not downloaded", job.Firmware.Filename))
			return
		}
		log.Info().Str("address", job.Board.Address).Str("firmware", job.Firmware.Filename).
			Msg("downloading missing artifact")
		fw, err := r.Cache.Materialize(ctx, job.Firmware)
		if err != nil {
			job.fail(fmt.Errorf("download %s: %w", job.Firmware.Filename, err))
			return
		}
		job.Firmware = fw
	}

	tctx, cancel := phaseCtx(ctx, r.TransitionTimeout)
	_, err := r.Boot.Enter(tctx, job.Board)
	cancel()
	if err != nil {
		job.fail(err)
		return
	}

	job.Status = StatusWriting
	wctx, cancel := phaseCtx(ctx, r.WriteTimeout)
	err = r.Flash.Flash(wctx, job.Board, job.Firmware)
	cancel()
	if err != nil {
		job.fail(err)
		return
	}

	if r.Identify != nil {
		job.Status = StatusVerifying
		r.confirm(ctx, job)
	}

	job.Status = StatusDone
	job.Finished = time.Now()
	log.Info().Str("address", job.Board.Address).Str("firmware", job.Firmware.Filename).
		Msg("flash complete")
}

// confirm re-identifies the board and compares the reported version
// with the flashed artifact. Identity strings move around between
// releases, so a mismatch is only a warning.
func (r *Runner) confirm(ctx context.Context, job *Job) {
	vctx, cancel := phaseCtx(ctx, r.VerifyTimeout)
	board, err := r.Identify.Identify(vctx, job.Board.Address)
	cancel()
	switch {
	case err != nil:
		job.Warning = fmt.Sprintf("could not confirm new firmware: %v", err)
	case board.Version != job.Firmware.SemVer():
		job.Warning = fmt.Sprintf("board reports %s, expected %s", board.Version, job.Firmware.SemVer())
	default:
		log.Info().Str("address", job.Board.Address).Str("version", board.Version.String()).
			Msg("new firmware confirmed")
		return
	}
	log.Warn().Str("address", job.Board.Address).Msg(job.Warning)
}

func (r *Runner) lockEvent(kind, addr string) {
	if r.onLock != nil {
		r.onLock(LockEvent{Address: addr, Kind: kind, At: time.Now()})
	}
	log.Debug().Str("address", addr).Msg(kind + " address lock")
}

// phaseCtx bounds one phase of a job. A zero duration adds no deadline
// beyond the run context.
func phaseCtx(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
